package yuv

import "fmt"

// ColorPrimaries is a CICP colour primaries code point (ITU-T H.273).
type ColorPrimaries uint16

const (
	PrimariesBT709       ColorPrimaries = 1
	PrimariesUnspecified ColorPrimaries = 2
	PrimariesBT470M      ColorPrimaries = 4
	PrimariesBT470BG     ColorPrimaries = 5
	PrimariesBT601       ColorPrimaries = 6
	PrimariesSMPTE240    ColorPrimaries = 7
	PrimariesGenericFilm ColorPrimaries = 8
	PrimariesBT2020      ColorPrimaries = 9
	PrimariesXYZ         ColorPrimaries = 10
	PrimariesSMPTE431    ColorPrimaries = 11
	PrimariesSMPTE432    ColorPrimaries = 12
	PrimariesEBU3213     ColorPrimaries = 22
)

// TransferCharacteristics is a CICP transfer characteristics code point.
type TransferCharacteristics uint16

const (
	TransferBT709           TransferCharacteristics = 1
	TransferUnspecified     TransferCharacteristics = 2
	TransferBT470M          TransferCharacteristics = 4
	TransferBT470BG         TransferCharacteristics = 5
	TransferBT601           TransferCharacteristics = 6
	TransferSMPTE240        TransferCharacteristics = 7
	TransferLinear          TransferCharacteristics = 8
	TransferLog100          TransferCharacteristics = 9
	TransferLog100Sqrt10    TransferCharacteristics = 10
	TransferIEC61966        TransferCharacteristics = 11
	TransferBT1361          TransferCharacteristics = 12
	TransferSRGB            TransferCharacteristics = 13
	TransferBT2020TenBit    TransferCharacteristics = 14
	TransferBT2020TwelveBit TransferCharacteristics = 15
	TransferSMPTE2084       TransferCharacteristics = 16
	TransferSMPTE428        TransferCharacteristics = 17
	TransferHLG             TransferCharacteristics = 18
)

// MatrixCoefficients is a CICP matrix coefficients code point.
type MatrixCoefficients uint16

const (
	MatrixIdentity         MatrixCoefficients = 0
	MatrixBT709            MatrixCoefficients = 1
	MatrixUnspecified      MatrixCoefficients = 2
	MatrixFCC              MatrixCoefficients = 4
	MatrixBT470BG          MatrixCoefficients = 5
	MatrixBT601            MatrixCoefficients = 6
	MatrixSMPTE240         MatrixCoefficients = 7
	MatrixYCgCo            MatrixCoefficients = 8
	MatrixBT2020NCL        MatrixCoefficients = 9
	MatrixBT2020CL         MatrixCoefficients = 10
	MatrixSMPTE2085        MatrixCoefficients = 11
	MatrixChromaDerivedNCL MatrixCoefficients = 12
	MatrixChromaDerivedCL  MatrixCoefficients = 13
	MatrixICtCp            MatrixCoefficients = 14
	MatrixYCgCoRe          MatrixCoefficients = 16
	MatrixYCgCoRo          MatrixCoefficients = 17
)

// CICP describes how samples map to colours.
type CICP struct {
	ColorPrimaries          ColorPrimaries
	TransferCharacteristics TransferCharacteristics
	MatrixCoefficients      MatrixCoefficients
	FullRange               bool
}

// DefaultCICP is what an image without a colour property is assumed to
// carry: sRGB with BT.601 coefficients, full range.
var DefaultCICP = CICP{
	ColorPrimaries:          PrimariesBT709,
	TransferCharacteristics: TransferSRGB,
	MatrixCoefficients:      MatrixBT601,
	FullRange:               true,
}

func (c CICP) String() string {
	r := "limited"
	if c.FullRange {
		r = "full"
	}
	return fmt.Sprintf("%d/%d/%d %s", c.ColorPrimaries, c.TransferCharacteristics, c.MatrixCoefficients, r)
}

// rX, rY, gX, gY, bX, bY, wX, wY
var primariesTable = map[ColorPrimaries][8]float32{
	PrimariesBT709:       {0.64, 0.33, 0.3, 0.6, 0.15, 0.06, 0.3127, 0.329},
	PrimariesBT470M:      {0.67, 0.33, 0.21, 0.71, 0.14, 0.08, 0.310, 0.316},
	PrimariesBT470BG:     {0.64, 0.33, 0.29, 0.60, 0.15, 0.06, 0.3127, 0.3290},
	PrimariesBT601:       {0.630, 0.340, 0.310, 0.595, 0.155, 0.070, 0.3127, 0.3290},
	PrimariesSMPTE240:    {0.630, 0.340, 0.310, 0.595, 0.155, 0.070, 0.3127, 0.3290},
	PrimariesGenericFilm: {0.681, 0.319, 0.243, 0.692, 0.145, 0.049, 0.310, 0.316},
	PrimariesBT2020:      {0.708, 0.292, 0.170, 0.797, 0.131, 0.046, 0.3127, 0.3290},
	PrimariesXYZ:         {1.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.3333, 0.3333},
	PrimariesSMPTE431:    {0.680, 0.320, 0.265, 0.690, 0.150, 0.060, 0.314, 0.351},
	PrimariesSMPTE432:    {0.680, 0.320, 0.265, 0.690, 0.150, 0.060, 0.3127, 0.3290},
	PrimariesEBU3213:     {0.630, 0.340, 0.295, 0.605, 0.155, 0.077, 0.3127, 0.3290},
}

// Kr and Kb per matrix.
var matrixTable = map[MatrixCoefficients][2]float32{
	MatrixBT709:     {0.2126, 0.0722},
	MatrixFCC:       {0.30, 0.11},
	MatrixBT470BG:   {0.299, 0.114},
	MatrixBT601:     {0.299, 0.114},
	MatrixSMPTE240:  {0.212, 0.087},
	MatrixBT2020NCL: {0.2627, 0.0593},
}

// Coefficients returns the luma coefficients Kr, Kg and Kb of c. Matrices
// that cannot be expressed with them fall back to BT.601.
func Coefficients(c CICP) (kr, kg, kb float32) {
	kr, kb = 0.299, 0.114
	if c.MatrixCoefficients == MatrixChromaDerivedNCL {
		p, ok := primariesTable[c.ColorPrimaries]
		if !ok {
			p = primariesTable[PrimariesBT709]
		}
		kr, kb = chromaDerived(p)
	} else if m, ok := matrixTable[c.MatrixCoefficients]; ok {
		kr, kb = m[0], m[1]
	}
	return kr, 1 - kr - kb, kb
}

// chromaDerived computes Kr and Kb from chromaticity coordinates
// (H.273 equations 32 to 37).
func chromaDerived(p [8]float32) (kr, kb float32) {
	rX, rY, gX, gY, bX, bY, wX, wY := p[0], p[1], p[2], p[3], p[4], p[5], p[6], p[7]
	rZ := 1 - (rX + rY)
	gZ := 1 - (gX + gY)
	bZ := 1 - (bX + bY)
	wZ := 1 - (wX + wY)
	d := wY * (rX*(gY*bZ-bY*gZ) + gX*(bY*rZ-rY*bZ) + bX*(rY*gZ-gY*rZ))
	kr = rY * (wX*(gY*bZ-bY*gZ) + wY*(bX*gZ-gX*bZ) + wZ*(gX*bY-bX*gY)) / d
	kb = bY * (wX*(rY*gZ-gY*rZ) + wY*(gX*rZ-rX*gZ) + wZ*(rX*gY-gX*rY)) / d
	return kr, kb
}
