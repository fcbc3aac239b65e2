package yuv

import (
	"fmt"
	"math"
)

// quantizer maps normalized values to samples of one bit depth and range.
type quantizer struct {
	yLo, yScale   float32
	uvLo, uvScale float32
}

func newQuantizer(depth int, fullRange bool) quantizer {
	if fullRange {
		full := float32(int(1)<<uint(depth) - 1)
		return quantizer{yScale: full, uvScale: full}
	}
	lr := limitedRanges[depth]
	return quantizer{
		yLo:     float32(lr.yMin),
		yScale:  float32(lr.yMax - lr.yMin),
		uvLo:    float32(lr.uvMin),
		uvScale: float32(lr.uvMax - lr.uvMin),
	}
}

func round(v float32) uint32 { return uint32(math.Floor(float64(v) + 0.5)) }

// luma quantizes v in [0, 1].
func (q quantizer) luma(v float32) uint32 { return round(q.yLo + clamp01(v)*q.yScale) }

// chroma quantizes v in [-0.5, 0.5].
func (q quantizer) chroma(v float32) uint32 { return round(q.uvLo + clamp01(v+0.5)*q.uvScale) }

// FromBitmap converts src to a planar image of the given bit depth and
// chroma layout, coded as cicp describes. Chroma samples of subsampled
// layouts average the block of pixels they cover.
//
// Identity and YCgCo-R coding need 4:4:4 chroma.
func FromBitmap(src *Bitmap, bitDepth int, s Subsampling, cicp CICP) (*Image, error) {
	if err := src.check(); err != nil {
		return nil, err
	}
	if bitDepth != 8 && bitDepth != 10 && bitDepth != 12 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
	mc := cicp.MatrixCoefficients
	if (mc == MatrixIdentity || mc == MatrixYCgCoRe || mc == MatrixYCgCoRo) && s != Subsampling444 {
		return nil, fmt.Errorf("%w: matrix %d needs 4:4:4 chroma, not %v", ErrUnknownYUVFormat, mc, s)
	}
	im, err := NewImage(src.Width, src.Height, bitDepth, s)
	if err != nil {
		return nil, err
	}
	im.CICP = cicp

	if mc == MatrixYCgCoRe || mc == MatrixYCgCoRo {
		im.FullRange = true
		return im, fromBitmapYCgCoR(src, im, mc)
	}

	q := newQuantizer(bitDepth, cicp.FullRange)
	var fromRGB func(r, g, b float32) (y, u, v float32)
	switch mc {
	case MatrixIdentity:
		fromRGB = func(r, g, b float32) (float32, float32, float32) { return g, b, r }
	case MatrixYCgCo:
		fromRGB = func(r, g, b float32) (float32, float32, float32) {
			return 0.25*r + 0.5*g + 0.25*b, -0.25*r + 0.5*g - 0.25*b, 0.5*r - 0.5*b
		}
	default:
		kr, kg, kb := Coefficients(cicp)
		fromRGB = func(r, g, b float32) (float32, float32, float32) {
			y := kr*r + kg*g + kb*b
			return y, (b - y) / (2 * (1 - kb)), (r - y) / (2 * (1 - kr))
		}
	}
	chroma := q.chroma
	if mc == MatrixIdentity {
		// Identity uses the luma range for every plane.
		chroma = q.luma
	}

	xs, ys := s.Shift()
	bw, bh := 1<<xs, 1<<ys
	for by := 0; by < src.Height; by += bh {
		for bx := 0; bx < src.Width; bx += bw {
			var su, sv float32
			n := 0
			for y := by; y < min(by+bh, src.Height); y++ {
				for x := bx; x < min(bx+bw, src.Width); x++ {
					r, g, b, _ := src.RGBA(x, y)
					Y, U, V := fromRGB(r, g, b)
					im.SetSample(PlaneY, x, y, q.luma(Y))
					su += U
					sv += V
					n++
				}
			}
			if im.Monochrome() {
				continue
			}
			im.SetSample(PlaneU, bx>>xs, by>>ys, chroma(su/float32(n)))
			im.SetSample(PlaneV, bx>>xs, by>>ys, chroma(sv/float32(n)))
		}
	}
	return im, nil
}

// fromBitmapYCgCoR applies the lossless YCgCo-R lifting transform.
func fromBitmapYCgCoR(src *Bitmap, im *Image, mc MatrixCoefficients) error {
	rgbDepth := im.BitDepth - ycgcoRDepth(mc)
	if rgbDepth < 8 {
		return fmt.Errorf("%w: %d-bit YCgCo-R image", ErrUnsupportedBitDepth, im.BitDepth)
	}
	rgbMax := float32(int(1)<<uint(rgbDepth) - 1)
	offset := 1 << uint(im.BitDepth-1)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			rf, gf, bf, _ := src.RGBA(x, y)
			r, g, b := int(round(rf*rgbMax)), int(round(gf*rgbMax)), int(round(bf*rgbMax))
			co := r - b
			t := b + co>>1
			cg := g - t
			im.SetSample(PlaneY, x, y, uint32(t+cg>>1))
			im.SetSample(PlaneU, x, y, uint32(cg+offset))
			im.SetSample(PlaneV, x, y, uint32(co+offset))
		}
	}
	return nil
}

// AlphaFromBitmap returns a full range monochrome image holding the alpha
// channel of src.
func AlphaFromBitmap(src *Bitmap, bitDepth int) (*Image, error) {
	if err := src.check(); err != nil {
		return nil, err
	}
	if bitDepth != 8 && bitDepth != 10 && bitDepth != 12 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
	im, err := NewImage(src.Width, src.Height, bitDepth, Subsampling400)
	if err != nil {
		return nil, err
	}
	im.CICP = CICP{
		ColorPrimaries:          PrimariesUnspecified,
		TransferCharacteristics: TransferUnspecified,
		MatrixCoefficients:      MatrixUnspecified,
		FullRange:               true,
	}
	full := float32(im.MaxSample())
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			_, _, _, a := src.RGBA(x, y)
			im.SetSample(PlaneY, x, y, round(a*full))
		}
	}
	return im, nil
}
