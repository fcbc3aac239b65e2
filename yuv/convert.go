package yuv

import "fmt"

// tables maps every sample value of one bit depth to a normalized float,
// applying the limited range rescale when needed. Chroma values of
// non-identity matrices are centered on zero.
type tables struct {
	max uint32
	y   []float32
	uv  []float32
}

func newTables(depth int, fullRange, identity, color bool) (*tables, error) {
	lr, ok := limitedRanges[depth]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, depth)
	}
	count := 1 << uint(depth)
	maxChannel := count - 1
	t := &tables{max: uint32(maxChannel), y: make([]float32, count)}
	if color {
		t.uv = make([]float32, count)
	}
	for i := 0; i < count; i++ {
		y, uv := i, i
		if !fullRange {
			y = limitedToFull(i, lr.yMin, lr.yMax, maxChannel)
			uv = limitedToFull(i, lr.uvMin, lr.uvMax, maxChannel)
		}
		t.y[i] = float32(y) / float32(maxChannel)
		if !color {
			continue
		}
		if identity {
			// Identity uses the luma range for every plane.
			t.uv[i] = t.y[i]
		} else {
			t.uv[i] = float32(uv)/float32(maxChannel) - 0.5
		}
	}
	return t, nil
}

// Converter writes decoded frames into a bitmap, one grid tile at a time.
//
// The first tile converted fixes the bit depth and the chroma layout that
// later tiles must match. Unless Colour is set, it also fixes the colour
// description: a later tile carrying different code points fails with
// ErrTileColorMismatch.
type Converter struct {
	// Colour overrides the code points carried by the frames, as a
	// container colr property does.
	Colour *CICP

	// TileWidth and TileHeight place tiles in the bitmap. When zero they
	// are taken from the first tile.
	TileWidth, TileHeight int

	alpha    bool
	started  bool
	bitDepth int
	layout   Subsampling
	identity bool
	first    CICP
}

// NewConverter returns a converter for colour frames.
func NewConverter(colour *CICP) *Converter { return &Converter{Colour: colour} }

// NewAlphaConverter returns a converter that writes the luma of alpha
// frames into the alpha channel.
func NewAlphaConverter() *Converter { return &Converter{alpha: true} }

// Convert writes img as the tile at (row, col) of dst. The copied region
// is clipped to the bitmap.
func (c *Converter) Convert(img *Image, row, col int, dst *Bitmap) error {
	if err := dst.check(); err != nil {
		return err
	}
	if !validBitDepth(img.BitDepth) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, img.BitDepth)
	}
	if img.Subsampling < Subsampling420 || img.Subsampling > Subsampling400 {
		return ErrUnknownYUVFormat
	}
	if err := c.checkTile(img); err != nil {
		return err
	}

	x0, y0 := col*c.TileWidth, row*c.TileHeight
	w, h := min(img.Width, dst.Width-x0), min(img.Height, dst.Height-y0)
	if w <= 0 || h <= 0 {
		return nil
	}
	if c.alpha {
		return convertAlpha(img, dst, x0, y0, w, h)
	}

	cicp := img.CICP
	if c.Colour != nil {
		cicp = *c.Colour
	}
	return convertColor(img, cicp, dst, x0, y0, w, h)
}

// CICP returns the colour description used for the converted tiles: the
// override when set, otherwise the one of the first tile.
func (c *Converter) CICP() CICP {
	if c.Colour != nil {
		return *c.Colour
	}
	return c.first
}

func (c *Converter) checkTile(img *Image) error {
	identity := img.MatrixCoefficients == MatrixIdentity ||
		(c.Colour != nil && c.Colour.MatrixCoefficients == MatrixIdentity)
	if !c.started {
		c.started = true
		c.bitDepth = img.BitDepth
		c.layout = img.Subsampling
		c.identity = identity && !img.Monochrome() && !c.alpha
		c.first = img.CICP
		if c.TileWidth == 0 && c.TileHeight == 0 {
			c.TileWidth, c.TileHeight = img.Width, img.Height
		}
		return nil
	}
	if img.BitDepth != c.bitDepth {
		return fmt.Errorf("%w: %d-bit tile after %d-bit", ErrTileFormatMismatch, img.BitDepth, c.bitDepth)
	}
	if c.alpha {
		return nil
	}
	switch {
	case c.identity:
		if c.Colour == nil && img.MatrixCoefficients != MatrixIdentity {
			return fmt.Errorf("%w: tile is not identity coded", ErrTileFormatMismatch)
		}
	case img.Subsampling != c.layout:
		return fmt.Errorf("%w: %v tile after %v", ErrTileFormatMismatch, img.Subsampling, c.layout)
	}
	if c.Colour == nil && img.CICP != c.first {
		return fmt.Errorf("%w: %v, first tile %v", ErrTileColorMismatch, img.CICP, c.first)
	}
	return nil
}

func convertAlpha(img *Image, dst *Bitmap, x0, y0, w, h int) error {
	t, err := newTables(img.BitDepth, img.FullRange, false, false)
	if err != nil {
		return err
	}
	bpp := dst.Format.BytesPerPixel()
	for y := 0; y < h; y++ {
		off := dst.PixOffset(x0, y0+y)
		for x := 0; x < w; x++ {
			dst.setAlpha(off, t.y[min(img.Sample(PlaneY, x, y), t.max)])
			off += bpp
		}
	}
	return nil
}

func convertColor(img *Image, cicp CICP, dst *Bitmap, x0, y0, w, h int) error {
	mc := cicp.MatrixCoefficients
	if mc == MatrixIdentity && img.BitDepth == 8 && dst.Format == BGRA8 && !img.Monochrome() {
		identity8(img, dst, x0, y0, w, h)
		return nil
	}
	if mc == MatrixYCgCoRe || mc == MatrixYCgCoRo {
		return convertYCgCoR(img, mc, dst, x0, y0, w, h)
	}

	color := !img.Monochrome()
	t, err := newTables(img.BitDepth, img.FullRange, mc == MatrixIdentity, color)
	if err != nil {
		return err
	}
	var toRGB func(y, u, v float32) (r, g, b float32)
	switch mc {
	case MatrixIdentity:
		toRGB = func(y, u, v float32) (float32, float32, float32) { return v, y, u }
	case MatrixYCgCo:
		toRGB = func(y, cg, co float32) (float32, float32, float32) {
			t := y - cg
			return t + co, y + cg, t - co
		}
	default:
		kr, kg, kb := Coefficients(cicp)
		toRGB = func(y, cb, cr float32) (float32, float32, float32) {
			r := y + 2*(1-kr)*cr
			b := y + 2*(1-kb)*cb
			g := y - 2*(kr*(1-kr)*cr+kb*(1-kb)*cb)/kg
			return r, g, b
		}
	}

	xs, ys := img.Subsampling.Shift()
	bpp := dst.Format.BytesPerPixel()
	for y := 0; y < h; y++ {
		off := dst.PixOffset(x0, y0+y)
		cy := y >> ys
		for x := 0; x < w; x++ {
			Y := t.y[min(img.Sample(PlaneY, x, y), t.max)]
			if !color {
				dst.setRGB(off, Y, Y, Y)
			} else {
				cx := x >> xs
				U := t.uv[min(img.Sample(PlaneU, cx, cy), t.max)]
				V := t.uv[min(img.Sample(PlaneV, cx, cy), t.max)]
				r, g, b := toRGB(Y, U, V)
				dst.setRGB(off, r, g, b)
			}
			off += bpp
		}
	}
	return nil
}

// identity8 copies 8-bit identity coded samples without going through
// floats: G from Y, B from U and R from V.
func identity8(img *Image, dst *Bitmap, x0, y0, w, h int) {
	var lut [256]uint8
	lr := limitedRanges[8]
	for i := range lut {
		v := i
		if !img.FullRange {
			v = limitedToFull(i, lr.yMin, lr.yMax, 255)
		}
		lut[i] = uint8(v)
	}
	xs, ys := img.Subsampling.Shift()
	for y := 0; y < h; y++ {
		row := dst.Pix[dst.PixOffset(x0, y0+y):]
		yr := img.Planes[PlaneY][y*img.Strides[PlaneY]:]
		ur := img.Planes[PlaneU][(y>>ys)*img.Strides[PlaneU]:]
		vr := img.Planes[PlaneV][(y>>ys)*img.Strides[PlaneV]:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			p[0] = lut[ur[x>>xs]]
			p[1] = lut[yr[x]]
			p[2] = lut[vr[x>>xs]]
		}
	}
}

// ycgcoRDepth returns how many bits the RGB samples of a YCgCo-R image
// have fewer than its YUV samples.
func ycgcoRDepth(mc MatrixCoefficients) int {
	if mc == MatrixYCgCoRe {
		return 2
	}
	return 1
}

// convertYCgCoR reverses the lossless YCgCo-Re and YCgCo-Ro lifting
// transforms. Samples are taken as full range.
func convertYCgCoR(img *Image, mc MatrixCoefficients, dst *Bitmap, x0, y0, w, h int) error {
	rgbDepth := img.BitDepth - ycgcoRDepth(mc)
	if rgbDepth < 8 {
		return fmt.Errorf("%w: %d-bit YCgCo-R image", ErrUnsupportedBitDepth, img.BitDepth)
	}
	rgbMax := float32(int(1)<<uint(rgbDepth) - 1)
	norm := func(v int) float32 { return float32(v) / rgbMax }
	offset := 1 << uint(img.BitDepth-1)
	xs, ys := img.Subsampling.Shift()
	bpp := dst.Format.BytesPerPixel()
	for y := 0; y < h; y++ {
		off := dst.PixOffset(x0, y0+y)
		for x := 0; x < w; x++ {
			Y := int(img.Sample(PlaneY, x, y))
			if img.Monochrome() {
				dst.setRGB(off, norm(Y), norm(Y), norm(Y))
			} else {
				cg := int(img.Sample(PlaneU, x>>xs, y>>ys)) - offset
				co := int(img.Sample(PlaneV, x>>xs, y>>ys)) - offset
				t := Y - cg>>1
				g := t + cg
				b := t - co>>1
				r := b + co
				dst.setRGB(off, norm(r), norm(g), norm(b))
			}
			off += bpp
		}
	}
	return nil
}
