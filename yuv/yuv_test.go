package yuv

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBitmap(t *testing.T, w, h int, fn func(x, y int) (r, g, b, a uint8)) *Bitmap {
	t.Helper()
	bm, err := NewBitmap(BGRA8, w, h)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, a := fn(x, y)
			p := bm.Pix[bm.PixOffset(x, y):]
			p[0], p[1], p[2], p[3] = b, g, r, a
		}
	}
	return bm
}

func pattern(x, y int) (r, g, b, a uint8) {
	return uint8(x*37 + y*11), uint8(y*53 + 7), uint8((x+y)*29 + 3), uint8(x*y*13)
}

// blocks paints solid 2x2 blocks so that subsampled chroma is exact.
func blocks(x, y int) (r, g, b, a uint8) {
	return pattern(x/2, y/2)
}

func convert(t *testing.T, im *Image, format PixelFormat) *Bitmap {
	t.Helper()
	out, err := NewBitmap(format, im.Width, im.Height)
	require.NoError(t, err)
	require.NoError(t, NewConverter(nil).Convert(im, 0, 0, out))
	return out
}

func assertRGBWithin(t *testing.T, want, got *Bitmap, delta int) {
	t.Helper()
	for y := 0; y < want.Height; y++ {
		for x := 0; x < want.Width; x++ {
			w := want.Pix[want.PixOffset(x, y):]
			g := got.Pix[got.PixOffset(x, y):]
			for c := 0; c < 3; c++ {
				d := int(w[c]) - int(g[c])
				if d < -delta || d > delta {
					t.Fatalf("pixel (%d,%d) channel %d: got %d, want %d±%d", x, y, c, g[c], w[c], delta)
				}
			}
		}
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	src := makeBitmap(t, 7, 5, pattern)
	identity := CICP{MatrixCoefficients: MatrixIdentity, FullRange: true}
	for _, depth := range []int{8, 10, 12} {
		im, err := FromBitmap(src, depth, Subsampling444, identity)
		require.NoError(t, err)
		assertRGBWithin(t, src, convert(t, im, BGRA8), 0)
	}
}

func TestIdentityNeeds444(t *testing.T) {
	src := makeBitmap(t, 4, 4, pattern)
	_, err := FromBitmap(src, 8, Subsampling420, CICP{MatrixCoefficients: MatrixIdentity, FullRange: true})
	assert.True(t, errors.Is(err, ErrUnknownYUVFormat))
}

func TestBT601RoundTrip(t *testing.T) {
	src := makeBitmap(t, 9, 7, blocks)
	bt601 := CICP{MatrixCoefficients: MatrixBT601, FullRange: true}
	for _, s := range []Subsampling{Subsampling420, Subsampling422, Subsampling444} {
		im, err := FromBitmap(src, 8, s, bt601)
		require.NoError(t, err)
		xs, ys := s.Shift()
		w, h := im.PlaneSize(PlaneU)
		assert.Equal(t, (9+1<<xs-1)>>xs, w)
		assert.Equal(t, (7+1<<ys-1)>>ys, h)
		assertRGBWithin(t, src, convert(t, im, BGRA8), 2)
	}
}

func TestLimitedRangeRoundTrip(t *testing.T) {
	src := makeBitmap(t, 6, 6, blocks)
	for _, mc := range []MatrixCoefficients{MatrixBT709, MatrixBT2020NCL, MatrixYCgCo} {
		im, err := FromBitmap(src, 10, Subsampling420, CICP{MatrixCoefficients: mc})
		require.NoError(t, err)
		assertRGBWithin(t, src, convert(t, im, BGRA8), 2)
	}
}

func TestYCgCoRoundTrip(t *testing.T) {
	src := makeBitmap(t, 5, 5, pattern)
	im, err := FromBitmap(src, 8, Subsampling444, CICP{MatrixCoefficients: MatrixYCgCo, FullRange: true})
	require.NoError(t, err)
	assertRGBWithin(t, src, convert(t, im, BGRA8), 2)
}

func TestYCgCoReversibleRoundTrip(t *testing.T) {
	src := makeBitmap(t, 5, 4, pattern)
	for _, tc := range []struct {
		mc    MatrixCoefficients
		depth int
	}{
		{MatrixYCgCoRe, 10},
		{MatrixYCgCoRo, 10},
		{MatrixYCgCoRe, 12},
	} {
		im, err := FromBitmap(src, tc.depth, Subsampling444, CICP{MatrixCoefficients: tc.mc, FullRange: true})
		require.NoError(t, err)
		assertRGBWithin(t, src, convert(t, im, BGRA8), 0)
	}

	_, err := FromBitmap(src, 8, Subsampling444, CICP{MatrixCoefficients: MatrixYCgCoRe, FullRange: true})
	assert.True(t, errors.Is(err, ErrUnsupportedBitDepth))
}

func TestLimitedToFull(t *testing.T) {
	for _, tc := range []struct {
		depth, v, want int
		chroma         bool
	}{
		{8, 16, 0, false},
		{8, 235, 255, false},
		{8, 0, 0, false},
		{8, 255, 255, false},
		{8, 126, 128, false},
		{8, 240, 255, true},
		{10, 64, 0, false},
		{10, 940, 1023, false},
		{10, 960, 1023, true},
		{12, 3760, 4095, false},
		{16, 1024, 0, false},
		{16, 60160, 65535, false},
	} {
		lr := limitedRanges[tc.depth]
		lo, hi := lr.yMin, lr.yMax
		if tc.chroma {
			lo, hi = lr.uvMin, lr.uvMax
		}
		assert.Equal(t, tc.want, limitedToFull(tc.v, lo, hi, 1<<uint(tc.depth)-1), "%d-bit %d", tc.depth, tc.v)
	}
}

func grayImage(t *testing.T, w, h, depth int, full bool, y uint32) *Image {
	t.Helper()
	im, err := NewImage(w, h, depth, Subsampling444)
	require.NoError(t, err)
	im.FullRange = full
	mid := uint32(1) << uint(depth-1)
	if !full {
		mid = uint32(limitedRanges[depth].uvMin+limitedRanges[depth].uvMax+1) / 2
	}
	for yy := 0; yy < h; yy++ {
		for x := 0; x < w; x++ {
			im.SetSample(PlaneY, x, yy, y)
			im.SetSample(PlaneU, x, yy, mid)
			im.SetSample(PlaneV, x, yy, mid)
		}
	}
	return im
}

func TestLimitedRangeDecode(t *testing.T) {
	white := convert(t, grayImage(t, 2, 2, 8, false, 235), BGRA8)
	for _, v := range white.Pix[:3] {
		assert.GreaterOrEqual(t, v, uint8(254))
	}
	black := convert(t, grayImage(t, 2, 2, 8, false, 16), BGRA8)
	for _, v := range black.Pix[:3] {
		assert.LessOrEqual(t, v, uint8(1))
	}
}

func TestHighBitDepthOutput(t *testing.T) {
	white := convert(t, grayImage(t, 2, 2, 10, true, 1023), RGBA16)
	r, g, b, _ := white.RGBA(1, 1)
	assert.InDelta(t, 1, r, 0.002)
	assert.InDelta(t, 1, g, 0.002)
	assert.InDelta(t, 1, b, 0.002)

	mid := convert(t, grayImage(t, 2, 2, 12, true, 2048), RGBAF32)
	r, g, b, _ = mid.RGBA(0, 1)
	assert.InDelta(t, 0.5, r, 0.002)
	assert.InDelta(t, 0.5, g, 0.002)
	assert.InDelta(t, 0.5, b, 0.002)

	im, err := NewImage(3, 1, 16, Subsampling400)
	require.NoError(t, err)
	im.FullRange = true
	im.SetSample(PlaneY, 0, 0, 0)
	im.SetSample(PlaneY, 1, 0, 32768)
	im.SetSample(PlaneY, 2, 0, 65535)
	out := convert(t, im, RGBAF32)
	r0, _, _, _ := out.RGBA(0, 0)
	r1, _, _, _ := out.RGBA(1, 0)
	r2, _, _, _ := out.RGBA(2, 0)
	assert.Equal(t, float32(0), r0)
	assert.InDelta(t, 0.5, r1, 0.0001)
	assert.Equal(t, float32(1), r2)
}

func TestUnsupportedBitDepth(t *testing.T) {
	_, err := NewImage(2, 2, 9, Subsampling420)
	assert.True(t, errors.Is(err, ErrUnsupportedBitDepth))

	im := grayImage(t, 2, 2, 8, true, 0)
	im.BitDepth = 14
	out, err := NewBitmap(BGRA8, 2, 2)
	require.NoError(t, err)
	err = NewConverter(nil).Convert(im, 0, 0, out)
	assert.True(t, errors.Is(err, ErrUnsupportedBitDepth))

	src := makeBitmap(t, 2, 2, pattern)
	_, err = FromBitmap(src, 16, Subsampling444, DefaultCICP)
	assert.True(t, errors.Is(err, ErrUnsupportedBitDepth))
	_, err = AlphaFromBitmap(src, 9)
	assert.True(t, errors.Is(err, ErrUnsupportedBitDepth))
}

func monoTile(t *testing.T, w, h int, v uint32) *Image {
	t.Helper()
	im, err := NewImage(w, h, 8, Subsampling400)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.SetSample(PlaneY, x, y, v)
		}
	}
	return im
}

func TestTileClipping(t *testing.T) {
	out, err := NewBitmap(BGRA8, 5, 3)
	require.NoError(t, err)
	c := NewConverter(nil)
	values := [2][2]uint32{{10, 20}, {30, 40}}
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			require.NoError(t, c.Convert(monoTile(t, 4, 2, values[row][col]), row, col, out))
		}
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			want := values[y/2][x/4]
			assert.EqualValues(t, want, out.Pix[out.PixOffset(x, y)], "pixel (%d,%d)", x, y)
		}
	}
}

func TestTileColorMismatch(t *testing.T) {
	out, err := NewBitmap(BGRA8, 4, 2)
	require.NoError(t, err)
	first := grayImage(t, 2, 2, 8, true, 100)
	second := grayImage(t, 2, 2, 8, true, 100)
	second.MatrixCoefficients = MatrixBT709

	c := NewConverter(nil)
	require.NoError(t, c.Convert(first, 0, 0, out))
	err = c.Convert(second, 0, 1, out)
	assert.True(t, errors.Is(err, ErrTileColorMismatch), "got %v", err)
	assert.False(t, errors.Is(err, ErrTileFormatMismatch))

	override := DefaultCICP
	c = NewConverter(&override)
	require.NoError(t, c.Convert(first, 0, 0, out))
	assert.NoError(t, c.Convert(second, 0, 1, out))
}

func TestTileFormatMismatch(t *testing.T) {
	out, err := NewBitmap(BGRA8, 4, 2)
	require.NoError(t, err)

	c := NewConverter(nil)
	require.NoError(t, c.Convert(grayImage(t, 2, 2, 8, true, 1), 0, 0, out))
	err = c.Convert(grayImage(t, 2, 2, 10, true, 1), 0, 1, out)
	assert.True(t, errors.Is(err, ErrTileFormatMismatch))

	c = NewConverter(nil)
	require.NoError(t, c.Convert(grayImage(t, 2, 2, 8, true, 1), 0, 0, out))
	err = c.Convert(monoTile(t, 2, 2, 1), 0, 1, out)
	assert.True(t, errors.Is(err, ErrTileFormatMismatch))
}

func TestAlphaRoundTrip(t *testing.T) {
	src := makeBitmap(t, 6, 3, pattern)
	for _, depth := range []int{8, 10} {
		alpha, err := AlphaFromBitmap(src, depth)
		require.NoError(t, err)
		assert.True(t, alpha.Monochrome())

		out, err := NewBitmap(BGRA8, 6, 3)
		require.NoError(t, err)
		require.NoError(t, NewAlphaConverter().Convert(alpha, 0, 0, out))
		for y := 0; y < 3; y++ {
			for x := 0; x < 6; x++ {
				assert.Equal(t, src.Pix[src.PixOffset(x, y)+3], out.Pix[out.PixOffset(x, y)+3])
			}
		}
	}
}

func TestCoefficients(t *testing.T) {
	kr, kg, kb := Coefficients(CICP{MatrixCoefficients: MatrixBT709})
	assert.Equal(t, float32(0.2126), kr)
	assert.Equal(t, float32(0.0722), kb)
	assert.InDelta(t, 0.7152, kg, 1e-6)

	kr, _, kb = Coefficients(CICP{MatrixCoefficients: MatrixICtCp})
	assert.Equal(t, [2]float32{0.299, 0.114}, [2]float32{kr, kb})

	kr, _, kb = Coefficients(CICP{MatrixCoefficients: MatrixChromaDerivedNCL, ColorPrimaries: PrimariesBT709})
	assert.InDelta(t, 0.2126, kr, 0.001)
	assert.InDelta(t, 0.0722, kb, 0.001)
}

func TestBitmapImage(t *testing.T) {
	src := makeBitmap(t, 3, 2, pattern)
	img := src.Image()
	nrgba, ok := img.(*image.NRGBA)
	require.True(t, ok)
	r, g, b, a := pattern(2, 1)
	assert.Equal(t, color.NRGBA{R: r, G: g, B: b, A: a}, nrgba.NRGBAAt(2, 1))

	back, err := BitmapFromImage(img, BGRA8)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, back.Pix)

	wide, err := BitmapFromImage(img, RGBA16)
	require.NoError(t, err)
	_, ok = wide.Image().(*image.NRGBA64)
	assert.True(t, ok)

	_, err = NewBitmap(PixelFormat(7), 1, 1)
	assert.Equal(t, ErrUnsupportedPixelFormat, err)
}

func TestAlphaHelpers(t *testing.T) {
	bm := makeBitmap(t, 2, 1, func(x, y int) (uint8, uint8, uint8, uint8) {
		return 64, 32, 0, 128
	})
	assert.True(t, bm.HasAlpha())
	bm.Unpremultiply()
	r, g, _, _ := bm.RGBA(0, 0)
	assert.InDelta(t, 0.5, r, 0.005)
	assert.InDelta(t, 0.25, g, 0.005)

	bm.SetAlphaOpaque()
	assert.False(t, bm.HasAlpha())
}

func TestSizeOverflow(t *testing.T) {
	_, err := NewBitmap(RGBAF32, 0xFFFFFFFF, 0xFFFFFFFF)
	assert.True(t, errors.Is(err, ErrImageTooLarge), "got %v", err)

	_, err = NewImage(0xFFFFFFFF, 0xFFFFFFFF, 10, Subsampling444)
	assert.True(t, errors.Is(err, ErrImageTooLarge), "got %v", err)

	_, err = NewBitmap(BGRA8, 0, 4)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrImageTooLarge))
}
