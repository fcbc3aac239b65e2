package goavif

import (
	"github.com/jdeng/goavif/heif/bmff"
	"github.com/jdeng/goavif/yuv"
)

// rotate returns b turned n quarter turns counter-clockwise, as an irot
// property asks.
func rotate(b *yuv.Bitmap, n int) (*yuv.Bitmap, error) {
	n &= 3
	if n == 0 {
		return b, nil
	}
	w, h := b.Width, b.Height
	if n%2 == 1 {
		w, h = h, w
	}
	out, err := yuv.NewBitmap(b.Format, w, h)
	if err != nil {
		return nil, err
	}
	bpp := b.Format.BytesPerPixel()
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			var dx, dy int
			switch n {
			case 1:
				dx, dy = y, b.Width-1-x
			case 2:
				dx, dy = b.Width-1-x, b.Height-1-y
			case 3:
				dx, dy = b.Height-1-y, x
			}
			copy(out.Pix[out.PixOffset(dx, dy):][:bpp], b.Pix[b.PixOffset(x, y):])
		}
	}
	return out, nil
}

// mirror flips b in place about the given imir axis.
func mirror(b *yuv.Bitmap, axis uint8) {
	bpp := b.Format.BytesPerPixel()
	tmp := make([]byte, max(bpp, b.Width*bpp))
	swap := func(i, j, n int) {
		copy(tmp[:n], b.Pix[i:i+n])
		copy(b.Pix[i:i+n], b.Pix[j:j+n])
		copy(b.Pix[j:j+n], tmp[:n])
	}
	switch axis {
	case bmff.MirrorVertical:
		for y := 0; y < b.Height; y++ {
			for x := 0; x < b.Width/2; x++ {
				swap(b.PixOffset(x, y), b.PixOffset(b.Width-1-x, y), bpp)
			}
		}
	case bmff.MirrorHorizontal:
		for y := 0; y < b.Height/2; y++ {
			swap(b.PixOffset(0, y), b.PixOffset(0, b.Height-1-y), b.Width*bpp)
		}
	}
}
