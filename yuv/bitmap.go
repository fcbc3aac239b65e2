package yuv

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
)

// PixelFormat is the layout of a Bitmap pixel.
type PixelFormat int

const (
	BGRA8   PixelFormat = iota // 8 bits per channel, B G R A
	RGBA16                     // 16 bits per channel, little endian
	RGBAF32                    // 32-bit float per channel, little endian
)

// BytesPerPixel returns the size of one pixel, or 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case BGRA8:
		return 4
	case RGBA16:
		return 8
	case RGBAF32:
		return 16
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case BGRA8:
		return "BGRA8"
	case RGBA16:
		return "RGBA16"
	case RGBAF32:
		return "RGBAF32"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Bitmap is a packed, non-premultiplied RGBA bitmap. Stride is in bytes.
type Bitmap struct {
	Format        PixelFormat
	Width, Height int
	Stride        int
	Pix           []byte
}

// NewBitmap allocates a bitmap.
func NewBitmap(format PixelFormat, width, height int) (*Bitmap, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, ErrUnsupportedPixelFormat
	}
	if err := checkSize(width, height, bpp); err != nil {
		return nil, err
	}
	return &Bitmap{
		Format: format,
		Width:  width,
		Height: height,
		Stride: width * bpp,
		Pix:    make([]byte, width*height*bpp),
	}, nil
}

func (b *Bitmap) check() error {
	bpp := b.Format.BytesPerPixel()
	if bpp == 0 {
		return ErrUnsupportedPixelFormat
	}
	if b.Width <= 0 || b.Height <= 0 || b.Stride < b.Width*bpp || len(b.Pix) < (b.Height-1)*b.Stride+b.Width*bpp {
		return fmt.Errorf("yuv: malformed %v bitmap %dx%d, stride %d, %d bytes", b.Format, b.Width, b.Height, b.Stride, len(b.Pix))
	}
	return nil
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (b *Bitmap) PixOffset(x, y int) int {
	return y*b.Stride + x*b.Format.BytesPerPixel()
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func unorm8(v float32) uint8   { return uint8(0.5 + clamp01(v)*255) }
func unorm16(v float32) uint16 { return uint16(0.5 + clamp01(v)*65535) }

// RGBA returns the normalized channels of the pixel at (x, y).
func (b *Bitmap) RGBA(x, y int) (r, g, bl, a float32) {
	p := b.Pix[b.PixOffset(x, y):]
	switch b.Format {
	case BGRA8:
		return float32(p[2]) / 255, float32(p[1]) / 255, float32(p[0]) / 255, float32(p[3]) / 255
	case RGBA16:
		le := binary.LittleEndian
		return float32(le.Uint16(p)) / 65535, float32(le.Uint16(p[2:])) / 65535,
			float32(le.Uint16(p[4:])) / 65535, float32(le.Uint16(p[6:])) / 65535
	case RGBAF32:
		return clamp01(f32(p)), clamp01(f32(p[4:])), clamp01(f32(p[8:])), clamp01(f32(p[12:]))
	}
	return 0, 0, 0, 0
}

func f32(p []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(p)) }

func putF32(p []byte, v float32) { binary.LittleEndian.PutUint32(p, math.Float32bits(v)) }

func (b *Bitmap) setRGB(off int, r, g, bl float32) {
	p := b.Pix[off:]
	switch b.Format {
	case BGRA8:
		p[0], p[1], p[2] = unorm8(bl), unorm8(g), unorm8(r)
	case RGBA16:
		binary.LittleEndian.PutUint16(p, unorm16(r))
		binary.LittleEndian.PutUint16(p[2:], unorm16(g))
		binary.LittleEndian.PutUint16(p[4:], unorm16(bl))
	case RGBAF32:
		putF32(p, clamp01(r))
		putF32(p[4:], clamp01(g))
		putF32(p[8:], clamp01(bl))
	}
}

func (b *Bitmap) setAlpha(off int, a float32) {
	p := b.Pix[off:]
	switch b.Format {
	case BGRA8:
		p[3] = unorm8(a)
	case RGBA16:
		binary.LittleEndian.PutUint16(p[6:], unorm16(a))
	case RGBAF32:
		putF32(p[12:], clamp01(a))
	}
}

// SetRGBA sets the pixel at (x, y) from normalized channels.
func (b *Bitmap) SetRGBA(x, y int, r, g, bl, a float32) {
	off := b.PixOffset(x, y)
	b.setRGB(off, r, g, bl)
	b.setAlpha(off, a)
}

// SetAlphaOpaque makes every pixel fully opaque.
func (b *Bitmap) SetAlphaOpaque() {
	bpp := b.Format.BytesPerPixel()
	for y := 0; y < b.Height; y++ {
		off := y * b.Stride
		for x := 0; x < b.Width; x++ {
			b.setAlpha(off, 1)
			off += bpp
		}
	}
}

// Unpremultiply divides the colour channels by alpha.
func (b *Bitmap) Unpremultiply() {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			r, g, bl, a := b.RGBA(x, y)
			if a == 0 || a == 1 {
				continue
			}
			b.setRGB(b.PixOffset(x, y), r/a, g/a, bl/a)
		}
	}
}

// HasAlpha reports whether any pixel is not fully opaque.
func (b *Bitmap) HasAlpha() bool {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if _, _, _, a := b.RGBA(x, y); a < 1 {
				return true
			}
		}
	}
	return false
}

// Image returns a copy of b as an image.Image: *image.NRGBA for BGRA8
// bitmaps and *image.NRGBA64 otherwise.
func (b *Bitmap) Image() image.Image {
	rect := image.Rect(0, 0, b.Width, b.Height)
	if b.Format == BGRA8 {
		img := image.NewNRGBA(rect)
		for y := 0; y < b.Height; y++ {
			src := b.Pix[y*b.Stride:]
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < b.Width*4; x += 4 {
				dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
			}
		}
		return img
	}
	img := image.NewNRGBA64(rect)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			r, g, bl, a := b.RGBA(x, y)
			img.SetNRGBA64(x, y, color.NRGBA64{R: unorm16(r), G: unorm16(g), B: unorm16(bl), A: unorm16(a)})
		}
	}
	return img
}

// BitmapFromImage converts img to a bitmap of the given format.
func BitmapFromImage(img image.Image, format PixelFormat) (*Bitmap, error) {
	r := img.Bounds()
	b, err := NewBitmap(format, r.Dx(), r.Dy())
	if err != nil {
		return nil, err
	}
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			var c color.NRGBA64
			switch src := img.(type) {
			case *image.NRGBA:
				// Keep the colour of transparent pixels.
				n := src.NRGBAAt(r.Min.X+x, r.Min.Y+y)
				c = color.NRGBA64{R: uint16(n.R) * 0x101, G: uint16(n.G) * 0x101, B: uint16(n.B) * 0x101, A: uint16(n.A) * 0x101}
			case *image.NRGBA64:
				c = src.NRGBA64At(r.Min.X+x, r.Min.Y+y)
			default:
				c = color.NRGBA64Model.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA64)
			}
			b.SetRGBA(x, y, float32(c.R)/65535, float32(c.G)/65535, float32(c.B)/65535, float32(c.A)/65535)
		}
	}
	return b, nil
}
