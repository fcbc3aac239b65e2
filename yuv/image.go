// Package yuv converts between planar YUV images, as produced and consumed
// by AV1 codecs, and packed RGBA bitmaps.
package yuv

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnsupportedBitDepth    = errors.New("yuv: unsupported bit depth, must be 8, 10, 12 or 16")
	ErrUnknownYUVFormat       = errors.New("yuv: unknown YUV format")
	ErrTileFormatMismatch     = errors.New("yuv: tile format differs from the first tile")
	ErrTileColorMismatch      = errors.New("yuv: tile colour information differs from the first tile")
	ErrUnsupportedPixelFormat = errors.New("yuv: unsupported pixel format")
	ErrImageTooLarge          = errors.New("yuv: image too large")
)

// checkSize rejects images whose buffer of elemSize bytes per sample
// does not fit in an int.
func checkSize(width, height, elemSize int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("yuv: invalid image size %dx%d", width, height)
	}
	if width > math.MaxInt/elemSize/height {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, width, height)
	}
	return nil
}

// Subsampling is the chroma layout of an image.
type Subsampling int

const (
	Subsampling420 Subsampling = iota
	Subsampling422
	Subsampling444
	Subsampling400 // monochrome
)

func (s Subsampling) String() string {
	switch s {
	case Subsampling420:
		return "4:2:0"
	case Subsampling422:
		return "4:2:2"
	case Subsampling444:
		return "4:4:4"
	case Subsampling400:
		return "4:0:0"
	}
	return fmt.Sprintf("Subsampling(%d)", int(s))
}

// Shift returns the horizontal and vertical chroma shifts.
func (s Subsampling) Shift() (x, y uint) {
	switch s {
	case Subsampling420:
		return 1, 1
	case Subsampling422:
		return 1, 0
	}
	return 0, 0
}

// Plane indices.
const (
	PlaneY = 0
	PlaneU = 1
	PlaneV = 2
)

// Image is a planar YUV image. Samples of 8-bit images live in Planes,
// samples of deeper images in Planes16; strides are counted in samples.
// Monochrome images only have a Y plane.
type Image struct {
	Width, Height int
	BitDepth      int
	Subsampling   Subsampling
	CICP

	// SpatialID is the AV1 spatial layer the frame was decoded from.
	SpatialID int

	Planes   [3][]byte
	Planes16 [3][]uint16
	Strides  [3]int
}

func validBitDepth(depth int) bool {
	return depth == 8 || depth == 10 || depth == 12 || depth == 16
}

// NewImage allocates an image.
func NewImage(width, height, bitDepth int, s Subsampling) (*Image, error) {
	if !validBitDepth(bitDepth) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
	if s < Subsampling420 || s > Subsampling400 {
		return nil, ErrUnknownYUVFormat
	}
	elem := 1
	if bitDepth > 8 {
		elem = 2
	}
	if err := checkSize(width, height, elem); err != nil {
		return nil, err
	}
	im := &Image{Width: width, Height: height, BitDepth: bitDepth, Subsampling: s, CICP: DefaultCICP}
	for p := 0; p < im.NumPlanes(); p++ {
		w, h := im.PlaneSize(p)
		im.Strides[p] = w
		if bitDepth > 8 {
			im.Planes16[p] = make([]uint16, w*h)
		} else {
			im.Planes[p] = make([]byte, w*h)
		}
	}
	return im, nil
}

// Monochrome reports whether the image has no chroma planes.
func (im *Image) Monochrome() bool { return im.Subsampling == Subsampling400 }

// NumPlanes returns 1 for monochrome images and 3 otherwise.
func (im *Image) NumPlanes() int {
	if im.Monochrome() {
		return 1
	}
	return 3
}

// PlaneSize returns the dimensions of plane p.
func (im *Image) PlaneSize(p int) (width, height int) {
	if p == PlaneY {
		return im.Width, im.Height
	}
	xs, ys := im.Subsampling.Shift()
	return (im.Width + (1<<xs - 1)) >> xs, (im.Height + (1<<ys - 1)) >> ys
}

// MaxSample returns the largest sample value at the image's bit depth.
func (im *Image) MaxSample() uint32 { return 1<<uint(im.BitDepth) - 1 }

// Sample returns the sample of plane p at (x, y), in plane coordinates.
func (im *Image) Sample(p, x, y int) uint32 {
	i := y*im.Strides[p] + x
	if im.BitDepth > 8 {
		return uint32(im.Planes16[p][i])
	}
	return uint32(im.Planes[p][i])
}

// SetSample sets the sample of plane p at (x, y).
func (im *Image) SetSample(p, x, y int, v uint32) {
	i := y*im.Strides[p] + x
	if im.BitDepth > 8 {
		im.Planes16[p][i] = uint16(v)
	} else {
		im.Planes[p][i] = uint8(v)
	}
}

// sampleRange holds the limited range breakpoints of one bit depth.
type sampleRange struct {
	yMin, yMax   int
	uvMin, uvMax int
}

var limitedRanges = map[int]sampleRange{
	8:  {16, 235, 16, 240},
	10: {64, 940, 64, 960},
	12: {256, 3760, 256, 3840},
	16: {1024, 60160, 1024, 61440},
}

// limitedToFull rescales v from [lo, hi] to [0, full], rounding and
// clamping.
func limitedToFull(v, lo, hi, full int) int {
	n := (int64(v-lo)*int64(full) + int64(hi-lo)/2) / int64(hi-lo)
	if n < 0 {
		return 0
	}
	if n > int64(full) {
		return full
	}
	return int(n)
}
