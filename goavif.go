// Package goavif reads and writes AVIF still images.
//
// The container side is handled by package heif; frames are coded by an AV1
// codec registered with package codec. Import a codec binding for its side
// effect before decoding or encoding:
//
//	import _ "github.com/jdeng/goavif/dav1d"
package goavif

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/heif"
	"github.com/jdeng/goavif/heif/bmff"
	"github.com/jdeng/goavif/yuv"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "goavif")

var (
	// ErrCanceled is returned when a progress callback stops an encode.
	ErrCanceled = errors.New("goavif: canceled")

	// ErrColorSizeMismatch is returned when a decoded colour frame does
	// not have the size its item declares.
	ErrColorSizeMismatch = errors.New("goavif: colour frame size mismatch")

	// ErrAlphaSizeMismatch is returned when a decoded alpha frame does not
	// have the size of the colour image.
	ErrAlphaSizeMismatch = errors.New("goavif: alpha frame size mismatch")

	ErrInvalidParameter = errors.New("goavif: invalid parameter")
)

// Status is the coarse outcome of an operation, for callers that report
// results across a C boundary.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidParameter
	StatusOutOfMemory
	StatusUnknownYUVFormat
	StatusUnsupportedBitDepth
	StatusCodecInitFailed
	StatusDecodeFailed
	StatusEncodeFailed
	StatusUserCancelled
	StatusAlphaSizeMismatch
	StatusColorSizeMismatch
	StatusTileFormatMismatch
	StatusTileNclxProfileMismatch
	StatusFormatError
)

var statusNames = [...]string{
	StatusOK:                      "ok",
	StatusInvalidParameter:        "invalid parameter",
	StatusOutOfMemory:             "out of memory",
	StatusUnknownYUVFormat:        "unknown YUV format",
	StatusUnsupportedBitDepth:     "unsupported bit depth",
	StatusCodecInitFailed:         "codec init failed",
	StatusDecodeFailed:            "decode failed",
	StatusEncodeFailed:            "encode failed",
	StatusUserCancelled:           "user cancelled",
	StatusAlphaSizeMismatch:       "alpha size mismatch",
	StatusColorSizeMismatch:       "color size mismatch",
	StatusTileFormatMismatch:      "tile format mismatch",
	StatusTileNclxProfileMismatch: "tile nclx profile mismatch",
	StatusFormatError:             "format error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusOf maps an error returned by this module to a Status. Errors it
// does not know are reported as StatusDecodeFailed.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrCanceled):
		return StatusUserCancelled
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, yuv.ErrUnsupportedPixelFormat):
		return StatusInvalidParameter
	case errors.Is(err, codec.ErrOutOfMemory), errors.Is(err, yuv.ErrImageTooLarge):
		return StatusOutOfMemory
	case errors.Is(err, ErrColorSizeMismatch):
		return StatusColorSizeMismatch
	case errors.Is(err, ErrAlphaSizeMismatch):
		return StatusAlphaSizeMismatch
	case errors.Is(err, yuv.ErrTileFormatMismatch):
		return StatusTileFormatMismatch
	case errors.Is(err, yuv.ErrTileColorMismatch):
		return StatusTileNclxProfileMismatch
	case errors.Is(err, yuv.ErrUnknownYUVFormat):
		return StatusUnknownYUVFormat
	case errors.Is(err, yuv.ErrUnsupportedBitDepth):
		return StatusUnsupportedBitDepth
	case errors.Is(err, codec.ErrCodecInit), errors.Is(err, codec.ErrNoCodec):
		return StatusCodecInitFailed
	case errors.Is(err, codec.ErrEncodeFailed):
		return StatusEncodeFailed
	case errors.Is(err, codec.ErrDecodeFailed):
		return StatusDecodeFailed
	case errors.Is(err, bmff.ErrFormat),
		errors.Is(err, bmff.ErrSequenceNotSupported),
		errors.Is(err, bmff.ErrNotAVIFCompatible):
		return StatusFormatError
	}
	return StatusDecodeFailed
}

// Speed trades encoding time for compression.
type Speed int

const (
	SpeedNormal Speed = iota
	SpeedFast
	SpeedSlow
)

// cpuUsed returns the AV1 encoder speed setting.
func (s Speed) cpuUsed() int {
	switch s {
	case SpeedFast:
		return 8
	case SpeedSlow:
		return 0
	}
	return 4
}

// ProgressFunc is told how many of the total frames have been coded. It
// returns false to stop the operation.
type ProgressFunc func(done, total uint32) bool

func asReaderAt(r io.Reader) (io.ReaderAt, error) {
	if ra, ok := r.(io.ReaderAt); ok {
		return ra, nil
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(b), nil
}

// DecodeConfig returns the dimensions of an AVIF image without decoding
// it. Rotations are taken into account.
func DecodeConfig(r io.Reader) (image.Config, error) {
	var config image.Config

	ra, err := asReaderAt(r)
	if err != nil {
		return config, err
	}

	hf := heif.Open(ra)
	if err := hf.CheckCompatibility(); err != nil {
		return config, err
	}

	it, err := hf.PrimaryItem()
	if err != nil {
		return config, err
	}

	width, height, err := itemSize(hf, it, DefaultMaxPixels)
	if err != nil {
		return config, err
	}
	if it.Rotations()%2 == 1 {
		width, height = height, width
	}

	config = image.Config{
		ColorModel: colorModel(it),
		Width:      width,
		Height:     height,
	}
	return config, nil
}

// DefaultMaxPixels is the largest image decoded when no other limit is
// set.
const DefaultMaxPixels = 16384 * 16384

// itemSize returns the declared size of an image item: the output size
// of a grid, the ispe property otherwise. Sizes above maxPixels fail
// with yuv.ErrImageTooLarge.
func itemSize(hf *heif.File, it *heif.Item, maxPixels int) (int, int, error) {
	var w, h int
	if it.Type() == heif.ItemTypeGrid {
		g, err := hf.Grid(it)
		if err != nil {
			return 0, 0, err
		}
		w, h = int(g.OutputWidth), int(g.OutputHeight)
	} else {
		var ok bool
		if w, h, ok = it.SpatialExtents(); !ok {
			return 0, 0, fmt.Errorf("%w: item %d has no ispe property", bmff.ErrFormat, it.ID)
		}
	}
	if err := checkPixels(it, w, h, maxPixels); err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func checkPixels(it *heif.Item, w, h, maxPixels int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: item %d has size %dx%d", bmff.ErrFormat, it.ID, w, h)
	}
	if w > maxPixels/h {
		return fmt.Errorf("%w: item %d is %dx%d, limit is %d pixels", yuv.ErrImageTooLarge, it.ID, w, h, maxPixels)
	}
	return nil
}

// colorModel reports the model Decode returns for an item.
func colorModel(it *heif.Item) color.Model {
	if pixi, ok := it.PixelInfo(); ok {
		for _, bits := range pixi.BitsPerChannel {
			if bits > 8 {
				return color.NRGBA64Model
			}
		}
	}
	if cfg, ok := it.AV1Config(); ok && cfg.BitDepth() > 8 {
		return color.NRGBA64Model
	}
	return color.NRGBAModel
}

func init() {
	for _, magic := range []string{"????ftypavif", "????ftypavis", "????ftypmif1"} {
		image.RegisterFormat("avif", magic, Decode, DecodeConfig)
	}
}
