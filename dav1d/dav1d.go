// Package dav1d binds libdav1d as an AV1 decoder. Importing it registers
// the decoder under the name "dav1d".
package dav1d

/*
#cgo pkg-config: dav1d

#include <errno.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <dav1d/dav1d.h>

static int goavif_eagain(void) { return DAV1D_ERR(EAGAIN); }
static int goavif_enomem(void) { return DAV1D_ERR(ENOMEM); }

static int goavif_spatial_id(const Dav1dPicture *p) { return p->frame_hdr ? p->frame_hdr->spatial_id : 0; }
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/yuv"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the binding.
const Name = "dav1d"

var log = logrus.WithField("codec", Name)

func init() {
	codec.RegisterDecoder(Name, func(cfg codec.DecoderConfig) (codec.Decoder, error) {
		dec, err := NewDecoder(WithConfig(cfg), WithFrameSizeLimit(uint(cfg.FrameSizeLimit)), WithFilmGrain(!cfg.SkipFilmGrain))
		if err != nil {
			return nil, err
		}
		return dec, nil
	})
}

// Decoder is a libdav1d AV1 decoder.
type Decoder struct {
	ctx *C.Dav1dContext

	threads        int
	operatingPoint int
	allLayers      bool
	frameSizeLimit uint
	filmGrain      bool

	frames []*yuv.Image
}

type Option func(*Decoder)

// WithConfig applies the generic decoder configuration.
func WithConfig(cfg codec.DecoderConfig) Option {
	return func(dec *Decoder) {
		dec.threads = cfg.Threads
		dec.operatingPoint = cfg.OperatingPoint
		dec.allLayers = cfg.AllLayers
	}
}

// WithFrameSizeLimit rejects frames with more than n pixels. Zero means
// no limit.
func WithFrameSizeLimit(n uint) Option {
	return func(dec *Decoder) {
		dec.frameSizeLimit = n
	}
}

// WithFilmGrain controls whether film grain is synthesized.
func WithFilmGrain(b bool) Option {
	return func(dec *Decoder) {
		dec.filmGrain = b
	}
}

func NewDecoder(opts ...Option) (*Decoder, error) {
	dec := &Decoder{filmGrain: true}
	for _, opt := range opts {
		opt(dec)
	}

	var settings C.Dav1dSettings
	C.dav1d_default_settings(&settings)
	settings.n_threads = C.int(min(max(dec.threads, 1), codec.MaxThreads))
	// Still images need no frame delay.
	settings.max_frame_delay = 1
	settings.operating_point = C.int(dec.operatingPoint)
	settings.all_layers = boolInt(dec.allLayers)
	settings.frame_size_limit = C.uint(dec.frameSizeLimit)
	settings.apply_grain = boolInt(dec.filmGrain)

	var ctx *C.Dav1dContext
	if ret := C.dav1d_open(&ctx, &settings); ret < 0 {
		if ret == C.goavif_enomem() {
			return nil, codec.ErrOutOfMemory
		}
		return nil, fmt.Errorf("%w: dav1d_open: %d", codec.ErrCodecInit, ret)
	}
	dec.ctx = ctx
	log.WithField("version", C.GoString(C.dav1d_version())).Debug("decoder opened")
	return dec, nil
}

// Close releases the decoder.
func (dec *Decoder) Close() error {
	dec.Reset()
	if dec.ctx != nil {
		C.dav1d_close(&dec.ctx)
		dec.ctx = nil
	}
	return nil
}

// Reset drops buffered data and frames.
func (dec *Decoder) Reset() {
	if dec.ctx != nil {
		C.dav1d_flush(dec.ctx)
	}
	dec.frames = nil
}

// Decode feeds one temporal unit and collects the frames it produces.
func (dec *Decoder) Decode(data []byte) error {
	if dec.ctx == nil {
		return errors.New("dav1d: decoder is closed")
	}
	if len(data) == 0 {
		return errors.New("dav1d: no data provided")
	}

	var buf C.Dav1dData
	ptr := C.dav1d_data_create(&buf, C.size_t(len(data)))
	if ptr == nil {
		return codec.ErrOutOfMemory
	}
	defer C.dav1d_data_unref(&buf)
	C.memcpy(unsafe.Pointer(ptr), unsafe.Pointer(&data[0]), C.size_t(len(data)))

	eagain := C.goavif_eagain()
	for buf.sz > 0 {
		ret := C.dav1d_send_data(dec.ctx, &buf)
		if ret == 0 {
			continue
		}
		if ret != eagain {
			return fmt.Errorf("%w: send_data: %d", codec.ErrDecodeFailed, ret)
		}
		// The decoder is full; take a picture out before sending more.
		got, err := dec.getPicture()
		if err != nil {
			return err
		}
		if !got {
			return fmt.Errorf("%w: decoder neither accepts data nor returns pictures", codec.ErrDecodeFailed)
		}
	}
	for {
		got, err := dec.getPicture()
		if err != nil || !got {
			return err
		}
	}
}

// getPicture moves one decoded picture into the frame queue. It reports
// false when none is ready.
func (dec *Decoder) getPicture() (bool, error) {
	var picture C.Dav1dPicture
	ret := C.dav1d_get_picture(dec.ctx, &picture)
	if ret == C.goavif_eagain() {
		return false, nil
	}
	if ret < 0 {
		return false, fmt.Errorf("%w: get_picture: %d", codec.ErrDecodeFailed, ret)
	}
	defer C.dav1d_picture_unref(&picture)
	img, err := convertPicture(&picture)
	if err != nil {
		return false, err
	}
	dec.frames = append(dec.frames, img)
	return true, nil
}

// NextFrame returns the next decoded frame, or nil.
func (dec *Decoder) NextFrame() (*yuv.Image, error) {
	if len(dec.frames) == 0 {
		if dec.ctx == nil {
			return nil, errors.New("dav1d: decoder is closed")
		}
		if _, err := dec.getPicture(); err != nil {
			return nil, err
		}
		if len(dec.frames) == 0 {
			return nil, nil
		}
	}
	img := dec.frames[0]
	dec.frames = dec.frames[1:]
	return img, nil
}

func convertPicture(picture *C.Dav1dPicture) (*yuv.Image, error) {
	width := int(picture.p.w)
	height := int(picture.p.h)
	bpc := int(picture.p.bpc)

	var s yuv.Subsampling
	switch picture.p.layout {
	case C.DAV1D_PIXEL_LAYOUT_I400:
		s = yuv.Subsampling400
	case C.DAV1D_PIXEL_LAYOUT_I420:
		s = yuv.Subsampling420
	case C.DAV1D_PIXEL_LAYOUT_I422:
		s = yuv.Subsampling422
	case C.DAV1D_PIXEL_LAYOUT_I444:
		s = yuv.Subsampling444
	default:
		return nil, fmt.Errorf("%w: pixel layout %d", yuv.ErrUnknownYUVFormat, picture.p.layout)
	}

	img, err := yuv.NewImage(width, height, bpc, s)
	if err != nil {
		return nil, err
	}
	if seq := picture.seq_hdr; seq != nil {
		img.CICP = yuv.CICP{
			ColorPrimaries:          yuv.ColorPrimaries(seq.pri),
			TransferCharacteristics: yuv.TransferCharacteristics(seq.trc),
			MatrixCoefficients:      yuv.MatrixCoefficients(seq.mtrx),
			FullRange:               seq.color_range != 0,
		}
	}
	img.SpatialID = int(C.goavif_spatial_id(picture))

	for p := 0; p < img.NumPlanes(); p++ {
		stride := int(picture.stride[min(p, 1)])
		base := picture.data[p]
		w, h := img.PlaneSize(p)
		for y := 0; y < h; y++ {
			row := unsafe.Add(base, y*stride)
			if bpc == 8 {
				copy(img.Planes[p][y*img.Strides[p]:], unsafe.Slice((*byte)(row), w))
			} else {
				copy(img.Planes16[p][y*img.Strides[p]:], unsafe.Slice((*uint16)(row), w))
			}
		}
	}
	return img, nil
}

// Decode decodes a single AV1 temporal unit with a default decoder.
func Decode(data []byte) (*yuv.Image, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	if err := decoder.Decode(data); err != nil {
		return nil, err
	}
	img, err := decoder.NextFrame()
	if err == nil && img == nil {
		err = fmt.Errorf("%w: no picture", codec.ErrDecodeFailed)
	}
	return img, err
}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
