package aom

/*
#include "goavif_aom.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/yuv"
)

// Decoder is a libaom AV1 decoder.
type Decoder struct {
	ctx  *C.aom_codec_ctx_t
	iter C.aom_codec_iter_t

	frameSizeLimit int
}

// NewDecoder opens a decoder.
func NewDecoder(cfg codec.DecoderConfig) (*Decoder, error) {
	ctx := newContext()
	if ctx == nil {
		return nil, codec.ErrOutOfMemory
	}
	threads := min(max(cfg.Threads, 1), codec.MaxThreads)
	if ret := C.goavif_dec_init(ctx, C.uint(threads), C.int(cfg.OperatingPoint), boolInt(cfg.AllLayers)); ret != C.AOM_CODEC_OK {
		err := codecError(ctx, ret, codec.ErrCodecInit)
		C.aom_codec_destroy(ctx)
		C.free(unsafe.Pointer(ctx))
		return nil, err
	}
	log.WithField("operating_point", cfg.OperatingPoint).Debug("decoder opened")
	return &Decoder{ctx: ctx, frameSizeLimit: cfg.FrameSizeLimit}, nil
}

// Decode feeds one temporal unit. Frames from a previous call that were
// not read are dropped.
func (d *Decoder) Decode(data []byte) error {
	if d.ctx == nil {
		return errors.New("aom: decoder is closed")
	}
	if len(data) == 0 {
		return errors.New("aom: no data provided")
	}
	d.iter = nil
	if ret := C.aom_codec_decode(d.ctx, (*C.uint8_t)(unsafe.Pointer(&data[0])), C.size_t(len(data)), nil); ret != C.AOM_CODEC_OK {
		return codecError(d.ctx, ret, codec.ErrDecodeFailed)
	}
	return nil
}

// NextFrame returns the next decoded frame, or nil.
func (d *Decoder) NextFrame() (*yuv.Image, error) {
	if d.ctx == nil {
		return nil, errors.New("aom: decoder is closed")
	}
	img := C.aom_codec_get_frame(d.ctx, &d.iter)
	if img == nil {
		return nil, nil
	}
	if w, h := int(img.d_w), int(img.d_h); d.frameSizeLimit > 0 && w*h > d.frameSizeLimit {
		return nil, fmt.Errorf("%w: %dx%d frame exceeds %d pixels", yuv.ErrImageTooLarge, w, h, d.frameSizeLimit)
	}
	return fromAOM(img)
}

// Close releases the decoder.
func (d *Decoder) Close() error {
	if d.ctx == nil {
		return nil
	}
	ret := C.aom_codec_destroy(d.ctx)
	C.free(unsafe.Pointer(d.ctx))
	d.ctx = nil
	if ret != C.AOM_CODEC_OK {
		return codecError(nil, ret, errors.New("aom: destroy failed"))
	}
	return nil
}
