package aom

/*
#include "goavif_aom.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/yuv"
)

// Encoder is a libaom AV1 encoder for single frames.
type Encoder struct {
	ctx  *C.aom_codec_ctx_t
	img  *C.aom_image_t
	iter C.aom_codec_iter_t
	cfg  codec.EncoderConfig

	tileColumnsLog2, tileRowsLog2 int
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithTiles sets the log2 of the number of tile columns and rows the
// encoder splits a frame into.
func WithTiles(columnsLog2, rowsLog2 int) Option {
	return func(e *Encoder) {
		e.tileColumnsLog2, e.tileRowsLog2 = columnsLog2, rowsLog2
	}
}

// NewEncoder opens an encoder for frames of the configured size and
// format.
func NewEncoder(cfg codec.EncoderConfig, opts ...Option) (*Encoder, error) {
	if cfg.BitDepth != 8 && cfg.BitDepth != 10 && cfg.BitDepth != 12 {
		return nil, fmt.Errorf("%w: %d", yuv.ErrUnsupportedBitDepth, cfg.BitDepth)
	}
	format := imageFormat(cfg.Subsampling, cfg.BitDepth)
	if format == C.AOM_IMG_FMT_NONE {
		return nil, yuv.ErrUnknownYUVFormat
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("aom: invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	e := &Encoder{cfg: cfg, tileColumnsLog2: 1, tileRowsLog2: 1}
	for _, opt := range opts {
		opt(e)
	}

	var ac C.aom_codec_enc_cfg_t
	if ret := C.aom_codec_enc_config_default(C.aom_codec_av1_cx(), &ac, C.AOM_USAGE_GOOD_QUALITY); ret != C.AOM_CODEC_OK {
		return nil, codecError(nil, ret, codec.ErrCodecInit)
	}
	q := min(max(cfg.Quantizer, 0), 63)
	if cfg.Lossless {
		q = 0
	}
	ac.g_limit = 1
	ac.g_w = C.uint(cfg.Width)
	ac.g_h = C.uint(cfg.Height)
	ac.g_timebase.num = 1
	ac.g_timebase.den = 24
	ac.rc_end_usage = C.AOM_Q
	ac.rc_min_quantizer = C.uint(q)
	ac.rc_max_quantizer = C.uint(q)
	ac.g_threads = C.uint(cfg.Threads)
	ac.g_usage = C.AOM_USAGE_GOOD_QUALITY
	ac.g_profile = C.uint(cfg.Profile())
	ac.g_bit_depth = C.aom_bit_depth_t(cfg.BitDepth)
	ac.g_input_bit_depth = C.uint(cfg.BitDepth)
	ac.g_pass = C.AOM_RC_ONE_PASS
	if cfg.Subsampling == yuv.Subsampling400 {
		ac.monochrome = 1
	}

	e.ctx = newContext()
	if e.ctx == nil {
		return nil, codec.ErrOutOfMemory
	}
	if ret := C.goavif_enc_init(e.ctx, &ac, boolInt(cfg.BitDepth > 8)); ret != C.AOM_CODEC_OK {
		err := codecError(e.ctx, ret, codec.ErrCodecInit)
		C.free(unsafe.Pointer(e.ctx))
		e.ctx = nil
		return nil, err
	}
	controls := C.goavif_enc_controls{
		cpu_used:                 C.int(cfg.CPUUsed),
		cq_level:                 C.int(q),
		lossless:                 boolInt(cfg.Lossless || q == 0),
		row_mt:                   boolInt(cfg.Threads > 1),
		full_range:               boolInt(cfg.CICP.FullRange),
		tile_columns_log2:        C.int(e.tileColumnsLog2),
		tile_rows_log2:           C.int(e.tileRowsLog2),
		color_primaries:          C.int(cfg.CICP.ColorPrimaries),
		transfer_characteristics: C.int(cfg.CICP.TransferCharacteristics),
		matrix_coefficients:      C.int(cfg.CICP.MatrixCoefficients),
	}
	if ret := C.goavif_enc_configure(e.ctx, &controls); ret != C.AOM_CODEC_OK {
		err := codecError(e.ctx, ret, codec.ErrCodecInit)
		e.Close()
		return nil, err
	}

	e.img = C.aom_img_alloc(nil, format, C.uint(cfg.Width), C.uint(cfg.Height), 16)
	if e.img == nil {
		e.Close()
		return nil, codec.ErrOutOfMemory
	}
	log.WithField("profile", cfg.Profile()).WithField("quantizer", q).WithField("cpu_used", cfg.CPUUsed).Debug("encoder opened")
	return e, nil
}

// Encode submits img, or flushes the encoder when img is nil.
func (e *Encoder) Encode(img *yuv.Image) error {
	if e.ctx == nil {
		return errors.New("aom: encoder is closed")
	}
	e.iter = nil
	if img == nil {
		if ret := C.aom_codec_encode(e.ctx, nil, 0, 1, 0); ret != C.AOM_CODEC_OK {
			return codecError(e.ctx, ret, codec.ErrEncodeFailed)
		}
		return nil
	}
	if img.Width != e.cfg.Width || img.Height != e.cfg.Height {
		return fmt.Errorf("%w: frame is %dx%d, encoder expects %dx%d", codec.ErrEncodeFailed, img.Width, img.Height, e.cfg.Width, e.cfg.Height)
	}
	if img.BitDepth != e.cfg.BitDepth || img.Subsampling != e.cfg.Subsampling {
		return fmt.Errorf("%w: %d-bit %v frame for a %d-bit %v encoder", yuv.ErrUnknownYUVFormat, img.BitDepth, img.Subsampling, e.cfg.BitDepth, e.cfg.Subsampling)
	}
	toAOM(img, e.img)
	if ret := C.aom_codec_encode(e.ctx, e.img, 0, 1, 0); ret != C.AOM_CODEC_OK {
		return codecError(e.ctx, ret, codec.ErrEncodeFailed)
	}
	return nil
}

// NextPacket returns the next coded frame packet.
func (e *Encoder) NextPacket() (codec.Packet, bool) {
	if e.ctx == nil {
		return codec.Packet{}, false
	}
	var (
		buf unsafe.Pointer
		sz  C.size_t
		key C.int
	)
	if C.goavif_next_packet(e.ctx, &e.iter, &buf, &sz, &key) == 0 {
		return codec.Packet{}, false
	}
	return codec.Packet{Data: C.GoBytes(buf, C.int(sz)), KeyFrame: key != 0}, true
}

// Close releases the encoder and its frame buffer.
func (e *Encoder) Close() error {
	var result *multierror.Error
	if e.img != nil {
		C.aom_img_free(e.img)
		e.img = nil
	}
	if e.ctx != nil {
		if ret := C.aom_codec_destroy(e.ctx); ret != C.AOM_CODEC_OK {
			result = multierror.Append(result, codecError(nil, ret, errors.New("aom: destroy failed")))
		}
		C.free(unsafe.Pointer(e.ctx))
		e.ctx = nil
	}
	return result.ErrorOrNil()
}
