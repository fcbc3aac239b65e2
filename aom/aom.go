// Package aom binds libaom as an AV1 encoder and decoder. Importing it
// registers both under the name "aom".
package aom

/*
#cgo pkg-config: aom
#include "goavif_aom.h"
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/yuv"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the binding.
const Name = "aom"

var log = logrus.WithField("codec", Name)

func init() {
	codec.RegisterDecoder(Name, func(cfg codec.DecoderConfig) (codec.Decoder, error) {
		d, err := NewDecoder(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
	codec.RegisterEncoder(Name, func(cfg codec.EncoderConfig) (codec.Encoder, error) {
		e, err := NewEncoder(cfg, WithTiles(tilesLog2(cfg.Width), tilesLog2(cfg.Height)))
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

// Version returns the libaom version string.
func Version() string { return C.GoString(C.aom_codec_version_str()) }

func newContext() *C.aom_codec_ctx_t {
	return (*C.aom_codec_ctx_t)(C.calloc(1, C.sizeof_aom_codec_ctx_t))
}

// codecError maps a libaom status to the codec errors.
func codecError(ctx *C.aom_codec_ctx_t, code C.aom_codec_err_t, base error) error {
	if code == C.AOM_CODEC_MEM_ERROR {
		return codec.ErrOutOfMemory
	}
	msg := C.GoString(C.aom_codec_err_to_string(code))
	if ctx != nil {
		if detail := C.aom_codec_error_detail(ctx); detail != nil {
			msg += ": " + C.GoString(detail)
		}
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func imageFormat(s yuv.Subsampling, bitDepth int) C.aom_img_fmt_t {
	var f C.aom_img_fmt_t
	switch s {
	case yuv.Subsampling420, yuv.Subsampling400:
		f = C.AOM_IMG_FMT_I420
	case yuv.Subsampling422:
		f = C.AOM_IMG_FMT_I422
	case yuv.Subsampling444:
		f = C.AOM_IMG_FMT_I444
	default:
		return C.AOM_IMG_FMT_NONE
	}
	if bitDepth > 8 {
		f |= C.AOM_IMG_FMT_HIGHBITDEPTH
	}
	return f
}

// planeRow returns row y of plane p of img as bytes.
func planeRow(img *C.aom_image_t, p, y, n int) []byte {
	base := unsafe.Pointer(img.planes[p])
	return unsafe.Slice((*byte)(unsafe.Add(base, y*int(img.stride[p]))), n)
}

// fromAOM copies a decoded libaom frame into a planar image.
func fromAOM(img *C.aom_image_t) (*yuv.Image, error) {
	var s yuv.Subsampling
	switch {
	case img.monochrome != 0:
		s = yuv.Subsampling400
	case img.x_chroma_shift == 1 && img.y_chroma_shift == 1:
		s = yuv.Subsampling420
	case img.x_chroma_shift == 1 && img.y_chroma_shift == 0:
		s = yuv.Subsampling422
	case img.x_chroma_shift == 0 && img.y_chroma_shift == 0:
		s = yuv.Subsampling444
	default:
		return nil, fmt.Errorf("%w: chroma shift %d,%d", yuv.ErrUnknownYUVFormat, img.x_chroma_shift, img.y_chroma_shift)
	}
	depth := int(img.bit_depth)
	high := img.fmt&C.AOM_IMG_FMT_HIGHBITDEPTH != 0
	out, err := yuv.NewImage(int(img.d_w), int(img.d_h), depth, s)
	if err != nil {
		return nil, err
	}
	out.CICP = yuv.CICP{
		ColorPrimaries:          yuv.ColorPrimaries(img.cp),
		TransferCharacteristics: yuv.TransferCharacteristics(img.tc),
		MatrixCoefficients:      yuv.MatrixCoefficients(img.mc),
		FullRange:               C.goavif_img_full_range(img) != 0,
	}
	out.SpatialID = int(C.goavif_img_spatial_id(img))

	for p := 0; p < out.NumPlanes(); p++ {
		w, h := out.PlaneSize(p)
		for y := 0; y < h; y++ {
			switch {
			case depth > 8:
				row := planeRow(img, p, y, w*2)
				dst := out.Planes16[p][y*out.Strides[p]:]
				for x := 0; x < w; x++ {
					dst[x] = uint16(row[2*x]) | uint16(row[2*x+1])<<8
				}
			case high:
				// 8-bit samples held in 16-bit storage.
				row := planeRow(img, p, y, w*2)
				dst := out.Planes[p][y*out.Strides[p]:]
				for x := 0; x < w; x++ {
					dst[x] = row[2*x]
				}
			default:
				copy(out.Planes[p][y*out.Strides[p]:], planeRow(img, p, y, w))
			}
		}
	}
	return out, nil
}

// toAOM copies src into img, which was allocated with the matching format.
// Monochrome images get neutral chroma planes.
func toAOM(src *yuv.Image, img *C.aom_image_t) {
	high := img.fmt&C.AOM_IMG_FMT_HIGHBITDEPTH != 0
	C.goavif_img_set_range(img, boolInt(src.FullRange))
	img.cp = C.aom_color_primaries_t(src.ColorPrimaries)
	img.tc = C.aom_transfer_characteristics_t(src.TransferCharacteristics)
	img.mc = C.aom_matrix_coefficients_t(src.MatrixCoefficients)
	img.bit_depth = C.uint(src.BitDepth)
	if src.Monochrome() {
		img.monochrome = 1
	}

	for p := 0; p < 3; p++ {
		w, h := src.PlaneSize(p)
		if src.Monochrome() && p != yuv.PlaneY {
			xs, ys := yuv.Subsampling420.Shift()
			w, h = (src.Width+1)>>xs, (src.Height+1)>>ys
		}
		mid := uint16(1) << uint(src.BitDepth-1)
		for y := 0; y < h; y++ {
			if !high {
				row := planeRow(img, p, y, w)
				if src.Monochrome() && p != yuv.PlaneY {
					for x := range row {
						row[x] = uint8(mid)
					}
					continue
				}
				copy(row, src.Planes[p][y*src.Strides[p]:][:w])
				continue
			}
			row := planeRow(img, p, y, w*2)
			for x := 0; x < w; x++ {
				v := mid
				if !src.Monochrome() || p == yuv.PlaneY {
					v = uint16(src.Sample(p, x, y))
				}
				row[2*x], row[2*x+1] = byte(v), byte(v>>8)
			}
		}
	}
}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

// tilesLog2 returns the log2 tile count that keeps tiles within 2048
// samples along a dimension of n.
func tilesLog2(n int) int {
	k := 0
	for k < 6 && n>>k > 2048 {
		k++
	}
	return k
}
