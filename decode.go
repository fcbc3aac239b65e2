package goavif

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/heif"
	"github.com/jdeng/goavif/heif/bmff"
	"github.com/jdeng/goavif/yuv"
	"github.com/rwcarlsen/goexif/exif"
)

// DecodeOptions configures DecodeBitmap.
type DecodeOptions struct {
	// Format is the pixel format of the returned bitmap.
	Format yuv.PixelFormat

	// Decoder names the registered AV1 decoder to use. Empty picks the
	// first one registered.
	Decoder string
	Threads int

	// IgnoreTransforms leaves irot and imir properties unapplied.
	IgnoreTransforms bool
	IgnoreFilmGrain  bool

	// MaxPixels bounds the declared and decoded image size. Zero means
	// DefaultMaxPixels.
	MaxPixels int
}

func (o *DecodeOptions) maxPixels() int {
	if o.MaxPixels > 0 {
		return o.MaxPixels
	}
	return DefaultMaxPixels
}

// Result is a decoded image with its metadata.
type Result struct {
	Bitmap *yuv.Bitmap

	// CICP describes the colour samples: the container nclx property when
	// present, otherwise what the AV1 stream signals.
	CICP yuv.CICP
	ICC  []byte
	EXIF []byte // starting at the TIFF header
	XMP  []byte

	HasAlpha bool
	// Premultiplied reports that the file stored colour premultiplied by
	// alpha. Bitmap is always unpremultiplied.
	Premultiplied bool
}

// Orientation returns the EXIF orientation tag, or 1 when there is none.
func (r *Result) Orientation() int {
	if len(r.EXIF) == 0 {
		return 1
	}
	x, err := exif.Decode(bytes.NewReader(r.EXIF))
	if err != nil {
		log.WithError(err).Debug("unreadable EXIF")
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// DecodeBitmap decodes the primary image of an AVIF file, including its
// alpha plane and metadata.
func DecodeBitmap(r io.Reader, opts *DecodeOptions) (*Result, error) {
	if opts == nil {
		opts = &DecodeOptions{}
	}
	ra, err := asReaderAt(r)
	if err != nil {
		return nil, err
	}
	return decodeFile(heif.Open(ra), opts)
}

// Decode decodes an AVIF image. 8-bit images are returned as
// *image.NRGBA, deeper ones as *image.NRGBA64.
func Decode(r io.Reader) (image.Image, error) {
	ra, err := asReaderAt(r)
	if err != nil {
		return nil, err
	}
	hf := heif.Open(ra)
	it, err := hf.PrimaryItem()
	if err != nil {
		return nil, err
	}
	opts := &DecodeOptions{Format: yuv.BGRA8}
	if colorModel(it) == color.NRGBA64Model {
		opts.Format = yuv.RGBA16
	}
	res, err := decodeFile(hf, opts)
	if err != nil {
		return nil, err
	}
	return res.Bitmap.Image(), nil
}

type decoder struct {
	hf   *heif.File
	opts *DecodeOptions
}

func decodeFile(hf *heif.File, opts *DecodeOptions) (*Result, error) {
	if err := hf.CheckCompatibility(); err != nil {
		return nil, err
	}
	prim, err := hf.PrimaryItem()
	if err != nil {
		return nil, err
	}
	width, height, err := itemSize(hf, prim, opts.maxPixels())
	if err != nil {
		return nil, err
	}
	bm, err := yuv.NewBitmap(opts.Format, width, height)
	if err != nil {
		return nil, err
	}
	res := &Result{Bitmap: bm}
	d := &decoder{hf: hf, opts: opts}

	conv := yuv.NewConverter(nil)
	nclx, icc := prim.Colour()
	if nclx != nil {
		conv.Colour = &yuv.CICP{
			ColorPrimaries:          yuv.ColorPrimaries(nclx.ColorPrimaries),
			TransferCharacteristics: yuv.TransferCharacteristics(nclx.TransferCharacteristics),
			MatrixCoefficients:      yuv.MatrixCoefficients(nclx.MatrixCoefficients),
			FullRange:               nclx.FullRange,
		}
	}
	res.ICC = icc
	if err := d.decodeImage(prim, conv, bm, ErrColorSizeMismatch); err != nil {
		return nil, err
	}
	res.CICP = conv.CICP()

	alpha, err := hf.AlphaItem(prim)
	switch {
	case errors.Is(err, heif.ErrNoAlpha):
		bm.SetAlphaOpaque()
	case err != nil:
		return nil, err
	default:
		aw, ah, err := itemSize(hf, alpha, opts.maxPixels())
		if err != nil {
			return nil, err
		}
		if aw != width || ah != height {
			return nil, fmt.Errorf("%w: alpha item %d is %dx%d, colour is %dx%d", ErrAlphaSizeMismatch, alpha.ID, aw, ah, width, height)
		}
		if err := d.decodeImage(alpha, yuv.NewAlphaConverter(), bm, ErrAlphaSizeMismatch); err != nil {
			return nil, err
		}
		res.HasAlpha = true
		if hf.IsPremultiplied(prim, alpha) {
			res.Premultiplied = true
			bm.Unpremultiply()
		}
	}

	if !opts.IgnoreTransforms {
		if bm, err = rotate(bm, prim.Rotations()); err != nil {
			return nil, err
		}
		if axis, ok := prim.Mirror(); ok {
			mirror(bm, axis)
		}
		res.Bitmap = bm
	}

	if raw, err := hf.EXIF(); err == nil {
		res.EXIF = raw
	} else if !errors.Is(err, heif.ErrNoEXIF) {
		log.WithError(err).Warn("ignoring EXIF item")
	}
	if raw, err := hf.XMP(); err == nil {
		res.XMP = raw
	} else if !errors.Is(err, heif.ErrNoXMP) {
		log.WithError(err).Warn("ignoring XMP item")
	}
	return res, nil
}

// decodeImage decodes an av01 or grid item into dst. Frames that do not
// have the size their item declares fail with sizeErr.
func (d *decoder) decodeImage(it *heif.Item, conv *yuv.Converter, dst *yuv.Bitmap, sizeErr error) error {
	switch it.Type() {
	case heif.ItemTypeAV1:
		img, err := d.decodeTile(it, sizeErr)
		if err != nil {
			return err
		}
		return conv.Convert(img, 0, 0, dst)

	case heif.ItemTypeGrid:
		g, err := d.hf.Grid(it)
		if err != nil {
			return fmt.Errorf("%w: %v", bmff.ErrFormat, err)
		}
		tiles, err := d.hf.GridTiles(it)
		if err != nil {
			return fmt.Errorf("%w: %v", bmff.ErrFormat, err)
		}
		if len(tiles) != g.Rows*g.Columns {
			return fmt.Errorf("%w: grid item %d has %d tiles, expected %dx%d", bmff.ErrFormat, it.ID, len(tiles), g.Columns, g.Rows)
		}
		var tileWidth, tileHeight int
		for i, tile := range tiles {
			w, h, ok := tile.SpatialExtents()
			if !ok {
				return fmt.Errorf("%w: tile %d has no ispe property", bmff.ErrFormat, tile.ID)
			}
			if i == 0 {
				tileWidth, tileHeight = w, h
				if err := g.CheckTiles(w, h); err != nil {
					return fmt.Errorf("%w: %v", bmff.ErrFormat, err)
				}
			} else if w != tileWidth || h != tileHeight {
				return fmt.Errorf("%w: tile %d is %dx%d, first tile is %dx%d", yuv.ErrTileFormatMismatch, tile.ID, w, h, tileWidth, tileHeight)
			}
			img, err := d.decodeTile(tile, sizeErr)
			if err != nil {
				return err
			}
			if err := conv.Convert(img, i/g.Columns, i%g.Columns, dst); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: item %d has unsupported type %q", bmff.ErrFormat, it.ID, it.Type())
}

// decodeTile decodes a single av01 item with its own decoder.
func (d *decoder) decodeTile(it *heif.Item, sizeErr error) (img *yuv.Image, err error) {
	if it.Type() != heif.ItemTypeAV1 {
		return nil, fmt.Errorf("%w: item %d is %q, not %q", bmff.ErrFormat, it.ID, it.Type(), heif.ItemTypeAV1)
	}
	width, height, ok := it.SpatialExtents()
	if !ok {
		return nil, fmt.Errorf("%w: item %d has no ispe property", bmff.ErrFormat, it.ID)
	}
	if err := checkPixels(it, width, height, d.opts.maxPixels()); err != nil {
		return nil, err
	}
	data, err := d.hf.GetItemData(it)
	if err != nil {
		return nil, err
	}

	cfg := codec.DecoderConfig{
		Threads:        d.opts.Threads,
		FrameSizeLimit: d.opts.maxPixels(),
		SkipFilmGrain:  d.opts.IgnoreFilmGrain,
	}
	if op, ok := it.OperatingPoint(); ok {
		cfg.OperatingPoint = op
	}
	layer, layered := it.Layer()
	cfg.AllLayers = layered

	dec, err := codec.NewDecoder(d.opts.Decoder, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := dec.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := dec.Decode(data); err != nil {
		return nil, err
	}
	for {
		next, err := dec.NextFrame()
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if img == nil {
			img = next
		}
		if layered && next.SpatialID == layer {
			img = next
			break
		}
	}
	if img == nil {
		return nil, fmt.Errorf("%w: item %d produced no frame", codec.ErrDecodeFailed, it.ID)
	}
	if img.Width != width || img.Height != height {
		return nil, fmt.Errorf("%w: item %d decoded to %dx%d, expected %dx%d", sizeErr, it.ID, img.Width, img.Height, width, height)
	}
	log.WithField("item", it.ID).WithField("frame", fmt.Sprintf("%dx%d %d-bit %v", img.Width, img.Height, img.BitDepth, img.Subsampling)).Debug("decoded")
	return img, nil
}
