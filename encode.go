package goavif

import (
	"fmt"
	"image"
	"io"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/heif"
	"github.com/jdeng/goavif/heif/bmff"
	"github.com/jdeng/goavif/yuv"
)

// DefaultQuality is the quality used when no options are given.
const DefaultQuality = 75

// quantizers maps quality 0 to 100 to the AV1 quantizer.
var quantizers [101]int

func init() {
	for q := range quantizers {
		quantizers[q] = 63 - int(float64(q)*63/100+0.5)
	}
}

// EncodeOptions configures EncodeBitmap.
type EncodeOptions struct {
	// Quality is 0 (smallest) to 100 (best).
	Quality int
	Speed   Speed

	// Lossless codes the samples exactly with the identity matrix, 4:4:4
	// chroma and quantizer 0. Quality, Subsampling and the matrix of CICP
	// are ignored.
	Lossless    bool
	Subsampling yuv.Subsampling
	// BitDepth is 8, 10 or 12. Zero means 8.
	BitDepth int
	// CICP describes the colour samples. Nil means yuv.DefaultCICP.
	CICP *yuv.CICP

	// Threads is a hint for the encoder. Zero means one per CPU.
	Threads int

	// TileWidth and TileHeight, when set, split the image into a grid of
	// separately coded tiles. Edge tiles are padded.
	TileWidth, TileHeight int

	// Encoder names the registered AV1 encoder to use. Empty picks the
	// first one registered.
	Encoder  string
	Progress ProgressFunc

	ICC  []byte
	EXIF []byte // starting at the TIFF header
	XMP  []byte
}

type encoder struct {
	opts      EncodeOptions
	cicp      yuv.CICP
	quantizer int
	done      uint32
	total     uint32
}

// frame is one coded AV1 image item payload.
type frame struct {
	data          []byte
	width, height int
	config        *bmff.AV1CodecConfigurationBox
}

func newEncoder(opts *EncodeOptions) (*encoder, error) {
	e := &encoder{opts: EncodeOptions{Quality: DefaultQuality}}
	if opts != nil {
		e.opts = *opts
	}
	o := &e.opts
	if o.Quality < 0 || o.Quality > 100 {
		return nil, fmt.Errorf("%w: quality %d", ErrInvalidParameter, o.Quality)
	}
	if o.BitDepth == 0 {
		o.BitDepth = 8
	}
	if o.BitDepth != 8 && o.BitDepth != 10 && o.BitDepth != 12 {
		return nil, fmt.Errorf("%w: %d", yuv.ErrUnsupportedBitDepth, o.BitDepth)
	}
	if (o.TileWidth == 0) != (o.TileHeight == 0) || o.TileWidth < 0 || o.TileHeight < 0 {
		return nil, fmt.Errorf("%w: tile size %dx%d", ErrInvalidParameter, o.TileWidth, o.TileHeight)
	}
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	o.Threads = min(o.Threads, codec.MaxThreads)

	e.cicp = yuv.DefaultCICP
	if o.CICP != nil {
		e.cicp = *o.CICP
	}
	e.quantizer = quantizers[o.Quality]
	if o.Lossless {
		e.quantizer = 0
		o.Subsampling = yuv.Subsampling444
		e.cicp.MatrixCoefficients = yuv.MatrixIdentity
		e.cicp.FullRange = true
	}
	return e, nil
}

// progress reports the frames coded so far and whether to go on.
func (e *encoder) progress() bool {
	if e.opts.Progress == nil {
		return true
	}
	return e.opts.Progress(e.done, e.total)
}

// EncodeBitmap encodes bm as an AVIF file. An alpha plane is stored when
// any pixel of bm is not opaque. Nil options use DefaultQuality.
func EncodeBitmap(w io.Writer, bm *yuv.Bitmap, opts *EncodeOptions) error {
	if bm == nil {
		return fmt.Errorf("%w: no bitmap", ErrInvalidParameter)
	}
	e, err := newEncoder(opts)
	if err != nil {
		return err
	}
	tiles, grid, err := splitTiles(bm, e.opts.TileWidth, e.opts.TileHeight)
	if err != nil {
		return err
	}
	hasAlpha := bm.HasAlpha()
	e.total = uint32(len(tiles))
	if hasAlpha {
		e.total *= 2
	}

	color := make([]frame, 0, len(tiles))
	for _, tile := range tiles {
		img, err := yuv.FromBitmap(tile, e.opts.BitDepth, e.opts.Subsampling, e.cicp)
		if err != nil {
			return err
		}
		f, err := e.encodeFrame(img)
		if err != nil {
			return err
		}
		color = append(color, f)
	}

	var alpha []frame
	if hasAlpha {
		for _, tile := range tiles {
			img, err := yuv.AlphaFromBitmap(tile, e.opts.BitDepth)
			if err != nil {
				return err
			}
			f, err := e.encodeFrame(img)
			if err != nil {
				log.WithField("tiles", len(color)).Debug("dropping colour payloads")
				return err
			}
			alpha = append(alpha, f)
		}
	}

	b := heif.NewBuilder()
	colorID, err := e.addImage(b, "Color", color, grid, bm.Width, bm.Height)
	if err != nil {
		return err
	}
	if err := e.addColorProperties(b, colorID); err != nil {
		return err
	}
	b.SetPrimary(colorID)
	if hasAlpha {
		alphaID, err := e.addImage(b, "Alpha", alpha, grid, bm.Width, bm.Height)
		if err != nil {
			return err
		}
		if err := b.AddProperty(alphaID, &bmff.AuxiliaryTypeProperty{AuxType: bmff.AlphaAuxType}, false); err != nil {
			return err
		}
		if err := b.AddProperty(alphaID, pixelInfo(e.opts.BitDepth, 1), false); err != nil {
			return err
		}
		b.AddReference(bmff.RefAuxiliary, alphaID, colorID)
	}
	if len(e.opts.EXIF) > 0 {
		// A zero offset: the TIFF header follows the offset field.
		payload := append([]byte{0, 0, 0, 0}, e.opts.EXIF...)
		id := b.AddItem(heif.ItemTypeExif, "", payload)
		b.AddReference(bmff.RefContentDescribes, id, colorID)
	}
	if len(e.opts.XMP) > 0 {
		id := b.AddMimeItem(heif.ContentTypeXMP, e.opts.XMP)
		b.AddReference(bmff.RefContentDescribes, id, colorID)
	}

	if _, err := b.WriteTo(w); err != nil {
		return fmt.Errorf("%w: %w", codec.ErrEncodeFailed, err)
	}
	return nil
}

// Encode encodes img as an AVIF file.
func Encode(w io.Writer, img image.Image, opts *EncodeOptions) error {
	format := yuv.BGRA8
	if opts != nil && opts.BitDepth > 8 {
		format = yuv.RGBA16
	}
	bm, err := yuv.BitmapFromImage(img, format)
	if err != nil {
		return err
	}
	return EncodeBitmap(w, bm, opts)
}

// encodeFrame codes one planar image with a fresh encoder. The encoder is
// asked once for the frame; when it holds the packet back it is flushed
// once.
func (e *encoder) encodeFrame(img *yuv.Image) (f frame, err error) {
	if !e.progress() {
		return frame{}, ErrCanceled
	}

	enc, err := codec.NewEncoder(e.opts.Encoder, codec.EncoderConfig{
		Width:       img.Width,
		Height:      img.Height,
		BitDepth:    img.BitDepth,
		Subsampling: img.Subsampling,
		Quantizer:   e.quantizer,
		Lossless:    e.opts.Lossless,
		CPUUsed:     e.opts.Speed.cpuUsed(),
		Threads:     e.opts.Threads,
		CICP:        img.CICP,
	})
	if err != nil {
		return frame{}, err
	}
	defer func() {
		if cerr := enc.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := enc.Encode(img); err != nil {
		return frame{}, err
	}
	data := drainPackets(enc)
	if len(data) == 0 {
		if err := enc.Encode(nil); err != nil {
			return frame{}, err
		}
		data = drainPackets(enc)
	}
	if len(data) == 0 {
		return frame{}, fmt.Errorf("%w: encoder returned no packet", codec.ErrEncodeFailed)
	}

	sh, err := codec.ParseSequenceHeader(data)
	if err != nil {
		return frame{}, fmt.Errorf("%w: %w", codec.ErrEncodeFailed, err)
	}
	e.done++
	if !e.progress() {
		return frame{}, ErrCanceled
	}
	log.WithField("frame", e.done).WithField("bytes", len(data)).Debug("encoded")
	return frame{data: data, width: img.Width, height: img.Height, config: sh.AV1Config()}, nil
}

func drainPackets(enc codec.Encoder) []byte {
	var data []byte
	for {
		pkt, ok := enc.NextPacket()
		if !ok {
			return data
		}
		data = append(data, pkt.Data...)
	}
}

// addImage adds the items of one coded image: a single av01 item, or a
// grid item with its hidden tiles.
func (e *encoder) addImage(b *heif.Builder, name string, frames []frame, grid *heif.ImageGrid, width, height int) (uint32, error) {
	addCoded := func(name string, f frame) (uint32, error) {
		id := b.AddItem(heif.ItemTypeAV1, name, f.data)
		ispe := &bmff.ImageSpatialExtentsProperty{ImageWidth: uint32(f.width), ImageHeight: uint32(f.height)}
		if err := b.AddProperty(id, ispe, false); err != nil {
			return 0, err
		}
		return id, b.AddProperty(id, f.config, true)
	}
	if grid == nil {
		return addCoded(name, frames[0])
	}

	ids := make([]uint32, 0, len(frames))
	for _, f := range frames {
		id, err := addCoded("", f)
		if err != nil {
			return 0, err
		}
		b.SetHidden(id)
		ids = append(ids, id)
	}
	desc, err := grid.MarshalBinary()
	if err != nil {
		return 0, err
	}
	id := b.AddIdatItem(heif.ItemTypeGrid, name, desc)
	ispe := &bmff.ImageSpatialExtentsProperty{ImageWidth: uint32(width), ImageHeight: uint32(height)}
	if err := b.AddProperty(id, ispe, false); err != nil {
		return 0, err
	}
	b.AddReference(bmff.RefDerivedImage, id, ids...)
	return id, nil
}

func (e *encoder) addColorProperties(b *heif.Builder, id uint32) error {
	nclx := &bmff.ColourInformationBox{
		ColourType:              bmff.ColourNCLX,
		ColorPrimaries:          uint16(e.cicp.ColorPrimaries),
		TransferCharacteristics: uint16(e.cicp.TransferCharacteristics),
		MatrixCoefficients:      uint16(e.cicp.MatrixCoefficients),
		FullRange:               e.cicp.FullRange,
	}
	if err := b.AddProperty(id, nclx, false); err != nil {
		return err
	}
	if len(e.opts.ICC) > 0 {
		icc := &bmff.ColourInformationBox{ColourType: bmff.ColourProfile, ICCProfile: e.opts.ICC}
		if err := b.AddProperty(id, icc, false); err != nil {
			return err
		}
	}
	channels := 3
	if e.opts.Subsampling == yuv.Subsampling400 {
		channels = 1
	}
	return b.AddProperty(id, pixelInfo(e.opts.BitDepth, channels), false)
}

func pixelInfo(depth, channels int) *bmff.PixelInformationProperty {
	p := &bmff.PixelInformationProperty{BitsPerChannel: make([]uint8, channels)}
	for i := range p.BitsPerChannel {
		p.BitsPerChannel[i] = uint8(depth)
	}
	return p
}

// splitTiles cuts bm into tiles of the given size, replicating the last
// row and column into the padding of edge tiles. A zero size returns bm
// itself and no grid.
func splitTiles(bm *yuv.Bitmap, tileWidth, tileHeight int) ([]*yuv.Bitmap, *heif.ImageGrid, error) {
	if tileWidth == 0 && tileHeight == 0 {
		return []*yuv.Bitmap{bm}, nil, nil
	}
	cols := (bm.Width + tileWidth - 1) / tileWidth
	rows := (bm.Height + tileHeight - 1) / tileHeight
	if cols > 256 || rows > 256 {
		return nil, nil, fmt.Errorf("%w: %dx%d tiles exceed a 256x256 grid", ErrInvalidParameter, cols, rows)
	}
	grid := &heif.ImageGrid{Rows: rows, Columns: cols, OutputWidth: uint32(bm.Width), OutputHeight: uint32(bm.Height)}

	bpp := bm.Format.BytesPerPixel()
	tiles := make([]*yuv.Bitmap, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tile, err := yuv.NewBitmap(bm.Format, tileWidth, tileHeight)
			if err != nil {
				return nil, nil, err
			}
			for y := 0; y < tileHeight; y++ {
				sy := min(row*tileHeight+y, bm.Height-1)
				for x := 0; x < tileWidth; x++ {
					sx := min(col*tileWidth+x, bm.Width-1)
					copy(tile.Pix[tile.PixOffset(x, y):][:bpp], bm.Pix[bm.PixOffset(sx, sy):])
				}
			}
			tiles = append(tiles, tile)
		}
	}
	log.WithField("grid", fmt.Sprintf("%dx%d", cols, rows)).Debug("split into tiles")
	return tiles, grid, nil
}
