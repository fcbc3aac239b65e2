/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package heif reads and writes HEIF containers holding AVIF still images.
// This package does not decode images; it only deals with the metadata and
// the coded item payloads.
//
// This package is a work in progress and makes no API compatibility
// promises.
package heif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/jdeng/goavif/heif/bmff"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// Item types.
const (
	ItemTypeAV1  = "av01"
	ItemTypeGrid = "grid"
	ItemTypeExif = "Exif"
	ItemTypeMime = "mime"
)

// ContentTypeXMP is the content type of XMP "mime" items.
const ContentTypeXMP = "application/rdf+xml"

// maxItemSize caps the size of a single item's payload.
const maxItemSize = 200 << 20 // 200MB cap it for sanity

// File represents a HEIF file.
//
// Methods on File should not be called concurrently.
type File struct {
	ra   io.ReaderAt
	size int64

	// Populated lazily, by getMeta:
	metaErr error
	meta    *BoxMeta
}

// BoxMeta contains the low-level BMFF metadata boxes.
type BoxMeta struct {
	FileType      *bmff.FileTypeBox
	Meta          *bmff.MetaBox
	Handler       *bmff.HandlerBox
	PrimaryItem   *bmff.PrimaryItemBox
	ItemInfo      *bmff.ItemInfoBox
	Properties    *bmff.ItemPropertiesBox
	ItemLocation  *bmff.ItemLocationBox
	ItemData      *bmff.ItemDataBox
	ItemReference *bmff.ItemReferenceBox
}

// EXIFItemID returns the item ID of the EXIF part, or 0 if not found.
func (m *BoxMeta) EXIFItemID() uint32 {
	return m.itemIDByType(ItemTypeExif, "")
}

// XMPItemID returns the item ID of the XMP part, or 0 if not found.
func (m *BoxMeta) XMPItemID() uint32 {
	return m.itemIDByType(ItemTypeMime, ContentTypeXMP)
}

func (m *BoxMeta) itemIDByType(itemType, contentType string) uint32 {
	if m.ItemInfo == nil {
		return 0
	}
	for _, ife := range m.ItemInfo.ItemInfos {
		if ife.ItemType == itemType && (contentType == "" || ife.ContentType == contentType) {
			return ife.ItemID
		}
	}
	return 0
}

// Item represents an item in a HEIF file.
type Item struct {
	f *File

	ID         uint32
	Info       *bmff.ItemInfoEntry
	Location   *bmff.ItemLocationBoxEntry // location in file
	Properties []bmff.Box
	References []*bmff.ItemReferenceEntry
}

// Type returns the item type, such as "av01" or "grid".
func (it *Item) Type() string { return it.Info.ItemType }

// Reference returns the first reference of type typ from this item, or nil.
func (it *Item) Reference(typ bmff.BoxType) *bmff.ItemReferenceEntry {
	for _, r := range it.References {
		if r.ReferenceType == typ {
			return r
		}
	}
	return nil
}

func property[T bmff.Box](it *Item) (T, bool) {
	for _, p := range it.Properties {
		if v, ok := p.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// SpatialExtents returns the item's spatial extents property values, if present,
// not correcting from any camera rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	p, ok := property[*bmff.ImageSpatialExtentsProperty](it)
	if !ok {
		return 0, 0, false
	}
	return int(p.ImageWidth), int(p.ImageHeight), true
}

// AV1Config returns the av1C property.
func (it *Item) AV1Config() (*bmff.AV1CodecConfigurationBox, bool) {
	return property[*bmff.AV1CodecConfigurationBox](it)
}

// Colour returns the nclx colour property and the ICC profile, either of
// which may be absent.
func (it *Item) Colour() (nclx *bmff.ColourInformationBox, icc []byte) {
	for _, p := range it.Properties {
		c, ok := p.(*bmff.ColourInformationBox)
		if !ok {
			continue
		}
		switch c.ColourType {
		case bmff.ColourNCLX:
			if nclx == nil {
				nclx = c
			}
		case bmff.ColourProfile, bmff.ColourRestricted:
			if icc == nil {
				icc = c.ICCProfile
			}
		}
	}
	return nclx, icc
}

// PixelInfo returns the pixi property.
func (it *Item) PixelInfo() (*bmff.PixelInformationProperty, bool) {
	return property[*bmff.PixelInformationProperty](it)
}

// AuxiliaryType returns the auxC type URN, or "".
func (it *Item) AuxiliaryType() string {
	if p, ok := property[*bmff.AuxiliaryTypeProperty](it); ok {
		return p.AuxType
	}
	return ""
}

// CleanAperture returns the clap property.
func (it *Item) CleanAperture() (*bmff.CleanAperture, bool) {
	return property[*bmff.CleanAperture](it)
}

// PixelAspectRatio returns the pasp property.
func (it *Item) PixelAspectRatio() (*bmff.PixelAspectRatio, bool) {
	return property[*bmff.PixelAspectRatio](it)
}

// OperatingPoint returns the AV1 operating point chosen by an a1op property.
func (it *Item) OperatingPoint() (int, bool) {
	if p, ok := property[*bmff.OperatingPointSelector](it); ok {
		return int(p.OpIndex), true
	}
	return 0, false
}

// Layer returns the spatial layer chosen by an lsel property. A selector
// of 0xFFFF means all layers and reports false.
func (it *Item) Layer() (int, bool) {
	if p, ok := property[*bmff.LayerSelector](it); ok && p.LayerID != 0xFFFF {
		return int(p.LayerID), true
	}
	return 0, false
}

// Rotations returns the number of 90 degree rotations counter-clockwise that this
// image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	if p, ok := property[*bmff.ImageRotation](it); ok {
		return int(p.Angle)
	}
	return 0
}

// Mirror returns the mirroring axis (bmff.MirrorVertical or
// bmff.MirrorHorizontal) and whether the item is mirrored at all.
func (it *Item) Mirror() (axis uint8, ok bool) {
	if p, ok := property[*bmff.ImageMirror](it); ok {
		return p.Mirror, true
	}
	return 0, false
}

// VisualDimensions returns the item's width and height after correcting
// for any rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	width, height, ok = it.SpatialExtents()
	if it.Rotations()%2 == 1 {
		width, height = height, width
	}
	return
}

// Open returns a handle to access a HEIF file.
func Open(f io.ReaderAt) *File {
	return &File{ra: f, size: sizeOf(f)}
}

func sizeOf(ra io.ReaderAt) int64 {
	switch v := ra.(type) {
	case interface{ Size() int64 }:
		return v.Size()
	case interface{ Stat() (os.FileInfo, error) }:
		if fi, err := v.Stat(); err == nil {
			return fi.Size()
		}
	}
	const assumedMaxSize = 5 << 40 // arbitrary
	return assumedMaxSize
}

var (
	// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
	ErrNoEXIF = errors.New("heif: no EXIF found")

	// ErrNoXMP is returned by File.XMP when a file does not contain an XMP item.
	ErrNoXMP = errors.New("heif: no XMP found")

	// ErrNoAlpha is returned by File.AlphaItem when an image has no alpha plane.
	ErrNoAlpha = errors.New("heif: no alpha item")

	// ErrUnknownItem is returned by File.ItemByID for unknown items.
	ErrUnknownItem = errors.New("heif: unknown item")
)

// FileType returns the ftyp box.
func (f *File) FileType() (*bmff.FileTypeBox, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	return meta.FileType, nil
}

// CheckCompatibility reports whether the file is an AVIF still image.
func (f *File) CheckCompatibility() error {
	ft, err := f.FileType()
	if err != nil {
		return err
	}
	return ft.CheckCompatibility()
}

// Meta returns the low-level metadata boxes.
func (f *File) Meta() (*BoxMeta, error) { return f.getMeta() }

// EXIF returns the raw EXIF data from the file, starting at the TIFF header.
// The error is ErrNoEXIF if the file did not contain EXIF.
func (f *File) EXIF() ([]byte, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	exifID := meta.EXIFItemID()
	if exifID == 0 {
		return nil, ErrNoEXIF
	}
	it, err := f.ItemByID(exifID)
	if err != nil {
		return nil, err
	}

	data, err := f.GetItemData(it)
	if err != nil {
		return nil, err
	}
	// The payload starts with a 32-bit offset to the TIFF header,
	// counted from the end of the offset field.
	if len(data) < 4 {
		return nil, fmt.Errorf("heif: EXIF item of %d bytes is too short", len(data))
	}
	off := uint64(binary.BigEndian.Uint32(data)) + 4
	if off > uint64(len(data)) {
		return nil, fmt.Errorf("heif: EXIF header offset %d out of range", off-4)
	}
	return data[off:], nil
}

// DecodeEXIF returns the parsed EXIF data.
func (f *File) DecodeEXIF() (*exif.Exif, error) {
	raw, err := f.EXIF()
	if err != nil {
		return nil, err
	}
	return exif.Decode(bytes.NewReader(raw))
}

// XMP returns the XMP packet. The error is ErrNoXMP if there is none.
func (f *File) XMP() ([]byte, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	id := meta.XMPItemID()
	if id == 0 {
		return nil, ErrNoXMP
	}
	it, err := f.ItemByID(id)
	if err != nil {
		return nil, err
	}
	return f.GetItemData(it)
}

// GetItemData returns data specified by item's location, concatenating all
// of its extents.
func (f *File) GetItemData(it *Item) ([]byte, error) {
	loc := it.Location
	if loc == nil {
		return nil, fmt.Errorf("heif: item %d has no location", it.ID)
	}
	if len(loc.Extents) == 0 {
		return nil, fmt.Errorf("heif: item %d has no extents", it.ID)
	}

	var src io.ReaderAt
	var srcSize int64
	switch loc.ConstructionMethod {
	case bmff.ConstructionFileOffset:
		src, srcSize = f.ra, f.size
	case bmff.ConstructionIdatOffset:
		if f.meta.ItemData == nil {
			return nil, fmt.Errorf("heif: no idat for item %d", it.ID)
		}
		src, srcSize = bytes.NewReader(f.meta.ItemData.Data), int64(len(f.meta.ItemData.Data))
	default:
		return nil, fmt.Errorf("heif: item %d: unsupported construction method %d", it.ID, loc.ConstructionMethod)
	}

	var total uint64
	for _, ex := range loc.Extents {
		if ex.Offset > math.MaxUint64-loc.BaseOffset {
			return nil, fmt.Errorf("%w: item %d: extent offset %d overflows base offset %d", bmff.ErrFormat, it.ID, ex.Offset, loc.BaseOffset)
		}
		if ex.Length > math.MaxUint64-total {
			return nil, fmt.Errorf("%w: item %d: extent lengths overflow", bmff.ErrFormat, it.ID)
		}
		total += ex.Length
	}
	if total > maxItemSize {
		return nil, fmt.Errorf("heif: declared size %d exceeds threshold of %d bytes", total, maxItemSize)
	}
	buf := make([]byte, 0, total)
	for _, ex := range loc.Extents {
		off := loc.BaseOffset + ex.Offset
		length := ex.Length
		if length == 0 && len(loc.Extents) == 1 {
			// A zero length single extent runs to the end of the source.
			if off > uint64(srcSize) || uint64(srcSize)-off > maxItemSize {
				return nil, fmt.Errorf("%w: item %d: open-ended extent at %d out of range", bmff.ErrFormat, it.ID, off)
			}
			length = uint64(srcSize) - off
		}
		if off > uint64(srcSize) || length > uint64(srcSize)-off {
			return nil, fmt.Errorf("%w: item %d: extent [%d, +%d) out of bounds", bmff.ErrFormat, it.ID, off, length)
		}
		chunk := make([]byte, length)
		n, err := src.ReadAt(chunk, int64(off))
		if n != len(chunk) {
			logrus.WithFields(logrus.Fields{"item": it.ID, "offset": off}).
				Warnf("read %d bytes, expected %d: %v", n, length, err)
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

func (f *File) setMetaErr(err error) error {
	if f.metaErr == nil {
		f.metaErr = err
	}
	return err
}

func (f *File) getMeta() (*BoxMeta, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	bmr := bmff.NewReader(f.ra, 0, f.size)

	meta := &BoxMeta{}

	pbox, err := bmr.ReadAndParseBox(bmff.TypeFtyp)
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	meta.FileType = pbox.(*bmff.FileTypeBox)

	for meta.Meta == nil {
		b, err := bmr.ReadBox()
		if err == io.EOF {
			return nil, f.setMetaErr(&bmff.FormatError{Offset: f.size, Msg: "file lacks a meta box"})
		}
		if err != nil {
			return nil, f.setMetaErr(err)
		}
		if mb, ok := b.(*bmff.MetaBox); ok {
			meta.Meta = mb
		}
	}
	mb := meta.Meta
	meta.Handler = mb.Handler
	meta.PrimaryItem = mb.PrimaryItem
	meta.ItemInfo = mb.ItemInfo
	meta.Properties = mb.Properties
	meta.ItemLocation = mb.ItemLocation
	meta.ItemData = mb.ItemData
	meta.ItemReference = mb.ItemReference

	f.meta = meta
	return f.meta, nil
}

// PrimaryItem returns the HEIF file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.PrimaryItem == nil {
		return nil, errors.New("heif: HEIF file lacks primary item box")
	}
	return f.ItemByID(meta.PrimaryItem.ItemID)
}

// ItemByID by returns the file's Item of a given ID.
// If the ID is unknown, the returned error is ErrUnknownItem.
func (f *File) ItemByID(id uint32) (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	it := &Item{
		f:  f,
		ID: id,
	}
	if meta.ItemInfo != nil {
		it.Info = meta.ItemInfo.Entry(id)
	}
	if it.Info == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownItem, id)
	}
	if meta.ItemLocation != nil {
		if ilbe := meta.ItemLocation.Entry(id); ilbe != nil {
			shallowCopy := *ilbe
			it.Location = &shallowCopy
		}
	}

	if meta.ItemReference != nil {
		for _, ir := range meta.ItemReference.ItemRefs {
			if ir.FromItemID == id {
				it.References = append(it.References, ir)
			}
		}
	}

	if meta.Properties != nil {
		for _, p := range meta.Properties.Associated(id) {
			if u, ok := p.Box.(*bmff.UnknownBox); ok && p.Essential {
				logrus.WithFields(logrus.Fields{"item": id, "box": u.Type()}).
					Warn("ignoring unsupported essential property")
			}
			it.Properties = append(it.Properties, p.Box)
		}
	}
	return it, nil
}

// Items returns every item of the file, in item info order.
func (f *File) Items() ([]*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.ItemInfo == nil {
		return nil, nil
	}
	items := make([]*Item, 0, len(meta.ItemInfo.ItemInfos))
	for _, e := range meta.ItemInfo.ItemInfos {
		it, err := f.ItemByID(e.ItemID)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// AlphaItem returns the auxiliary alpha item attached to it.
// The error is ErrNoAlpha if there is none.
func (f *File) AlphaItem(it *Item) (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.ItemReference == nil {
		return nil, ErrNoAlpha
	}
	for _, r := range meta.ItemReference.EnumerateMatchingReferences(it.ID, bmff.RefAuxiliary) {
		aux, err := f.ItemByID(r.FromItemID)
		if err != nil {
			return nil, err
		}
		if aux.AuxiliaryType() == bmff.AlphaAuxType {
			return aux, nil
		}
	}
	return nil, ErrNoAlpha
}

// IsPremultiplied reports whether color's samples are premultiplied by alpha.
func (f *File) IsPremultiplied(color, alpha *Item) bool {
	meta, err := f.getMeta()
	if err != nil || meta.ItemReference == nil {
		return false
	}
	for _, r := range meta.ItemReference.EnumerateMatchingReferences(alpha.ID, bmff.RefPremultipliedAlpha) {
		if r.FromItemID == color.ID {
			return true
		}
	}
	return false
}

// GridTiles returns the input items of a derived grid item, in row-major
// order.
func (f *File) GridTiles(it *Item) ([]*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.ItemReference == nil {
		return nil, fmt.Errorf("heif: grid item %d has no dimg reference", it.ID)
	}
	refs := meta.ItemReference.EnumerateMatchingReferences(it.ID, bmff.RefDerivedImage)
	if len(refs) != 1 {
		return nil, fmt.Errorf("heif: grid item %d has %d dimg references", it.ID, len(refs))
	}
	tiles := make([]*Item, 0, len(refs[0].ToItemIDs))
	for _, id := range refs[0].ToItemIDs {
		tile, err := f.ItemByID(id)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, tile)
	}
	return tiles, nil
}

// Grid returns the grid descriptor of a grid item.
func (f *File) Grid(it *Item) (*ImageGrid, error) {
	if it.Type() != ItemTypeGrid {
		return nil, fmt.Errorf("heif: item %d is %q, not a grid", it.ID, it.Type())
	}
	data, err := f.GetItemData(it)
	if err != nil {
		return nil, err
	}
	return ParseImageGrid(data)
}
