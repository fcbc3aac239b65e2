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

package bmff

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceNotSupported is returned by FileTypeBox.CheckCompatibility
	// for image sequences ("avis").
	ErrSequenceNotSupported = errors.New("bmff: animated AVIF is not supported")

	// ErrNotAVIFCompatible is returned by FileTypeBox.CheckCompatibility when
	// no "avif" brand is present.
	ErrNotAVIFCompatible = errors.New("bmff: file is not AVIF compatible")
)

// Brands.
const (
	BrandAVIF = "avif"
	BrandAVIS = "avis"
	BrandMIF1 = "mif1"
	BrandMIAF = "miaf"
)

type FileTypeBox struct {
	Header
	MajorBrand   string   // 4 bytes
	MinorVersion uint32
	Compatible   []string // all 4 bytes
}

func parseFileTypeBox(h Header, br *bufReader) (Box, error) {
	major, _ := br.readFourCC()
	minor, _ := br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	if br.remaining()%4 != 0 {
		return nil, br.failf("compatible brand list is not a multiple of 4 bytes")
	}
	ft := &FileTypeBox{
		Header:       h,
		MajorBrand:   major.String(),
		MinorVersion: minor,
	}
	for br.anyRemain() {
		b, _ := br.readFourCC()
		ft.Compatible = append(ft.Compatible, b.String())
	}
	return ft, br.err
}

func (ft *FileTypeBox) Type() BoxType { return TypeFtyp }

func (ft *FileTypeBox) prepare() error {
	if len(ft.MajorBrand) != 4 {
		return fmt.Errorf("bmff: major brand %q is not 4 bytes", ft.MajorBrand)
	}
	for _, c := range ft.Compatible {
		if len(c) != 4 {
			return fmt.Errorf("bmff: compatible brand %q is not 4 bytes", c)
		}
	}
	return nil
}

func (ft *FileTypeBox) bodySize() uint64 { return 8 + 4*uint64(len(ft.Compatible)) }

func (ft *FileTypeBox) writeBody(w *boxWriter) {
	w.write([]byte(ft.MajorBrand))
	w.writeUint32(ft.MinorVersion)
	for _, c := range ft.Compatible {
		w.write([]byte(c))
	}
}

// HasBrand reports whether brand is the major brand or one of the
// compatible brands.
func (ft *FileTypeBox) HasBrand(brand string) bool {
	if ft.MajorBrand == brand {
		return true
	}
	for _, c := range ft.Compatible {
		if c == brand {
			return true
		}
	}
	return false
}

// CheckCompatibility reports whether the file can be read as an AVIF still
// image.
func (ft *FileTypeBox) CheckCompatibility() error {
	if ft.HasBrand(BrandAVIS) {
		return ErrSequenceNotSupported
	}
	if !ft.HasBrand(BrandAVIF) {
		return ErrNotAVIFCompatible
	}
	return nil
}

// MetaBox is a "meta" box. Each known child may appear at most once;
// children without a parser are kept in Other.
type MetaBox struct {
	FullBox
	Handler       *HandlerBox
	PrimaryItem   *PrimaryItemBox
	DataInfo      *DataInformationBox
	ItemLocation  *ItemLocationBox
	ItemInfo      *ItemInfoBox
	ItemReference *ItemReferenceBox
	Properties    *ItemPropertiesBox
	ItemData      *ItemDataBox
	Other         []Box
}

func parseMetaBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	mb := &MetaBox{FullBox: fb}
	var boxes []Box
	if err := br.parseAppendBoxes(&boxes); err != nil {
		return nil, err
	}
	for _, b := range boxes {
		dup := false
		switch v := b.(type) {
		case *HandlerBox:
			dup = mb.Handler != nil
			mb.Handler = v
		case *PrimaryItemBox:
			dup = mb.PrimaryItem != nil
			mb.PrimaryItem = v
		case *DataInformationBox:
			dup = mb.DataInfo != nil
			mb.DataInfo = v
		case *ItemLocationBox:
			dup = mb.ItemLocation != nil
			mb.ItemLocation = v
		case *ItemInfoBox:
			dup = mb.ItemInfo != nil
			mb.ItemInfo = v
		case *ItemReferenceBox:
			dup = mb.ItemReference != nil
			mb.ItemReference = v
		case *ItemPropertiesBox:
			dup = mb.Properties != nil
			mb.Properties = v
		case *ItemDataBox:
			dup = mb.ItemData != nil
			mb.ItemData = v
		default:
			mb.Other = append(mb.Other, b)
		}
		if dup {
			return nil, &FormatError{Box: b.Type(), Offset: b.header().Offset, Msg: "duplicate box in meta"}
		}
	}
	return mb, nil
}

func (mb *MetaBox) Type() BoxType { return TypeMeta }

func (mb *MetaBox) prepare() error {
	if mb.Handler == nil {
		return errors.New("bmff: meta box lacks a handler")
	}
	return nil
}

func (mb *MetaBox) children() []Box {
	var boxes []Box
	add := func(b Box, present bool) {
		if present {
			boxes = append(boxes, b)
		}
	}
	add(mb.Handler, mb.Handler != nil)
	add(mb.PrimaryItem, mb.PrimaryItem != nil)
	add(mb.DataInfo, mb.DataInfo != nil)
	add(mb.ItemLocation, mb.ItemLocation != nil)
	add(mb.ItemInfo, mb.ItemInfo != nil)
	add(mb.ItemReference, mb.ItemReference != nil)
	add(mb.Properties, mb.Properties != nil)
	add(mb.ItemData, mb.ItemData != nil)
	return append(boxes, mb.Other...)
}

func (mb *MetaBox) childOffset() int64 { return 4 }

func (mb *MetaBox) bodySize() uint64 { return 4 + childrenSize(mb.children()) }

func (mb *MetaBox) writeBody(w *boxWriter) {
	mb.writeFullBox(w)
	w.writeBoxes(mb.children())
}

// a "hdlr" box.
type HandlerBox struct {
	FullBox
	HandlerType string // always 4 bytes; "pict" for images
	Name        string
}

func parseHandlerBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	hb := &HandlerBox{
		FullBox: fb,
	}
	br.readUint32() // pre_defined
	ht, _ := br.readFourCC()
	br.take(12) // reserved
	hb.HandlerType = ht.String()
	hb.Name, _ = br.readString()
	if !br.ok() {
		return nil, br.err
	}
	return hb, nil
}

func (hb *HandlerBox) Type() BoxType { return boxType("hdlr") }

func (hb *HandlerBox) prepare() error {
	if len(hb.HandlerType) != 4 {
		return fmt.Errorf("bmff: handler type %q is not 4 bytes", hb.HandlerType)
	}
	return nil
}

func (hb *HandlerBox) bodySize() uint64 { return 4 + 4 + 4 + 12 + uint64(len(hb.Name)) + 1 }

func (hb *HandlerBox) writeBody(w *boxWriter) {
	hb.writeFullBox(w)
	w.writeUint32(0)
	w.write([]byte(hb.HandlerType))
	w.write(make([]byte, 12))
	w.writeString(hb.Name)
}

// "pitm" box
type PrimaryItemBox struct {
	FullBox
	ItemID uint32
}

func parsePrimaryItemBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	pib := &PrimaryItemBox{FullBox: fb}
	if fb.Version == 0 {
		id, _ := br.readUint16()
		pib.ItemID = uint32(id)
	} else {
		pib.ItemID, _ = br.readUint32()
	}
	if !br.ok() {
		return nil, br.err
	}
	return pib, nil
}

func (pib *PrimaryItemBox) Type() BoxType { return boxType("pitm") }

func (pib *PrimaryItemBox) prepare() error {
	if pib.ItemID > 0xFFFF {
		pib.Version = 1
	}
	return nil
}

func (pib *PrimaryItemBox) bodySize() uint64 {
	if pib.Version == 0 {
		return 4 + 2
	}
	return 4 + 4
}

func (pib *PrimaryItemBox) writeBody(w *boxWriter) {
	pib.writeFullBox(w)
	if pib.Version == 0 {
		w.writeUint16(uint16(pib.ItemID))
	} else {
		w.writeUint32(pib.ItemID)
	}
}

// ItemDataBox is an "idat" box. It is a plain box, not a full box.
type ItemDataBox struct {
	Header
	Data []byte
}

func parseItemDataBox(h Header, br *bufReader) (Box, error) {
	return &ItemDataBox{Header: h, Data: br.rest()}, nil
}

func (idb *ItemDataBox) Type() BoxType          { return boxType("idat") }
func (idb *ItemDataBox) prepare() error         { return nil }
func (idb *ItemDataBox) bodySize() uint64       { return uint64(len(idb.Data)) }
func (idb *ItemDataBox) writeBody(w *boxWriter) { w.write(idb.Data) }

// a "dinf" box
type DataInformationBox struct {
	Header
	Children []Box
}

func parseDataInformationBox(h Header, br *bufReader) (Box, error) {
	dib := &DataInformationBox{Header: h}
	return dib, br.parseAppendBoxes(&dib.Children)
}

func (dib *DataInformationBox) Type() BoxType      { return boxType("dinf") }
func (dib *DataInformationBox) prepare() error     { return nil }
func (dib *DataInformationBox) children() []Box    { return dib.Children }
func (dib *DataInformationBox) childOffset() int64 { return 0 }
func (dib *DataInformationBox) bodySize() uint64   { return childrenSize(dib.Children) }

func (dib *DataInformationBox) writeBody(w *boxWriter) { w.writeBoxes(dib.Children) }

// NewDataInformationBox returns a "dinf" holding a single self-contained
// "url " entry.
func NewDataInformationBox() *DataInformationBox {
	return &DataInformationBox{
		Children: []Box{&DataReferenceBox{
			Children: []Box{&DataEntryURLBox{FullBox: FullBox{Flags: 1}}},
		}},
	}
}

// a "dref" box.
type DataReferenceBox struct {
	FullBox
	EntryCount uint32
	Children   []Box
}

func parseDataReferenceBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	drb := &DataReferenceBox{FullBox: fb}
	drb.EntryCount, _ = br.readUint32()
	return drb, br.parseAppendBoxes(&drb.Children)
}

func (drb *DataReferenceBox) Type() BoxType { return boxType("dref") }

func (drb *DataReferenceBox) prepare() error {
	drb.EntryCount = uint32(len(drb.Children))
	return nil
}

func (drb *DataReferenceBox) children() []Box    { return drb.Children }
func (drb *DataReferenceBox) childOffset() int64 { return 8 }
func (drb *DataReferenceBox) bodySize() uint64   { return 8 + childrenSize(drb.Children) }

func (drb *DataReferenceBox) writeBody(w *boxWriter) {
	drb.writeFullBox(w)
	w.writeUint32(drb.EntryCount)
	w.writeBoxes(drb.Children)
}

// DataEntryURLBox is a "url " box. Flag 1 means the data is in the same file
// and Location is empty.
type DataEntryURLBox struct {
	FullBox
	Location string
}

func parseDataEntryURLBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	u := &DataEntryURLBox{FullBox: fb}
	if br.anyRemain() {
		u.Location, _ = br.readString()
	}
	return u, br.err
}

func (u *DataEntryURLBox) Type() BoxType  { return boxType("url ") }
func (u *DataEntryURLBox) prepare() error { return nil }

func (u *DataEntryURLBox) bodySize() uint64 {
	if u.Flags&1 != 0 {
		return 4
	}
	return 4 + uint64(len(u.Location)) + 1
}

func (u *DataEntryURLBox) writeBody(w *boxWriter) {
	u.writeFullBox(w)
	if u.Flags&1 == 0 {
		w.writeString(u.Location)
	}
}
