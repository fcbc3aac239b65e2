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

package heif

import (
	"fmt"
	"io"
	"math"

	"github.com/jdeng/goavif/heif/bmff"
	"github.com/sirupsen/logrus"
)

// Builder assembles an AVIF file from coded item payloads.
//
// Payloads go to a single mdat box, except for items added with
// AddIdatItem, which are stored in the meta box's idat. Item locations are
// resolved once the final layout is known.
type Builder struct {
	items   []*buildItem
	ipco    *bmff.ItemPropertyContainerBox
	ipma    *bmff.ItemPropertyAssociation
	iref    *bmff.ItemReferenceBox
	props   map[string]uint16 // serialized property -> index
	primary uint32
	nextID  uint32
}

type buildItem struct {
	info   *bmff.ItemInfoEntry
	data   []byte
	inIdat bool
}

// NewBuilder returns an empty Builder. Item IDs start at 1.
func NewBuilder() *Builder {
	return &Builder{
		ipco:   &bmff.ItemPropertyContainerBox{},
		ipma:   &bmff.ItemPropertyAssociation{},
		iref:   &bmff.ItemReferenceBox{},
		props:  make(map[string]uint16),
		nextID: 1,
	}
}

// SetNextItemID sets the ID given to the next added item.
func (b *Builder) SetNextItemID(id uint32) { b.nextID = id }

func (b *Builder) addItem(itemType, name string, data []byte, inIdat bool) uint32 {
	id := b.nextID
	b.nextID++
	b.items = append(b.items, &buildItem{
		info:   &bmff.ItemInfoEntry{ItemID: id, ItemType: itemType, Name: name},
		data:   data,
		inIdat: inIdat,
	})
	return id
}

// AddItem adds an item whose payload is stored in mdat and returns its ID.
func (b *Builder) AddItem(itemType, name string, data []byte) uint32 {
	return b.addItem(itemType, name, data, false)
}

// AddIdatItem adds an item whose payload is stored in the idat box.
func (b *Builder) AddIdatItem(itemType, name string, data []byte) uint32 {
	return b.addItem(itemType, name, data, true)
}

// AddMimeItem adds a "mime" item such as an XMP packet.
func (b *Builder) AddMimeItem(contentType string, data []byte) uint32 {
	id := b.addItem(ItemTypeMime, "", data, false)
	b.items[len(b.items)-1].info.ContentType = contentType
	return id
}

func (b *Builder) item(id uint32) *buildItem {
	for _, it := range b.items {
		if it.info.ItemID == id {
			return it
		}
	}
	return nil
}

// SetHidden marks an item as hidden.
func (b *Builder) SetHidden(id uint32) {
	if it := b.item(id); it != nil {
		it.info.Hidden = true
	}
}

// SetPrimary sets the primary item.
func (b *Builder) SetPrimary(id uint32) { b.primary = id }

// AddProperty associates a property with an item. Identical properties
// share one entry of the property container.
func (b *Builder) AddProperty(id uint32, p bmff.Box, essential bool) error {
	raw, err := bmff.Marshal(p)
	if err != nil {
		return err
	}
	index, ok := b.props[string(raw)]
	if !ok {
		index = b.ipco.Add(p)
		b.props[string(raw)] = index
	}
	b.ipma.Associate(id, index, essential)
	return nil
}

// AddReference adds a reference of type typ from one item to others.
func (b *Builder) AddReference(typ bmff.BoxType, from uint32, to ...uint32) {
	b.iref.Add(typ, from, to...)
}

// WriteTo writes the file to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if b.item(b.primary) == nil {
		return 0, fmt.Errorf("heif: primary item %d was not added", b.primary)
	}

	iloc := &bmff.ItemLocationBox{OffsetSize: 4, LengthSize: 4}
	iinf := &bmff.ItemInfoBox{}
	var mdatData, idatData []byte
	mdatOffsets := make(map[int]uint64) // iloc index -> offset within mdat
	for _, it := range b.items {
		if len(it.data) == 0 {
			return 0, fmt.Errorf("heif: item %d has no payload", it.info.ItemID)
		}
		iinf.ItemInfos = append(iinf.ItemInfos, it.info)
		ent := bmff.ItemLocationBoxEntry{ItemID: it.info.ItemID}
		if it.inIdat {
			ent.ConstructionMethod = bmff.ConstructionIdatOffset
			ent.Extents = []bmff.OffsetLength{{Offset: uint64(len(idatData)), Length: uint64(len(it.data))}}
			idatData = append(idatData, it.data...)
		} else {
			mdatOffsets[len(iloc.Items)] = uint64(len(mdatData))
			ent.Extents = []bmff.OffsetLength{{Length: uint64(len(it.data))}}
			mdatData = append(mdatData, it.data...)
		}
		iloc.Items = append(iloc.Items, ent)
	}

	ftyp := &bmff.FileTypeBox{
		MajorBrand: bmff.BrandAVIF,
		Compatible: []string{bmff.BrandMIF1, bmff.BrandAVIF, bmff.BrandMIAF},
	}
	meta := &bmff.MetaBox{
		Handler:      &bmff.HandlerBox{HandlerType: "pict"},
		PrimaryItem:  &bmff.PrimaryItemBox{ItemID: b.primary},
		DataInfo:     bmff.NewDataInformationBox(),
		ItemLocation: iloc,
		ItemInfo:     iinf,
		Properties: &bmff.ItemPropertiesBox{
			PropertyContainer: b.ipco,
			Associations:      []*bmff.ItemPropertyAssociation{b.ipma},
		},
	}
	if len(b.iref.ItemRefs) > 0 {
		meta.ItemReference = b.iref
	}
	if len(idatData) > 0 {
		meta.ItemData = &bmff.ItemDataBox{Data: idatData}
	}
	mdat := &bmff.MediaDataBox{Data: mdatData}

	// First pass: sizes and offsets with placeholder item offsets.
	end, err := bmff.Layout(0, ftyp, meta, mdat)
	if err != nil {
		return 0, err
	}
	if end > math.MaxUint32 {
		iloc.OffsetSize = 8
		if end, err = bmff.Layout(0, ftyp, meta, mdat); err != nil {
			return 0, err
		}
	}
	base := uint64(mdat.DataStart())
	for i, rel := range mdatOffsets {
		iloc.Items[i].Extents[0].Offset = base + rel
	}
	logrus.WithFields(logrus.Fields{"items": len(b.items), "mdat": base, "size": end}).Debug("heif: resolved item locations")

	// The patched offsets fit the reserved field size, so nothing moves.
	check, err := bmff.Layout(0, ftyp, meta, mdat)
	if err != nil {
		return 0, err
	}
	if check != end || uint64(mdat.DataStart()) != base {
		return 0, fmt.Errorf("heif: layout changed after resolving item offsets (%d != %d)", check, end)
	}
	if err := bmff.Write(w, ftyp, meta, mdat); err != nil {
		return 0, err
	}
	return end, nil
}
