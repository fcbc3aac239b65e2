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

import "fmt"

// HEIF: ipco
//
// Properties keeps every child, including ones without a parser, so that the
// 1-based indices used by ipma stay valid.
type ItemPropertyContainerBox struct {
	Header
	Properties []Box // of ItemProperty or ItemFullProperty
}

func parseItemPropertyContainerBox(h Header, br *bufReader) (Box, error) {
	ipc := &ItemPropertyContainerBox{Header: h}
	return ipc, br.parseAppendBoxes(&ipc.Properties)
}

func (ipc *ItemPropertyContainerBox) Type() BoxType      { return boxType("ipco") }
func (ipc *ItemPropertyContainerBox) prepare() error     { return nil }
func (ipc *ItemPropertyContainerBox) children() []Box    { return ipc.Properties }
func (ipc *ItemPropertyContainerBox) childOffset() int64 { return 0 }
func (ipc *ItemPropertyContainerBox) bodySize() uint64   { return childrenSize(ipc.Properties) }

func (ipc *ItemPropertyContainerBox) writeBody(w *boxWriter) { w.writeBoxes(ipc.Properties) }

// TryGetProperty returns the property at the 1-based index. Index 0 means
// "no property" and, like an out of range index, reports false.
func (ipc *ItemPropertyContainerBox) TryGetProperty(index uint16) (Box, bool) {
	if ipc == nil || index == 0 || int(index) > len(ipc.Properties) {
		return nil, false
	}
	return ipc.Properties[index-1], true
}

// Add appends a property and returns its 1-based index.
func (ipc *ItemPropertyContainerBox) Add(p Box) uint16 {
	ipc.Properties = append(ipc.Properties, p)
	return uint16(len(ipc.Properties))
}

// HEIF: iprp
type ItemPropertiesBox struct {
	Header
	PropertyContainer *ItemPropertyContainerBox
	Associations      []*ItemPropertyAssociation
	Other             []Box
}

func parseItemPropertiesBox(h Header, br *bufReader) (Box, error) {
	ip := &ItemPropertiesBox{
		Header: h,
	}

	var boxes []Box
	if err := br.parseAppendBoxes(&boxes); err != nil {
		return nil, err
	}
	for _, b := range boxes {
		switch v := b.(type) {
		case *ItemPropertyContainerBox:
			if ip.PropertyContainer != nil {
				return nil, &FormatError{Box: v.Type(), Offset: v.Offset, Msg: "duplicate box in iprp"}
			}
			ip.PropertyContainer = v
		case *ItemPropertyAssociation:
			ip.Associations = append(ip.Associations, v)
		default:
			ip.Other = append(ip.Other, b)
		}
	}
	if ip.PropertyContainer == nil && len(ip.Associations) > 0 {
		return nil, &FormatError{Box: h.BoxType, Offset: h.Offset, Msg: "associations without a property container"}
	}
	return ip, nil
}

func (ip *ItemPropertiesBox) Type() BoxType { return boxType("iprp") }

func (ip *ItemPropertiesBox) prepare() error {
	if ip.PropertyContainer == nil {
		return fmt.Errorf("bmff: iprp box lacks an ipco box")
	}
	return nil
}

func (ip *ItemPropertiesBox) children() []Box {
	boxes := []Box{ip.PropertyContainer}
	for _, a := range ip.Associations {
		boxes = append(boxes, a)
	}
	return append(boxes, ip.Other...)
}

func (ip *ItemPropertiesBox) childOffset() int64 { return 0 }

func (ip *ItemPropertiesBox) bodySize() uint64 { return childrenSize(ip.children()) }

func (ip *ItemPropertiesBox) writeBody(w *boxWriter) { w.writeBoxes(ip.children()) }

// Associated returns the properties associated with item id, in order,
// resolved through the property container. Indices that resolve to nothing
// are dropped.
func (ip *ItemPropertiesBox) Associated(id uint32) []AssociatedProperty {
	if ip.PropertyContainer == nil {
		return nil
	}
	var out []AssociatedProperty
	for _, ipa := range ip.Associations {
		for _, ent := range ipa.Entries {
			if ent.ItemID != id {
				continue
			}
			for _, ass := range ent.Associations {
				if p, ok := ip.PropertyContainer.TryGetProperty(ass.Index); ok {
					out = append(out, AssociatedProperty{Box: p, Essential: ass.Essential})
				}
			}
		}
	}
	return out
}

// AssociatedProperty is a property box with its essential flag.
type AssociatedProperty struct {
	Box
	Essential bool
}

// ItemPropertyAssociation is an "ipma" box. Version 1 carries 32-bit item
// IDs; flag 1 selects 15-bit property indices instead of 7-bit ones.
type ItemPropertyAssociation struct {
	FullBox
	EntryCount uint32
	Entries    []ItemPropertyAssociationItem
}

// not a box
type ItemProperty struct {
	Essential bool
	Index     uint16
}

// not a box
type ItemPropertyAssociationItem struct {
	ItemID       uint32
	Associations []ItemProperty
}

func parseItemPropertyAssociation(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 1 {
		return nil, br.failf("unsupported property association version %d", fb.Version)
	}
	ipa := &ItemPropertyAssociation{FullBox: fb}
	count, _ := br.readUint32()
	ipa.EntryCount = count

	for i := uint64(0); i < uint64(count) && br.ok(); i++ {
		var itemID uint32
		if fb.Version < 1 {
			itemID16, _ := br.readUint16()
			itemID = uint32(itemID16)
		} else {
			itemID, _ = br.readUint32()
		}
		assocCount, _ := br.readUint8()
		ipai := ItemPropertyAssociationItem{
			ItemID: itemID,
		}
		for j := 0; j < int(assocCount) && br.ok(); j++ {
			first, _ := br.readUint8()
			essential := first&(1<<7) != 0
			first &^= byte(1 << 7)

			var index uint16
			if fb.Flags&1 != 0 {
				second, _ := br.readUint8()
				index = uint16(first)<<8 | uint16(second)
			} else {
				index = uint16(first)
			}
			ipai.Associations = append(ipai.Associations, ItemProperty{
				Essential: essential,
				Index:     index,
			})
		}
		ipa.Entries = append(ipa.Entries, ipai)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ipa, nil
}

func (ipa *ItemPropertyAssociation) Type() BoxType { return boxType("ipma") }

func (ipa *ItemPropertyAssociation) prepare() error {
	for _, e := range ipa.Entries {
		if len(e.Associations) > 255 {
			return fmt.Errorf("bmff: item %d has %d property associations, at most 255 allowed", e.ItemID, len(e.Associations))
		}
		if e.ItemID > 0xFFFF {
			ipa.Version = 1
		}
		for _, a := range e.Associations {
			if a.Index > 0x7FFF {
				return fmt.Errorf("bmff: item %d: property index %d does not fit 15 bits", e.ItemID, a.Index)
			}
			if a.Index > 0x7F {
				ipa.Flags |= 1
			}
		}
	}
	ipa.EntryCount = uint32(len(ipa.Entries))
	return nil
}

func (ipa *ItemPropertyAssociation) bodySize() uint64 {
	n := uint64(4 + 4)
	idSize, indexSize := uint64(2), uint64(1)
	if ipa.Version >= 1 {
		idSize = 4
	}
	if ipa.Flags&1 != 0 {
		indexSize = 2
	}
	for _, e := range ipa.Entries {
		n += idSize + 1 + indexSize*uint64(len(e.Associations))
	}
	return n
}

func (ipa *ItemPropertyAssociation) writeBody(w *boxWriter) {
	ipa.writeFullBox(w)
	w.writeUint32(ipa.EntryCount)
	for _, e := range ipa.Entries {
		if ipa.Version >= 1 {
			w.writeUint32(e.ItemID)
		} else {
			w.writeUint16(uint16(e.ItemID))
		}
		w.writeUint8(uint8(len(e.Associations)))
		for _, a := range e.Associations {
			var ess uint16
			if a.Essential {
				ess = 1
			}
			if ipa.Flags&1 != 0 {
				w.writeUint16(ess<<15 | a.Index)
			} else {
				w.writeUint8(uint8(ess<<7 | a.Index))
			}
		}
	}
}

// Associate appends a property association for item id.
func (ipa *ItemPropertyAssociation) Associate(id uint32, index uint16, essential bool) {
	for i := range ipa.Entries {
		if ipa.Entries[i].ItemID == id {
			ipa.Entries[i].Associations = append(ipa.Entries[i].Associations, ItemProperty{Essential: essential, Index: index})
			return
		}
	}
	ipa.Entries = append(ipa.Entries, ItemPropertyAssociationItem{
		ItemID:       id,
		Associations: []ItemProperty{{Essential: essential, Index: index}},
	})
}
