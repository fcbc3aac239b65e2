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
	"bytes"
	"fmt"
	"io"
)

// Item reference types.
var (
	RefDerivedImage       = BoxType{'d', 'i', 'm', 'g'}
	RefAuxiliary          = BoxType{'a', 'u', 'x', 'l'}
	RefPremultipliedAlpha = BoxType{'p', 'r', 'e', 'm'}
	RefContentDescribes   = BoxType{'c', 'd', 's', 'c'}
	RefThumbnail          = BoxType{'t', 'h', 'm', 'b'}
)

// ItemReferenceBox represents an "iref" box.
type ItemReferenceBox struct {
	FullBox
	ItemRefs []*ItemReferenceEntry
}

// ItemReferenceEntry is a SingleItemTypeReferenceBox; its box type is the
// reference type. Item IDs are 32 bits wide when the enclosing iref has
// version 1.
type ItemReferenceEntry struct {
	Header
	ReferenceType BoxType
	FromItemID    uint32
	ToItemIDs     []uint32

	wide bool
}

func parseItemReferenceBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 1 {
		return nil, br.failf("unsupported item reference version %d", fb.Version)
	}
	ib := &ItemReferenceBox{FullBox: fb}

	boxr := &Reader{
		ra:   bytes.NewReader(br.buf),
		base: br.base,
		pos:  br.base + int64(br.off),
		end:  br.base + int64(len(br.buf)),
	}
	for {
		eh, err := boxr.ReadBoxHeader()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		boxr.Skip(eh)
		start := int(eh.DataStart() - br.base)
		ebr := &bufReader{buf: br.buf[start : start+int(eh.DataLength())], base: eh.DataStart(), typ: eh.BoxType}
		ie, err := parseItemReferenceEntry(eh, ebr, ib.Version)
		if err != nil {
			return nil, fmt.Errorf("error parsing ItemReferenceEntry in ItemReferenceBox: %w", err)
		}
		ib.ItemRefs = append(ib.ItemRefs, ie)
	}
	return ib, nil
}

func parseItemReferenceEntry(h Header, br *bufReader, version uint8) (*ItemReferenceEntry, error) {
	ie := &ItemReferenceEntry{Header: h, ReferenceType: h.BoxType, wide: version != 0}
	width := uint8(16)
	if ie.wide {
		width = 32
	}
	from, _ := br.readUintN(width)
	ie.FromItemID = uint32(from)
	count, _ := br.readUint16()
	for i := 0; br.ok() && i < int(count); i++ {
		id, _ := br.readUintN(width)
		ie.ToItemIDs = append(ie.ToItemIDs, uint32(id))
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

func (ib *ItemReferenceBox) Type() BoxType { return boxType("iref") }

func (ib *ItemReferenceBox) prepare() error {
	large := false
	for _, r := range ib.ItemRefs {
		if len(r.ToItemIDs) > 0xFFFF {
			return fmt.Errorf("bmff: %q reference from item %d has %d targets", r.ReferenceType, r.FromItemID, len(r.ToItemIDs))
		}
		if r.FromItemID > 0xFFFF {
			large = true
		}
		for _, id := range r.ToItemIDs {
			if id > 0xFFFF {
				large = true
			}
		}
	}
	if large {
		ib.Version = 1
	}
	for _, r := range ib.ItemRefs {
		r.wide = ib.Version != 0
	}
	return nil
}

func (ib *ItemReferenceBox) children() []Box {
	boxes := make([]Box, len(ib.ItemRefs))
	for i, r := range ib.ItemRefs {
		boxes[i] = r
	}
	return boxes
}

func (ib *ItemReferenceBox) childOffset() int64 { return 4 }

func (ib *ItemReferenceBox) bodySize() uint64 { return 4 + childrenSize(ib.children()) }

func (ib *ItemReferenceBox) writeBody(w *boxWriter) {
	ib.writeFullBox(w)
	w.writeBoxes(ib.children())
}

// EnumerateMatchingReferences returns the references of type typ that
// involve itemID. Derived image references ("dimg") point from the derived
// item to its inputs, so they match on FromItemID; every other type matches
// when itemID is one of the targets.
func (ib *ItemReferenceBox) EnumerateMatchingReferences(itemID uint32, typ BoxType) []*ItemReferenceEntry {
	var out []*ItemReferenceEntry
	for _, r := range ib.ItemRefs {
		if r.ReferenceType != typ {
			continue
		}
		if typ == RefDerivedImage {
			if r.FromItemID == itemID {
				out = append(out, r)
			}
			continue
		}
		for _, id := range r.ToItemIDs {
			if id == itemID {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Add appends a reference of type typ from one item to others.
func (ib *ItemReferenceBox) Add(typ BoxType, from uint32, to ...uint32) *ItemReferenceEntry {
	r := &ItemReferenceEntry{ReferenceType: typ, FromItemID: from, ToItemIDs: to}
	ib.ItemRefs = append(ib.ItemRefs, r)
	return r
}

func (ie *ItemReferenceEntry) Type() BoxType  { return ie.ReferenceType }
func (ie *ItemReferenceEntry) prepare() error { return nil }

func (ie *ItemReferenceEntry) bodySize() uint64 {
	idSize := uint64(2)
	if ie.wide {
		idSize = 4
	}
	return idSize + 2 + idSize*uint64(len(ie.ToItemIDs))
}

func (ie *ItemReferenceEntry) writeBody(w *boxWriter) {
	width := uint8(16)
	if ie.wide {
		width = 32
	}
	w.writeUintN(width, uint64(ie.FromItemID))
	w.writeUint16(uint16(len(ie.ToItemIDs)))
	for _, id := range ie.ToItemIDs {
		w.writeUintN(width, uint64(id))
	}
}
