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

// ItemInfoEntry represents an "infe" box. Only versions 2 and 3 are
// supported; version 3 carries a 32-bit item ID.
type ItemInfoEntry struct {
	FullBox

	ItemID          uint32
	ProtectionIndex uint16
	ItemType        string // always 4 bytes
	Hidden          bool   // flags bit 0

	Name string

	// If ItemType == "mime":
	ContentType     string
	ContentEncoding string

	// If ItemType == "uri ":
	ItemURIType string
}

func parseItemInfoEntry(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	ie := &ItemInfoEntry{FullBox: fb, Hidden: fb.Flags&1 != 0}
	switch fb.Version {
	case 2:
		id, _ := br.readUint16()
		ie.ItemID = uint32(id)
	case 3:
		ie.ItemID, _ = br.readUint32()
	default:
		return nil, br.failf("unsupported item info entry version %d", fb.Version)
	}
	ie.ProtectionIndex, _ = br.readUint16()
	it, _ := br.readFourCC()
	ie.ItemType = it.String()
	ie.Name, _ = br.readString()

	switch ie.ItemType {
	case "mime":
		ie.ContentType, _ = br.readString()
		if br.anyRemain() {
			ie.ContentEncoding, _ = br.readString()
		}
	case "uri ":
		ie.ItemURIType, _ = br.readString()
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

func (ie *ItemInfoEntry) Type() BoxType { return boxType("infe") }

func (ie *ItemInfoEntry) prepare() error {
	if len(ie.ItemType) != 4 {
		return fmt.Errorf("bmff: item type %q is not 4 bytes", ie.ItemType)
	}
	if ie.ItemID > 0xFFFF {
		ie.Version = 3
	} else if ie.Version < 2 || ie.Version > 3 {
		ie.Version = 2
	}
	ie.Flags &^= 1
	if ie.Hidden {
		ie.Flags |= 1
	}
	return nil
}

func (ie *ItemInfoEntry) bodySize() uint64 {
	n := uint64(4 + 2 + 2 + 4)
	if ie.Version == 3 {
		n += 2
	}
	n += uint64(len(ie.Name)) + 1
	switch ie.ItemType {
	case "mime":
		n += uint64(len(ie.ContentType)) + 1
		if ie.ContentEncoding != "" {
			n += uint64(len(ie.ContentEncoding)) + 1
		}
	case "uri ":
		n += uint64(len(ie.ItemURIType)) + 1
	}
	return n
}

func (ie *ItemInfoEntry) writeBody(w *boxWriter) {
	ie.writeFullBox(w)
	if ie.Version == 3 {
		w.writeUint32(ie.ItemID)
	} else {
		w.writeUint16(uint16(ie.ItemID))
	}
	w.writeUint16(ie.ProtectionIndex)
	w.write([]byte(ie.ItemType))
	w.writeString(ie.Name)
	switch ie.ItemType {
	case "mime":
		w.writeString(ie.ContentType)
		if ie.ContentEncoding != "" {
			w.writeString(ie.ContentEncoding)
		}
	case "uri ":
		w.writeString(ie.ItemURIType)
	}
}

// ItemInfoBox represents an "iinf" box.
type ItemInfoBox struct {
	FullBox
	Count     uint32
	ItemInfos []*ItemInfoEntry
}

func parseItemInfoBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemInfoBox{FullBox: fb}

	if ib.Version >= 1 {
		ib.Count, _ = br.readUint32()
	} else {
		count, _ := br.readUint16()
		ib.Count = uint32(count)
	}

	var itemInfos []Box
	if err := br.parseAppendBoxes(&itemInfos); err != nil {
		return nil, err
	}
	for _, b := range itemInfos {
		if iie, ok := b.(*ItemInfoEntry); ok {
			ib.ItemInfos = append(ib.ItemInfos, iie)
		}
	}
	return ib, nil
}

func (ib *ItemInfoBox) Type() BoxType { return boxType("iinf") }

func (ib *ItemInfoBox) prepare() error {
	ib.Count = uint32(len(ib.ItemInfos))
	if ib.Count > 0xFFFF {
		ib.Version = 1
	}
	return nil
}

func (ib *ItemInfoBox) children() []Box {
	boxes := make([]Box, len(ib.ItemInfos))
	for i, e := range ib.ItemInfos {
		boxes[i] = e
	}
	return boxes
}

func (ib *ItemInfoBox) childOffset() int64 {
	if ib.Version >= 1 {
		return 8
	}
	return 6
}

func (ib *ItemInfoBox) bodySize() uint64 {
	return uint64(ib.childOffset()) + childrenSize(ib.children())
}

func (ib *ItemInfoBox) writeBody(w *boxWriter) {
	ib.writeFullBox(w)
	if ib.Version >= 1 {
		w.writeUint32(ib.Count)
	} else {
		w.writeUint16(uint16(ib.Count))
	}
	w.writeBoxes(ib.children())
}

// Entry returns the entry for item id, or nil.
func (ib *ItemInfoBox) Entry(id uint32) *ItemInfoEntry {
	for _, e := range ib.ItemInfos {
		if e.ItemID == id {
			return e
		}
	}
	return nil
}
