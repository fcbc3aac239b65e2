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

// Construction methods of an item location entry.
const (
	ConstructionFileOffset uint8 = 0
	ConstructionIdatOffset uint8 = 1
	ConstructionItemOffset uint8 = 2
)

type OffsetLength struct {
	Index          uint64 // only with a non-zero IndexSize
	Offset, Length uint64
}

// not a box
type ItemLocationBoxEntry struct {
	ItemID             uint32
	ConstructionMethod uint8 // actually uint4
	DataReferenceIndex uint16
	BaseOffset         uint64
	Extents            []OffsetLength
}

// TotalLength returns the sum of the extent lengths.
func (e *ItemLocationBoxEntry) TotalLength() uint64 {
	var n uint64
	for _, ex := range e.Extents {
		n += ex.Length
	}
	return n
}

// box "iloc"
//
// The four field sizes are in bytes and each one of 0, 4 or 8. When writing,
// a size smaller than what the values need is raised; a larger one is kept,
// so a writer can reserve room for offsets that are not known yet.
type ItemLocationBox struct {
	FullBox

	OffsetSize, LengthSize, BaseOffsetSize, IndexSize uint8 // actually uint4

	Items []ItemLocationBoxEntry
}

func validFieldSize(n uint8) bool { return n == 0 || n == 4 || n == 8 }

func parseItemLocationBox(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 2 {
		return nil, br.failf("unsupported item location version %d", fb.Version)
	}
	ilb := &ItemLocationBox{
		FullBox: fb,
	}
	b0, _ := br.readUint8()
	b1, _ := br.readUint8()
	ilb.OffsetSize = b0 >> 4
	ilb.LengthSize = b0 & 15
	ilb.BaseOffsetSize = b1 >> 4
	if fb.Version > 0 {
		ilb.IndexSize = b1 & 15
	}
	for _, n := range []uint8{ilb.OffsetSize, ilb.LengthSize, ilb.BaseOffsetSize, ilb.IndexSize} {
		if !validFieldSize(n) {
			return nil, br.failf("invalid field size %d", n)
		}
	}

	var count uint32
	if fb.Version < 2 {
		c, _ := br.readUint16()
		count = uint32(c)
	} else {
		count, _ = br.readUint32()
	}

	for i := uint32(0); br.ok() && i < count; i++ {
		var ent ItemLocationBoxEntry
		if fb.Version < 2 {
			id, _ := br.readUint16()
			ent.ItemID = uint32(id)
		} else {
			ent.ItemID, _ = br.readUint32()
		}
		if fb.Version > 0 {
			cmeth, _ := br.readUint16()
			ent.ConstructionMethod = byte(cmeth & 15)
		}
		ent.DataReferenceIndex, _ = br.readUint16()
		ent.BaseOffset, _ = br.readUintN(ilb.BaseOffsetSize * 8)
		extentCount, _ := br.readUint16()
		for j := 0; br.ok() && j < int(extentCount); j++ {
			var ol OffsetLength
			if fb.Version > 0 {
				ol.Index, _ = br.readUintN(ilb.IndexSize * 8)
			}
			ol.Offset, _ = br.readUintN(ilb.OffsetSize * 8)
			ol.Length, _ = br.readUintN(ilb.LengthSize * 8)
			ent.Extents = append(ent.Extents, ol)
		}
		ilb.Items = append(ilb.Items, ent)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ilb, nil
}

func (ilb *ItemLocationBox) Type() BoxType { return boxType("iloc") }

func (ilb *ItemLocationBox) prepare() error {
	for _, n := range []uint8{ilb.OffsetSize, ilb.LengthSize, ilb.BaseOffsetSize, ilb.IndexSize} {
		if !validFieldSize(n) {
			return fmt.Errorf("bmff: invalid iloc field size %d", n)
		}
	}
	var maxID, maxOff, maxLen, maxBase, maxIndex uint64
	needV1 := false
	for _, e := range ilb.Items {
		if uint64(e.ItemID) > maxID {
			maxID = uint64(e.ItemID)
		}
		if e.BaseOffset > maxBase {
			maxBase = e.BaseOffset
		}
		if e.ConstructionMethod > 15 {
			return fmt.Errorf("bmff: item %d: invalid construction method %d", e.ItemID, e.ConstructionMethod)
		}
		if e.ConstructionMethod != 0 {
			needV1 = true
		}
		if len(e.Extents) > 0xFFFF {
			return fmt.Errorf("bmff: item %d has %d extents", e.ItemID, len(e.Extents))
		}
		for _, ex := range e.Extents {
			maxOff = max(maxOff, ex.Offset)
			maxLen = max(maxLen, ex.Length)
			maxIndex = max(maxIndex, ex.Index)
		}
	}
	ilb.OffsetSize = max(ilb.OffsetSize, fieldSize(maxOff))
	ilb.LengthSize = max(ilb.LengthSize, fieldSize(maxLen))
	ilb.BaseOffsetSize = max(ilb.BaseOffsetSize, fieldSize(maxBase))
	ilb.IndexSize = max(ilb.IndexSize, fieldSize(maxIndex))
	if ilb.IndexSize > 0 {
		needV1 = true
	}

	switch {
	case maxID > 0xFFFF || len(ilb.Items) > 0xFFFF:
		ilb.Version = 2
	case needV1 && ilb.Version < 1:
		ilb.Version = 1
	}
	return nil
}

func (ilb *ItemLocationBox) bodySize() uint64 {
	v := ilb.Version
	n := uint64(4 + 2)
	idSize := uint64(2)
	if v < 2 {
		n += 2
	} else {
		n += 4
		idSize = 4
	}
	for _, e := range ilb.Items {
		n += idSize
		if v > 0 {
			n += 2
		}
		n += 2 + uint64(ilb.BaseOffsetSize) + 2
		per := uint64(ilb.OffsetSize) + uint64(ilb.LengthSize)
		if v > 0 {
			per += uint64(ilb.IndexSize)
		}
		n += per * uint64(len(e.Extents))
	}
	return n
}

func (ilb *ItemLocationBox) writeBody(w *boxWriter) {
	ilb.writeFullBox(w)
	v := ilb.Version
	w.writeUint8(ilb.OffsetSize<<4 | ilb.LengthSize)
	if v > 0 {
		w.writeUint8(ilb.BaseOffsetSize<<4 | ilb.IndexSize)
	} else {
		w.writeUint8(ilb.BaseOffsetSize << 4)
	}
	if v < 2 {
		w.writeUint16(uint16(len(ilb.Items)))
	} else {
		w.writeUint32(uint32(len(ilb.Items)))
	}
	for _, e := range ilb.Items {
		if v < 2 {
			w.writeUint16(uint16(e.ItemID))
		} else {
			w.writeUint32(e.ItemID)
		}
		if v > 0 {
			w.writeUint16(uint16(e.ConstructionMethod))
		}
		w.writeUint16(e.DataReferenceIndex)
		w.writeUintN(ilb.BaseOffsetSize*8, e.BaseOffset)
		w.writeUint16(uint16(len(e.Extents)))
		for _, ex := range e.Extents {
			if v > 0 {
				w.writeUintN(ilb.IndexSize*8, ex.Index)
			}
			w.writeUintN(ilb.OffsetSize*8, ex.Offset)
			w.writeUintN(ilb.LengthSize*8, ex.Length)
		}
	}
}

// Entry returns the location of item id, or nil.
func (ilb *ItemLocationBox) Entry(id uint32) *ItemLocationBoxEntry {
	for i := range ilb.Items {
		if ilb.Items[i].ItemID == id {
			return &ilb.Items[i]
		}
	}
	return nil
}
