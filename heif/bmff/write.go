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
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writing happens in two passes. The first (measure, then place) settles
// versions and field widths, computes every size bottom-up and assigns
// absolute offsets top-down without emitting anything. The second emits the
// bytes. Callers that need to know where a box will land, such as the item
// location writer, run Layout, patch their fields, then Write.

// Size returns the total serialized size of b.
func Size(b Box) (uint64, error) {
	return measure(b)
}

// Layout computes the size of every box and assigns absolute offsets as if
// the boxes were written back to back starting at offset. It returns the
// offset one past the last box.
func Layout(offset int64, boxes ...Box) (int64, error) {
	for _, b := range boxes {
		n, err := measure(b)
		if err != nil {
			return 0, err
		}
		place(b, offset)
		offset += int64(n)
	}
	return offset, nil
}

// Write serializes boxes to w.
func Write(w io.Writer, boxes ...Box) error {
	for _, b := range boxes {
		if _, err := measure(b); err != nil {
			return err
		}
	}
	bw := &boxWriter{w: bufio.NewWriter(w)}
	for _, b := range boxes {
		bw.writeBox(b)
	}
	if bw.err != nil {
		return bw.err
	}
	return bw.w.Flush()
}

// Marshal returns the serialized boxes.
func Marshal(boxes ...Box) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, boxes...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func measure(b Box) (uint64, error) {
	if err := b.prepare(); err != nil {
		return 0, err
	}
	if p, ok := b.(parent); ok {
		for _, c := range p.children() {
			if _, err := measure(c); err != nil {
				return 0, err
			}
		}
	}
	body := b.bodySize()
	h := b.header()
	h.BoxType = b.Type()
	h.HeaderLen = 8
	if h.BoxType == TypeUUID {
		h.HeaderLen += 16
	}
	if h.LargeSize || body+uint64(h.HeaderLen) > math.MaxUint32 {
		h.LargeSize = true
		h.HeaderLen += 8
	}
	h.ExtendsToEnd = false
	h.Size = body + uint64(h.HeaderLen)
	return h.Size, nil
}

func place(b Box, offset int64) {
	h := b.header()
	h.Offset = offset
	if p, ok := b.(parent); ok {
		off := h.DataStart() + p.childOffset()
		for _, c := range p.children() {
			place(c, off)
			off += int64(c.header().Size)
		}
	}
}

// childrenSize sums the measured sizes of boxes.
func childrenSize(boxes []Box) uint64 {
	var n uint64
	for _, b := range boxes {
		n += b.header().Size
	}
	return n
}

// boxWriter is the write-side counterpart of bufReader, with a sticky error.
type boxWriter struct {
	w   *bufio.Writer
	n   int64
	err error
	buf [8]byte
}

func (w *boxWriter) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	w.err = err
}

func (w *boxWriter) writeUint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *boxWriter) writeUint16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *boxWriter) writeUint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *boxWriter) writeUint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

// writeUintN writes v using the given number of bits (0, 8, 16, 32 or 64).
func (w *boxWriter) writeUintN(bits uint8, v uint64) {
	switch bits {
	case 0:
	case 8:
		w.writeUint8(uint8(v))
	case 16:
		w.writeUint16(uint16(v))
	case 32:
		w.writeUint32(uint32(v))
	case 64:
		w.writeUint64(v)
	default:
		if w.err == nil {
			w.err = fmt.Errorf("bmff: invalid uintn write size %d", bits)
		}
	}
}

func (w *boxWriter) writeFourCC(t BoxType) { w.write(t[:]) }

func (w *boxWriter) writeString(s string) {
	w.write([]byte(s))
	w.writeUint8(0)
}

func (w *boxWriter) writeBox(b Box) {
	if w.err != nil {
		return
	}
	h := b.header()
	start := w.n
	if h.LargeSize {
		w.writeUint32(1)
		w.writeFourCC(h.BoxType)
		w.writeUint64(h.Size)
	} else {
		w.writeUint32(uint32(h.Size))
		w.writeFourCC(h.BoxType)
	}
	if h.BoxType == TypeUUID {
		w.write(h.UserType[:])
	}
	b.writeBody(w)
	if w.err == nil && uint64(w.n-start) != h.Size {
		w.err = fmt.Errorf("bmff: %q box wrote %d bytes, measured %d", h.BoxType, w.n-start, h.Size)
	}
}

func (w *boxWriter) writeBoxes(boxes []Box) {
	for _, b := range boxes {
		w.writeBox(b)
	}
}

// fieldSize returns the smallest iloc-style field size, in bytes, that can
// hold v.
func fieldSize(v uint64) uint8 {
	switch {
	case v == 0:
		return 0
	case v <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}
