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

// Package bmff reads and writes ISO BMFF boxes, as used by HEIF and AVIF.
//
// This is not so much a generic BMFF library as it is one as needed by
// AVIF still images: the box set is closed, and boxes without an explicit
// parser are kept as opaque *UnknownBox values carrying their raw body.
//
// This package makes no API compatibility promises; it exists
// primarily for use by the goavif/heif package.
package bmff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeSkip = BoxType{'s', 'k', 'i', 'p'}
	TypeUUID = BoxType{'u', 'u', 'i', 'd'}
)

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see https://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

// Uint32 returns the type code as a big-endian integer.
func (t BoxType) Uint32() uint32 { return binary.BigEndian.Uint32(t[:]) }

func boxType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

// maxBodySize caps how much of a non-mdat box is read into memory.
const maxBodySize = 200 << 20

// Header is the common part of every box: where it lives and how big it is.
//
// For boxes that were read, the fields describe the source bytes. For boxes
// being written, Layout and Write fill them in.
type Header struct {
	BoxType  BoxType
	UserType uuid.UUID // only for "uuid" boxes

	Size      uint64 // total size, header included
	Offset    int64  // absolute offset of the first header byte
	HeaderLen int64

	ExtendsToEnd bool // size field was 0
	LargeSize    bool // size field was (or must be) 64 bits
}

func (h *Header) header() *Header { return h }

// DataStart returns the absolute offset of the box body.
func (h *Header) DataStart() int64 { return h.Offset + h.HeaderLen }

// DataLength returns the number of body bytes.
func (h *Header) DataLength() int64 { return int64(h.Size) - h.HeaderLen }

// End returns the absolute offset one past the last byte of the box.
func (h *Header) End() int64 { return h.Offset + int64(h.Size) }

// Box represents a BMFF box.
//
// The set of implementations is closed; boxes of unknown type are
// represented by *UnknownBox.
type Box interface {
	Type() BoxType

	header() *Header

	// prepare settles version, flags and field widths before sizing.
	prepare() error
	bodySize() uint64
	writeBody(w *boxWriter)
}

// parent is implemented by boxes whose body ends with child boxes.
type parent interface {
	children() []Box
	// childOffset is the number of body bytes before the first child.
	childOffset() int64
}

// HeaderOf returns the header of b.
func HeaderOf(b Box) *Header { return b.header() }

// FullBox is the header of boxes carrying a version and 24 bits of flags.
type FullBox struct {
	Header
	Version uint8
	Flags   uint32 // 24 bits
}

func readFullBox(h Header, br *bufReader) (fb FullBox, err error) {
	fb.Header = h
	v, err := br.readUint32()
	if err != nil {
		return FullBox{}, err
	}
	fb.Version = uint8(v >> 24)
	fb.Flags = v & 0xFFFFFF
	return fb, nil
}

func (fb *FullBox) writeFullBox(w *boxWriter) {
	w.writeUint32(uint32(fb.Version)<<24 | fb.Flags&0xFFFFFF)
}

type parserFunc func(h Header, br *bufReader) (Box, error)

var parsers map[BoxType]parserFunc

func init() {
	parsers = map[BoxType]parserFunc{
		boxType("auxC"): parseAuxiliaryTypeProperty,
		boxType("av1C"): parseAV1CodecConfigurationBox,
		boxType("a1op"): parseOperatingPointSelector,
		boxType("clap"): parseCleanAperture,
		boxType("colr"): parseColourInformationBox,
		boxType("dinf"): parseDataInformationBox,
		boxType("dref"): parseDataReferenceBox,
		boxType("free"): parseFreeSpaceBox,
		boxType("ftyp"): parseFileTypeBox,
		boxType("hdlr"): parseHandlerBox,
		boxType("idat"): parseItemDataBox,
		boxType("iinf"): parseItemInfoBox,
		boxType("iloc"): parseItemLocationBox,
		boxType("imir"): parseImageMirror,
		boxType("infe"): parseItemInfoEntry,
		boxType("ipco"): parseItemPropertyContainerBox,
		boxType("ipma"): parseItemPropertyAssociation,
		boxType("iprp"): parseItemPropertiesBox,
		boxType("iref"): parseItemReferenceBox,
		boxType("irot"): parseImageRotation,
		boxType("ispe"): parseImageSpatialExtentsProperty,
		boxType("lsel"): parseLayerSelector,
		boxType("meta"): parseMetaBox,
		boxType("pasp"): parsePixelAspectRatio,
		boxType("pitm"): parsePrimaryItemBox,
		boxType("pixi"): parsePixelInformationProperty,
		boxType("skip"): parseFreeSpaceBox,
		boxType("url "): parseDataEntryURLBox,
	}
}

// Reader reads consecutive boxes from the range [start, end) of an io.ReaderAt.
type Reader struct {
	ra   io.ReaderAt
	base int64 // absolute offset of ra's byte 0
	pos  int64
	end  int64
}

// NewReader returns a Reader over the boxes in [start, end) of ra.
func NewReader(ra io.ReaderAt, start, end int64) *Reader {
	return &Reader{ra: ra, pos: start, end: end}
}

// Pos returns the absolute offset of the next box header.
func (r *Reader) Pos() int64 { return r.pos }

func (r *Reader) readAt(p []byte, off int64) error {
	n, err := r.ra.ReadAt(p, off-r.base)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ReadBoxHeader reads the header of the next box without advancing.
//
// At the end of the range, the error is io.EOF. The caller must call Skip
// (or use ReadBox) to move to the next box.
func (r *Reader) ReadBoxHeader() (Header, error) {
	if r.pos >= r.end {
		return Header{}, io.EOF
	}
	h := Header{Offset: r.pos}
	if r.end-r.pos < 8 {
		return Header{}, &FormatError{Offset: r.pos, Msg: fmt.Sprintf("%d trailing bytes are too short for a box header", r.end-r.pos)}
	}
	var buf [16]byte
	if err := r.readAt(buf[:8], r.pos); err != nil {
		if err == io.ErrUnexpectedEOF && r.isUnboundedEOF() {
			return Header{}, io.EOF
		}
		return Header{}, err
	}
	size := uint64(binary.BigEndian.Uint32(buf[:4]))
	copy(h.BoxType[:], buf[4:8])
	h.HeaderLen = 8

	switch size {
	case 1:
		if r.end-r.pos < 16 {
			return Header{}, &FormatError{Box: h.BoxType, Offset: r.pos, Msg: "truncated 64-bit size"}
		}
		if err := r.readAt(buf[:8], r.pos+8); err != nil {
			return Header{}, err
		}
		size = binary.BigEndian.Uint64(buf[:8])
		if size > math.MaxInt64 {
			// BMFF uses uint64 for sizes; nobody has boxes that large.
			return Header{}, &FormatError{Box: h.BoxType, Offset: r.pos, Msg: fmt.Sprintf("unexpectedly large box size %d", size)}
		}
		h.LargeSize = true
		h.HeaderLen = 16
	case 0:
		size = uint64(r.end - r.pos)
		h.ExtendsToEnd = true
	}

	if h.BoxType == TypeUUID {
		h.HeaderLen += 16
	}
	h.Size = size
	if size < uint64(h.HeaderLen) {
		return Header{}, &FormatError{Box: h.BoxType, Offset: r.pos, Msg: fmt.Sprintf("size %d is smaller than its %d byte header", size, h.HeaderLen)}
	}
	if size > uint64(r.end-r.pos) {
		return Header{}, &FormatError{Box: h.BoxType, Offset: r.pos, Msg: fmt.Sprintf("size %d overruns the enclosing range ending at %d", size, r.end)}
	}
	if h.BoxType == TypeUUID {
		if err := r.readAt(h.UserType[:], r.pos+h.HeaderLen-16); err != nil {
			return Header{}, err
		}
	}
	return h, nil
}

// isUnboundedEOF reports whether the reader ran off the end of its
// ReaderAt exactly at a box boundary, which happens when the range end is
// only an upper estimate.
func (r *Reader) isUnboundedEOF() bool {
	var b [1]byte
	n, _ := r.ra.ReadAt(b[:], r.pos-r.base)
	return n == 0
}

// Skip moves the reader to the end of the box described by h.
func (r *Reader) Skip(h Header) { r.pos = h.End() }

// ReadBox reads and parses the next box, leaving the reader at the box's
// declared end regardless of how much of it the parser consumed.
//
// mdat bodies are not loaded; the returned *MediaDataBox only carries its
// header. At the end, the error is io.EOF.
func (r *Reader) ReadBox() (Box, error) {
	h, err := r.ReadBoxHeader()
	if err != nil {
		return nil, err
	}
	r.pos = h.End()
	if h.BoxType == TypeMdat {
		return &MediaDataBox{Header: h}, nil
	}
	if h.DataLength() > maxBodySize {
		return nil, &FormatError{Box: h.BoxType, Offset: h.Offset, Msg: fmt.Sprintf("body of %d bytes exceeds threshold of %d bytes", h.DataLength(), maxBodySize)}
	}
	body := make([]byte, h.DataLength())
	if err := r.readAt(body, h.DataStart()); err != nil {
		return nil, fmt.Errorf("bmff: reading %q body: %w", h.BoxType, err)
	}
	br := &bufReader{buf: body, base: h.DataStart(), typ: h.BoxType}
	parser, ok := parsers[h.BoxType]
	if !ok {
		return &UnknownBox{Header: h, Data: body}, nil
	}
	return parser(h, br)
}

// ReadAndParseBox wraps the ReadBox method, ensuring that the read box is of type typ
// and parses successfully. It returns the parsed box.
func (r *Reader) ReadAndParseBox(typ BoxType) (Box, error) {
	box, err := r.ReadBox()
	if err != nil {
		return nil, fmt.Errorf("error reading %q box: %w", typ, err)
	}
	if box.Type() != typ {
		return nil, &FormatError{Box: box.Type(), Offset: box.header().Offset, Msg: fmt.Sprintf("expected a %q box", typ)}
	}
	return box, nil
}

// ReadAll reads every remaining box of the range.
func (r *Reader) ReadAll() ([]Box, error) {
	var boxes []Box
	for {
		b, err := r.ReadBox()
		if err == io.EOF {
			return boxes, nil
		}
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
}

// UnknownBox is a box without a dedicated parser. Its body is kept verbatim.
type UnknownBox struct {
	Header
	Data []byte
}

func (b *UnknownBox) Type() BoxType          { return b.BoxType }
func (b *UnknownBox) prepare() error         { return nil }
func (b *UnknownBox) bodySize() uint64       { return uint64(len(b.Data)) }
func (b *UnknownBox) writeBody(w *boxWriter) { w.write(b.Data) }

// NewUUIDBox returns a "uuid" box with the given user type and payload.
func NewUUIDBox(userType uuid.UUID, data []byte) *UnknownBox {
	return &UnknownBox{Header: Header{BoxType: TypeUUID, UserType: userType}, Data: data}
}

// FreeSpaceBox is a "free" or "skip" box.
type FreeSpaceBox struct {
	Header
	Data []byte
}

func parseFreeSpaceBox(h Header, br *bufReader) (Box, error) {
	return &FreeSpaceBox{Header: h, Data: br.rest()}, nil
}

func (b *FreeSpaceBox) Type() BoxType {
	if b.BoxType == TypeSkip {
		return TypeSkip
	}
	return TypeFree
}
func (b *FreeSpaceBox) prepare() error         { return nil }
func (b *FreeSpaceBox) bodySize() uint64       { return uint64(len(b.Data)) }
func (b *FreeSpaceBox) writeBody(w *boxWriter) { w.write(b.Data) }

// MediaDataBox is an "mdat" box.
//
// When read, Data is nil and the payload is addressed through the header.
type MediaDataBox struct {
	Header
	Data []byte
}

func (b *MediaDataBox) Type() BoxType          { return TypeMdat }
func (b *MediaDataBox) prepare() error         { return nil }
func (b *MediaDataBox) bodySize() uint64       { return uint64(len(b.Data)) }
func (b *MediaDataBox) writeBody(w *boxWriter) { w.write(b.Data) }

// parseAppendBoxes parses the remaining bytes of br as a sequence of boxes.
func (br *bufReader) parseAppendBoxes(dst *[]Box) error {
	if br.err != nil {
		return br.err
	}
	boxr := &Reader{
		ra:   bytes.NewReader(br.buf),
		base: br.base,
		pos:  br.base + int64(br.off),
		end:  br.base + int64(len(br.buf)),
	}
	for {
		inner, err := boxr.ReadBox()
		if err == io.EOF {
			br.off = len(br.buf)
			return nil
		}
		if err != nil {
			br.err = err
			return err
		}
		*dst = append(*dst, inner)
	}
}

// bufReader adds some HEIF/BMFF-specific methods around a box body.
type bufReader struct {
	buf  []byte
	off  int
	base int64 // absolute offset of buf[0]
	typ  BoxType
	err  error // sticky error
}

// ok reports whether all previous reads have been error-free.
func (br *bufReader) ok() bool { return br.err == nil }

func (br *bufReader) anyRemain() bool {
	return br.err == nil && br.off < len(br.buf)
}

func (br *bufReader) remaining() int { return len(br.buf) - br.off }

func (br *bufReader) failf(format string, args ...interface{}) error {
	if br.err == nil {
		br.err = &FormatError{Box: br.typ, Offset: br.base + int64(br.off), Msg: fmt.Sprintf(format, args...)}
	}
	return br.err
}

func (br *bufReader) take(n int) ([]byte, error) {
	if br.err != nil {
		return nil, br.err
	}
	if n < 0 || n > len(br.buf)-br.off {
		return nil, br.failf("need %d bytes, %d remain", n, len(br.buf)-br.off)
	}
	b := br.buf[br.off : br.off+n]
	br.off += n
	return b, nil
}

func (br *bufReader) readUintN(bits uint8) (uint64, error) {
	if br.err != nil {
		return 0, br.err
	}
	switch bits {
	case 0:
		return 0, nil
	case 8:
		v, err := br.readUint8()
		return uint64(v), err
	case 16:
		v, err := br.readUint16()
		return uint64(v), err
	case 32:
		v, err := br.readUint32()
		return uint64(v), err
	case 64:
		return br.readUint64()
	default:
		return 0, br.failf("invalid uintn read size %d", bits)
	}
}

func (br *bufReader) readUint8() (uint8, error) {
	b, err := br.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (br *bufReader) readUint16() (uint16, error) {
	b, err := br.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (br *bufReader) readUint32() (uint32, error) {
	b, err := br.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (br *bufReader) readUint64() (uint64, error) {
	b, err := br.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (br *bufReader) readFourCC() (BoxType, error) {
	var t BoxType
	b, err := br.take(4)
	if err != nil {
		return t, err
	}
	copy(t[:], b)
	return t, nil
}

// readString reads a null-terminated string. A string running to the end of
// the box without a terminator is accepted; some writers omit it.
func (br *bufReader) readString() (string, error) {
	if br.err != nil {
		return "", br.err
	}
	rest := br.buf[br.off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		br.off += i + 1
		return string(rest[:i]), nil
	}
	br.off = len(br.buf)
	return string(rest), nil
}

// rest returns a copy of the unread bytes.
func (br *bufReader) rest() []byte {
	if br.err != nil {
		return nil
	}
	b := append([]byte(nil), br.buf[br.off:]...)
	br.off = len(br.buf)
	return b
}

// ErrFormat matches every *FormatError with errors.Is.
var ErrFormat = errors.New("bmff: malformed box")

// FormatError reports malformed box data.
type FormatError struct {
	Box    BoxType // zero when the type is not yet known
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	if e.Box == (BoxType{}) {
		return fmt.Sprintf("bmff: at offset %d: %s", e.Offset, e.Msg)
	}
	return fmt.Sprintf("bmff: %q box at offset %d: %s", e.Box, e.Offset, e.Msg)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }
