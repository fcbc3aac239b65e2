package goavif

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jdeng/goavif/codec"
	"github.com/jdeng/goavif/yuv"
)

// The fake codec keeps frames in memory. A coded frame is a sequence
// header OBU followed by a frame OBU holding the key of the stored image.

var frames = struct {
	sync.Mutex
	next   uint64
	images map[uint64]*yuv.Image

	encodersOpened, encodersClosed int
	flushes                        int
}{images: make(map[uint64]*yuv.Image)}

func storeFrame(img *yuv.Image) uint64 {
	frames.Lock()
	defer frames.Unlock()
	frames.next++
	frames.images[frames.next] = img
	return frames.next
}

func resetCounters() {
	frames.Lock()
	defer frames.Unlock()
	frames.encodersOpened, frames.encodersClosed, frames.flushes = 0, 0, 0
}

type bitWriter struct {
	buf []byte
	n   int
}

func (w *bitWriter) put(v uint64, bits int) *bitWriter {
	for i := bits - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.n%8)
		}
		w.n++
	}
	return w
}

func obu(typ int, payload []byte) []byte {
	out := []byte{byte(typ<<3) | 0x02}
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

// sequenceHeader is a reduced still picture header for an 8-bit 4:2:0
// frame of the given size.
func sequenceHeader(width, height int) []byte {
	w := &bitWriter{}
	w.put(0, 3).put(1, 1).put(1, 1).put(8, 5)
	w.put(15, 4).put(15, 4).put(uint64(width-1), 16).put(uint64(height-1), 16)
	w.put(0, 3).put(0, 3)
	w.put(0, 1).put(0, 1).put(0, 1) // high_bitdepth, mono_chrome, color_description_present
	w.put(1, 1).put(0, 2).put(0, 1) // range, sample position, separate_uv_delta_q
	w.put(1, 1)                     // trailing bit
	return w.buf
}

// fakePayload codes a stored frame.
func fakePayload(img *yuv.Image) []byte {
	key := binary.BigEndian.AppendUint64(nil, storeFrame(img))
	return append(obu(codec.OBUSequenceHeader, sequenceHeader(img.Width, img.Height)), obu(codec.OBUFrame, key)...)
}

type fakeEncoder struct {
	delayed bool // packets only come out on flush
	empty   bool // no packets at all

	pending []codec.Packet
	held    *yuv.Image
}

func (e *fakeEncoder) Encode(img *yuv.Image) error {
	if img == nil {
		frames.Lock()
		frames.flushes++
		frames.Unlock()
		if e.held != nil && !e.empty {
			e.pending = append(e.pending, codec.Packet{Data: fakePayload(e.held), KeyFrame: true})
			e.held = nil
		}
		return nil
	}
	if e.delayed || e.empty {
		e.held = img
		return nil
	}
	e.pending = append(e.pending, codec.Packet{Data: fakePayload(img), KeyFrame: true})
	return nil
}

func (e *fakeEncoder) NextPacket() (codec.Packet, bool) {
	if len(e.pending) == 0 {
		return codec.Packet{}, false
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	return p, true
}

func (e *fakeEncoder) Close() error {
	frames.Lock()
	frames.encodersClosed++
	frames.Unlock()
	return nil
}

type fakeDecoder struct {
	out []*yuv.Image
}

func (d *fakeDecoder) Decode(data []byte) error {
	obus, err := codec.ReadOBUs(data)
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrDecodeFailed, err)
	}
	for _, o := range obus {
		if o.Type != codec.OBUFrame || len(o.Payload) != 8 {
			continue
		}
		frames.Lock()
		img, ok := frames.images[binary.BigEndian.Uint64(o.Payload)]
		frames.Unlock()
		if !ok {
			return fmt.Errorf("%w: unknown frame", codec.ErrDecodeFailed)
		}
		d.out = append(d.out, img)
	}
	return nil
}

func (d *fakeDecoder) NextFrame() (*yuv.Image, error) {
	if len(d.out) == 0 {
		return nil, nil
	}
	img := d.out[0]
	d.out = d.out[1:]
	return img, nil
}

func (d *fakeDecoder) Close() error { return nil }

func newFakeEncoder(delayed, empty bool) codec.EncoderFactory {
	return func(cfg codec.EncoderConfig) (codec.Encoder, error) {
		frames.Lock()
		frames.encodersOpened++
		frames.Unlock()
		return &fakeEncoder{delayed: delayed, empty: empty}, nil
	}
}

func init() {
	codec.RegisterDecoder("fake", func(codec.DecoderConfig) (codec.Decoder, error) { return &fakeDecoder{}, nil })
	codec.RegisterEncoder("fake", newFakeEncoder(false, false))
	codec.RegisterEncoder("fake-delayed", newFakeEncoder(true, false))
	codec.RegisterEncoder("fake-empty", newFakeEncoder(false, true))
}
