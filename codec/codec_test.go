package codec

import (
	"errors"
	"testing"

	"github.com/jdeng/goavif/yuv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func (w *bitWriter) bytes() []byte {
	w.put(1, 1) // trailing one bit
	return w.buf
}

func obu(typ int, payload []byte) []byte {
	out := []byte{byte(typ<<3) | 0x02}
	n := len(payload)
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			break
		}
		out = append(out, b|0x80)
	}
	return append(out, payload...)
}

// stillHeader is a reduced still picture header: profile 0, level 8,
// 640x480, 8-bit 4:2:0, BT.709/sRGB/BT.601 full range.
func stillHeader() []byte {
	w := &bitWriter{}
	w.put(0, 3).put(1, 1).put(1, 1).put(8, 5)
	w.put(15, 4).put(15, 4).put(639, 16).put(479, 16)
	w.put(0b011, 3)
	w.put(0b011, 3)
	w.put(0, 1).put(0, 1)                      // high_bitdepth, mono_chrome
	w.put(1, 1).put(1, 8).put(13, 8).put(6, 8) // colour description
	w.put(1, 1).put(0, 2).put(0, 1)            // range, sample position, separate_uv_delta_q
	return w.bytes()
}

func TestParseReducedStillHeader(t *testing.T) {
	data := append(obu(OBUTemporalDelimiter, nil), obu(OBUSequenceHeader, stillHeader())...)
	sh, err := ParseSequenceHeader(data)
	require.NoError(t, err)

	assert.Equal(t, 0, sh.Profile)
	assert.True(t, sh.StillPicture)
	assert.True(t, sh.ReducedStillHeader)
	assert.Equal(t, 8, sh.LevelIdx0)
	assert.Equal(t, 640, sh.MaxWidth)
	assert.Equal(t, 480, sh.MaxHeight)
	assert.Equal(t, 8, sh.BitDepth)
	assert.Equal(t, yuv.Subsampling420, sh.Subsampling())
	assert.Equal(t, yuv.CICP{
		ColorPrimaries:          yuv.PrimariesBT709,
		TransferCharacteristics: yuv.TransferSRGB,
		MatrixCoefficients:      yuv.MatrixBT601,
		FullRange:               true,
	}, sh.CICP)
	assert.Equal(t, data[2:], sh.OBU)

	c := sh.AV1Config()
	assert.Equal(t, uint8(8), c.SeqLevelIdx0)
	assert.Equal(t, 8, c.BitDepth())
	assert.Equal(t, [2]uint8{1, 1}, [2]uint8{c.ChromaSubsamplingX, c.ChromaSubsamplingY})
	assert.Equal(t, sh.OBU, c.ConfigOBUs)
}

func TestParseFullSequenceHeader(t *testing.T) {
	w := &bitWriter{}
	w.put(2, 3).put(0, 1).put(0, 1)
	w.put(1, 1).put(1, 32).put(25, 32).put(1, 1).put(1, 1) // timing info, uvlc 0
	w.put(1, 1).put(9, 5).put(1, 32).put(4, 5).put(4, 5)   // decoder model info
	w.put(1, 1)                                            // initial_display_delay_present_flag
	w.put(1, 5)                                            // two operating points
	w.put(0x101, 12).put(12, 5).put(1, 1)                  // idc, level, tier
	w.put(1, 1).put(100, 10).put(200, 10).put(0, 1)
	w.put(1, 1).put(3, 4)
	w.put(0, 12).put(5, 5).put(0, 1).put(0, 1)
	w.put(10, 4).put(10, 4).put(1023, 11).put(767, 11)
	w.put(1, 1).put(5, 4).put(2, 3) // frame ids
	w.put(0, 3).put(0b1010, 4)
	w.put(1, 1).put(0b11, 2) // order hint
	w.put(0, 1).put(1, 1).put(0, 1).put(1, 1)
	w.put(6, 3)
	w.put(0b001, 3)
	w.put(1, 1).put(1, 1).put(0, 1) // 12-bit, colour
	w.put(0, 1)                     // no colour description
	w.put(0, 1).put(1, 1).put(0, 1) // limited range, 4:2:2
	w.put(0, 1)

	sh, err := ParseSequenceHeader(obu(OBUSequenceHeader, w.bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, sh.Profile)
	assert.Equal(t, 2, sh.OperatingPoints)
	assert.Equal(t, 12, sh.LevelIdx0)
	assert.Equal(t, 1, sh.Tier0)
	assert.Equal(t, 1024, sh.MaxWidth)
	assert.Equal(t, 768, sh.MaxHeight)
	assert.Equal(t, 12, sh.BitDepth)
	assert.Equal(t, yuv.Subsampling422, sh.Subsampling())
	assert.False(t, sh.ColorDescription)
	assert.Equal(t, yuv.MatrixUnspecified, sh.CICP.MatrixCoefficients)
	assert.False(t, sh.CICP.FullRange)

	c := sh.AV1Config()
	assert.Equal(t, 12, c.BitDepth())
	assert.Equal(t, uint8(2), c.SeqProfile)
	assert.Equal(t, uint8(1), c.SeqTier0)
}

func TestParseIdentityHeader(t *testing.T) {
	w := &bitWriter{}
	w.put(1, 3).put(1, 1).put(1, 1).put(4, 5)
	w.put(7, 4).put(7, 4).put(99, 8).put(49, 8)
	w.put(0, 3).put(0, 3)
	w.put(0, 1)                                // 8-bit, profile 1 has no mono_chrome bit
	w.put(1, 1).put(1, 8).put(13, 8).put(0, 8) // sRGB identity implies full range 4:4:4
	w.put(0, 1)

	sh, err := ParseSequenceHeader(obu(OBUSequenceHeader, w.bytes()))
	require.NoError(t, err)
	assert.Equal(t, yuv.Subsampling444, sh.Subsampling())
	assert.Equal(t, yuv.MatrixIdentity, sh.CICP.MatrixCoefficients)
	assert.True(t, sh.CICP.FullRange)
	assert.Equal(t, 100, sh.MaxWidth)
}

func TestParseMonochromeHeader(t *testing.T) {
	w := &bitWriter{}
	w.put(0, 3).put(1, 1).put(1, 1).put(0, 5)
	w.put(3, 4).put(3, 4).put(15, 4).put(15, 4)
	w.put(0, 3).put(0, 3)
	w.put(1, 1).put(1, 1).put(0, 1) // 10-bit mono, no colour description
	w.put(1, 1)                     // full range
	w.put(0, 1)

	sh, err := ParseSequenceHeader(obu(OBUSequenceHeader, w.bytes()))
	require.NoError(t, err)
	assert.Equal(t, 10, sh.BitDepth)
	assert.Equal(t, yuv.Subsampling400, sh.Subsampling())
	assert.True(t, sh.AV1Config().Monochrome)
	assert.True(t, sh.CICP.FullRange)
}

func TestReadOBUs(t *testing.T) {
	data := obu(OBUTemporalDelimiter, nil)
	data = append(data, 0x34|0x02, 0x48, 2, 0xAA, 0xBB) // frame with extension, spatial id 1
	data = append(data, OBUPadding<<3, 1, 2, 3)         // no size field
	obus, err := ReadOBUs(data)
	require.NoError(t, err)
	require.Len(t, obus, 3)
	assert.Equal(t, OBUTemporalDelimiter, obus[0].Type)
	assert.Empty(t, obus[0].Payload)
	assert.Equal(t, OBUFrame, obus[1].Type)
	assert.Equal(t, 2, obus[1].TemporalID)
	assert.Equal(t, 1, obus[1].SpatialID)
	assert.Equal(t, []byte{0xAA, 0xBB}, obus[1].Payload)
	assert.Equal(t, OBUPadding, obus[2].Type)
	assert.Equal(t, []byte{1, 2, 3}, obus[2].Payload)

	_, err = ReadOBUs([]byte{0x80})
	assert.Error(t, err)
	_, err = ReadOBUs([]byte{0x0A, 5, 1})
	assert.Error(t, err)
	_, err = ReadOBUs([]byte{0x0A, 0x80})
	assert.Error(t, err)
}

func TestParseSequenceHeaderErrors(t *testing.T) {
	_, err := ParseSequenceHeader(obu(OBUTemporalDelimiter, nil))
	assert.True(t, errors.Is(err, ErrNoSequenceHeader))

	_, err = ParseSequenceHeader(obu(OBUSequenceHeader, stillHeader()[:4]))
	assert.Error(t, err)
}

type fakeDecoder struct{ cfg DecoderConfig }

func (d *fakeDecoder) Decode([]byte) error            { return nil }
func (d *fakeDecoder) NextFrame() (*yuv.Image, error) { return nil, nil }
func (d *fakeDecoder) Close() error                   { return nil }

type fakeEncoder struct{ cfg EncoderConfig }

func (e *fakeEncoder) Encode(*yuv.Image) error    { return nil }
func (e *fakeEncoder) NextPacket() (Packet, bool) { return Packet{}, false }
func (e *fakeEncoder) Close() error               { return nil }

func TestRegistry(t *testing.T) {
	RegisterDecoder("fake", func(cfg DecoderConfig) (Decoder, error) { return &fakeDecoder{cfg}, nil })
	RegisterDecoder("broken", func(DecoderConfig) (Decoder, error) { return nil, ErrCodecInit })
	RegisterEncoder("fake", func(cfg EncoderConfig) (Encoder, error) { return &fakeEncoder{cfg}, nil })

	assert.Contains(t, Decoders(), "fake")
	assert.Contains(t, Encoders(), "fake")

	d, err := NewDecoder("fake", DecoderConfig{OperatingPoint: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, d.(*fakeDecoder).cfg.OperatingPoint)

	_, err = NewDecoder("broken", DecoderConfig{})
	assert.True(t, errors.Is(err, ErrCodecInit))
	assert.Contains(t, err.Error(), "broken")

	_, err = NewDecoder("missing", DecoderConfig{})
	assert.True(t, errors.Is(err, ErrNoCodec))

	e, err := NewEncoder("", EncoderConfig{Threads: 500})
	require.NoError(t, err)
	assert.Equal(t, MaxThreads, e.(*fakeEncoder).cfg.Threads)
	e, err = NewEncoder("fake", EncoderConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.(*fakeEncoder).cfg.Threads)
}

func TestProfile(t *testing.T) {
	for _, tc := range []struct {
		depth int
		s     yuv.Subsampling
		want  int
	}{
		{8, yuv.Subsampling420, 0},
		{10, yuv.Subsampling400, 0},
		{8, yuv.Subsampling444, 1},
		{10, yuv.Subsampling422, 2},
		{12, yuv.Subsampling420, 2},
	} {
		c := EncoderConfig{BitDepth: tc.depth, Subsampling: tc.s}
		assert.Equal(t, tc.want, c.Profile(), "%d-bit %v", tc.depth, tc.s)
	}
}
