package codec

import (
	"errors"
	"fmt"

	"github.com/jdeng/goavif/heif/bmff"
	"github.com/jdeng/goavif/yuv"
)

// OBU types.
const (
	OBUSequenceHeader       = 1
	OBUTemporalDelimiter    = 2
	OBUFrameHeader          = 3
	OBUTileGroup            = 4
	OBUMetadata             = 5
	OBUFrame                = 6
	OBURedundantFrameHeader = 7
	OBUTileList             = 8
	OBUPadding              = 15
)

var ErrNoSequenceHeader = errors.New("codec: no sequence header OBU")

// OBU is one open bitstream unit in low overhead format.
type OBU struct {
	Type       int
	TemporalID int
	SpatialID  int
	// Raw is the whole unit, header included.
	Raw []byte
	// Payload is the unit body.
	Payload []byte
}

// ReadOBUs splits data into OBUs. A unit without a size field extends to
// the end of data.
func ReadOBUs(data []byte) ([]OBU, error) {
	var obus []OBU
	for off := 0; off < len(data); {
		start := off
		h := data[off]
		if h&0x80 != 0 {
			return nil, fmt.Errorf("codec: forbidden bit set in OBU header at %d", off)
		}
		o := OBU{Type: int(h>>3) & 0xF}
		off++
		if h&0x04 != 0 {
			if off >= len(data) {
				return nil, fmt.Errorf("codec: truncated OBU extension header at %d", start)
			}
			o.TemporalID = int(data[off] >> 5)
			o.SpatialID = int(data[off]>>3) & 3
			off++
		}
		size := uint64(len(data) - off)
		if h&0x02 != 0 {
			n, l, err := leb128(data[off:])
			if err != nil {
				return nil, err
			}
			off += l
			if n > uint64(len(data)-off) {
				return nil, fmt.Errorf("codec: OBU at %d claims %d bytes, %d left", start, n, len(data)-off)
			}
			size = n
		}
		o.Payload = data[off : off+int(size)]
		off += int(size)
		o.Raw = data[start:off]
		obus = append(obus, o)
	}
	return obus, nil
}

func leb128(p []byte) (v uint64, n int, err error) {
	for i := 0; i < 8; i++ {
		if i >= len(p) {
			return 0, 0, errors.New("codec: truncated leb128")
		}
		v |= uint64(p[i]&0x7F) << (7 * i)
		if p[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("codec: leb128 longer than 8 bytes")
}

// SequenceHeader holds the sequence header fields needed to describe a
// coded image in its container.
type SequenceHeader struct {
	Profile            int
	StillPicture       bool
	ReducedStillHeader bool
	LevelIdx0          int
	Tier0              int
	OperatingPoints    int
	MaxWidth           int
	MaxHeight          int

	BitDepth             int
	Monochrome           bool
	SubsamplingX         int
	SubsamplingY         int
	ChromaSamplePosition int
	ColorDescription     bool
	CICP                 yuv.CICP

	// OBU is the raw sequence header unit.
	OBU []byte
}

// ParseSequenceHeader finds and parses the first sequence header OBU of
// data.
func ParseSequenceHeader(data []byte) (*SequenceHeader, error) {
	obus, err := ReadOBUs(data)
	if err != nil {
		return nil, err
	}
	for _, o := range obus {
		if o.Type != OBUSequenceHeader {
			continue
		}
		sh, err := parseSequenceHeader(o.Payload)
		if err != nil {
			return nil, err
		}
		sh.OBU = o.Raw
		return sh, nil
	}
	return nil, ErrNoSequenceHeader
}

func parseSequenceHeader(p []byte) (*SequenceHeader, error) {
	br := &bitReader{buf: p}
	sh := &SequenceHeader{OperatingPoints: 1}
	sh.Profile = br.bits(3)
	sh.StillPicture = br.flag()
	sh.ReducedStillHeader = br.flag()
	if sh.ReducedStillHeader {
		sh.LevelIdx0 = br.bits(5)
	} else {
		var decoderModel bool
		var bufferDelayLen int
		if br.flag() { // timing_info_present_flag
			br.bits(32) // num_units_in_display_tick
			br.bits(32) // time_scale
			if br.flag() {
				br.uvlc() // num_ticks_per_picture_minus_1
			}
			decoderModel = br.flag()
			if decoderModel {
				bufferDelayLen = br.bits(5) + 1
				br.bits(32) // num_units_in_decoding_tick
				br.bits(5)  // buffer_removal_time_length_minus_1
				br.bits(5)  // frame_presentation_time_length_minus_1
			}
		}
		initialDisplayDelay := br.flag()
		sh.OperatingPoints = br.bits(5) + 1
		for i := 0; i < sh.OperatingPoints; i++ {
			br.bits(12) // operating_point_idc
			level := br.bits(5)
			tier := 0
			if level > 7 {
				tier = br.bits(1)
			}
			if i == 0 {
				sh.LevelIdx0, sh.Tier0 = level, tier
			}
			if decoderModel && br.flag() {
				br.bits(bufferDelayLen) // decoder_buffer_delay
				br.bits(bufferDelayLen) // encoder_buffer_delay
				br.bits(1)              // low_delay_mode_flag
			}
			if initialDisplayDelay && br.flag() {
				br.bits(4)
			}
		}
	}

	wBits, hBits := br.bits(4)+1, br.bits(4)+1
	sh.MaxWidth = br.bits(wBits) + 1
	sh.MaxHeight = br.bits(hBits) + 1
	if !sh.ReducedStillHeader && br.flag() { // frame_id_numbers_present_flag
		br.bits(4)
		br.bits(3)
	}
	br.bits(3) // use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter
	if !sh.ReducedStillHeader {
		br.bits(4) // interintra, masked compound, warped motion, dual filter
		orderHint := br.flag()
		if orderHint {
			br.bits(2) // enable_jnt_comp, enable_ref_frame_mvs
		}
		forceScreenContent := 2
		if !br.flag() { // seq_choose_screen_content_tools
			forceScreenContent = br.bits(1)
		}
		if forceScreenContent > 0 && !br.flag() { // seq_choose_integer_mv
			br.bits(1)
		}
		if orderHint {
			br.bits(3)
		}
	}
	br.bits(3) // enable_superres, enable_cdef, enable_restoration

	sh.parseColorConfig(br)
	if br.err != nil {
		return nil, fmt.Errorf("codec: sequence header: %w", br.err)
	}
	return sh, nil
}

func (sh *SequenceHeader) parseColorConfig(br *bitReader) {
	sh.BitDepth = 8
	if br.flag() { // high_bitdepth
		sh.BitDepth = 10
		if sh.Profile == 2 && br.flag() {
			sh.BitDepth = 12
		}
	}
	if sh.Profile != 1 {
		sh.Monochrome = br.flag()
	}
	sh.CICP = yuv.CICP{
		ColorPrimaries:          yuv.PrimariesUnspecified,
		TransferCharacteristics: yuv.TransferUnspecified,
		MatrixCoefficients:      yuv.MatrixUnspecified,
	}
	if sh.ColorDescription = br.flag(); sh.ColorDescription {
		sh.CICP.ColorPrimaries = yuv.ColorPrimaries(br.bits(8))
		sh.CICP.TransferCharacteristics = yuv.TransferCharacteristics(br.bits(8))
		sh.CICP.MatrixCoefficients = yuv.MatrixCoefficients(br.bits(8))
	}
	switch {
	case sh.Monochrome:
		sh.CICP.FullRange = br.flag()
		sh.SubsamplingX, sh.SubsamplingY = 1, 1
		return
	case sh.CICP.ColorPrimaries == yuv.PrimariesBT709 &&
		sh.CICP.TransferCharacteristics == yuv.TransferSRGB &&
		sh.CICP.MatrixCoefficients == yuv.MatrixIdentity:
		sh.CICP.FullRange = true
	default:
		sh.CICP.FullRange = br.flag()
		switch sh.Profile {
		case 0:
			sh.SubsamplingX, sh.SubsamplingY = 1, 1
		case 1:
		default:
			if sh.BitDepth == 12 {
				sh.SubsamplingX = br.bits(1)
				if sh.SubsamplingX == 1 {
					sh.SubsamplingY = br.bits(1)
				}
			} else {
				sh.SubsamplingX = 1
			}
		}
		if sh.SubsamplingX == 1 && sh.SubsamplingY == 1 {
			sh.ChromaSamplePosition = br.bits(2)
		}
	}
	br.bits(1) // separate_uv_delta_q
}

// Subsampling returns the chroma layout.
func (sh *SequenceHeader) Subsampling() yuv.Subsampling {
	switch {
	case sh.Monochrome:
		return yuv.Subsampling400
	case sh.SubsamplingX == 1 && sh.SubsamplingY == 1:
		return yuv.Subsampling420
	case sh.SubsamplingX == 1:
		return yuv.Subsampling422
	}
	return yuv.Subsampling444
}

// AV1Config returns the av1C property describing the sequence.
func (sh *SequenceHeader) AV1Config() *bmff.AV1CodecConfigurationBox {
	return &bmff.AV1CodecConfigurationBox{
		SeqProfile:           uint8(sh.Profile),
		SeqLevelIdx0:         uint8(sh.LevelIdx0),
		SeqTier0:             uint8(sh.Tier0),
		HighBitdepth:         sh.BitDepth > 8,
		TwelveBit:            sh.BitDepth == 12,
		Monochrome:           sh.Monochrome,
		ChromaSubsamplingX:   uint8(sh.SubsamplingX),
		ChromaSubsamplingY:   uint8(sh.SubsamplingY),
		ChromaSamplePosition: uint8(sh.ChromaSamplePosition),
		ConfigOBUs:           append([]byte(nil), sh.OBU...),
	}
}

// bitReader reads big-endian bit fields. The first error sticks.
type bitReader struct {
	buf []byte
	pos int
	err error
}

func (br *bitReader) bits(n int) int {
	if br.err != nil {
		return 0
	}
	if br.pos+n > len(br.buf)*8 {
		br.err = fmt.Errorf("need %d bits at bit %d, have %d", n, br.pos, len(br.buf)*8)
		return 0
	}
	v := 0
	for i := 0; i < n; i++ {
		v = v<<1 | int(br.buf[br.pos>>3]>>(7-uint(br.pos&7)))&1
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool { return br.bits(1) == 1 }

func (br *bitReader) uvlc() int {
	zeros := 0
	for br.err == nil && !br.flag() {
		zeros++
		if zeros >= 32 {
			br.err = errors.New("uvlc too long")
			return 0
		}
	}
	return br.bits(zeros) + (1<<uint(zeros) - 1)
}
