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

// AV1CodecConfigurationBox is an "av1C" property holding the
// AV1CodecConfigurationRecord.
type AV1CodecConfigurationBox struct {
	Header

	SeqProfile                       uint8 // 3 bits
	SeqLevelIdx0                     uint8 // 5 bits
	SeqTier0                         uint8 // 1 bit
	HighBitdepth                     bool
	TwelveBit                        bool
	Monochrome                       bool
	ChromaSubsamplingX               uint8 // 1 bit
	ChromaSubsamplingY               uint8 // 1 bit
	ChromaSamplePosition             uint8 // 2 bits
	InitialPresentationDelayPresent  bool
	InitialPresentationDelayMinusOne uint8 // 4 bits

	ConfigOBUs []byte
}

func parseAV1CodecConfigurationBox(h Header, br *bufReader) (Box, error) {
	c := &AV1CodecConfigurationBox{Header: h}

	// marker (1 bit) + version (7 bits)
	b0, _ := br.readUint8()
	// seq_profile (3 bits) + seq_level_idx_0 (5 bits)
	b1, _ := br.readUint8()
	// seq_tier_0, high_bitdepth, twelve_bit, monochrome,
	// chroma_subsampling_x, chroma_subsampling_y, chroma_sample_position (2 bits)
	b2, _ := br.readUint8()
	// reserved (3 bits) + initial_presentation_delay_present + 4 bits
	b3, _ := br.readUint8()
	if !br.ok() {
		return nil, br.err
	}
	if b0>>7 != 1 || b0&0x7F != 1 {
		return nil, br.failf("unsupported marker/version byte 0x%02x", b0)
	}
	c.SeqProfile = b1 >> 5
	c.SeqLevelIdx0 = b1 & 0x1F
	c.SeqTier0 = b2 >> 7
	c.HighBitdepth = b2&(1<<6) != 0
	c.TwelveBit = b2&(1<<5) != 0
	c.Monochrome = b2&(1<<4) != 0
	c.ChromaSubsamplingX = (b2 >> 3) & 1
	c.ChromaSubsamplingY = (b2 >> 2) & 1
	c.ChromaSamplePosition = b2 & 3
	c.InitialPresentationDelayPresent = b3&(1<<4) != 0
	if c.InitialPresentationDelayPresent {
		c.InitialPresentationDelayMinusOne = b3 & 0x0F
	}
	c.ConfigOBUs = br.rest()
	return c, nil
}

func (c *AV1CodecConfigurationBox) Type() BoxType  { return boxType("av1C") }
func (c *AV1CodecConfigurationBox) prepare() error { return nil }

func (c *AV1CodecConfigurationBox) bodySize() uint64 { return 4 + uint64(len(c.ConfigOBUs)) }

func (c *AV1CodecConfigurationBox) writeBody(w *boxWriter) {
	w.writeUint8(0x81)
	w.writeUint8(c.SeqProfile<<5 | c.SeqLevelIdx0&0x1F)
	b2 := c.SeqTier0<<7 | (c.ChromaSubsamplingX&1)<<3 | (c.ChromaSubsamplingY&1)<<2 | c.ChromaSamplePosition&3
	if c.HighBitdepth {
		b2 |= 1 << 6
	}
	if c.TwelveBit {
		b2 |= 1 << 5
	}
	if c.Monochrome {
		b2 |= 1 << 4
	}
	w.writeUint8(b2)
	var b3 uint8
	if c.InitialPresentationDelayPresent {
		b3 = 1<<4 | c.InitialPresentationDelayMinusOne&0x0F
	}
	w.writeUint8(b3)
	w.write(c.ConfigOBUs)
}

// BitDepth returns the sample bit depth signalled by the record.
func (c *AV1CodecConfigurationBox) BitDepth() int {
	switch {
	case c.HighBitdepth && c.TwelveBit:
		return 12
	case c.HighBitdepth:
		return 10
	default:
		return 8
	}
}
