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
	"errors"
	"fmt"
)

// AlphaAuxType is the auxC type of alpha planes.
const AlphaAuxType = "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha"

type ImageSpatialExtentsProperty struct {
	FullBox
	ImageWidth  uint32
	ImageHeight uint32
}

func parseImageSpatialExtentsProperty(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	w, _ := br.readUint32()
	ht, _ := br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return &ImageSpatialExtentsProperty{
		FullBox:     fb,
		ImageWidth:  w,
		ImageHeight: ht,
	}, nil
}

func (p *ImageSpatialExtentsProperty) Type() BoxType    { return boxType("ispe") }
func (p *ImageSpatialExtentsProperty) prepare() error   { return nil }
func (p *ImageSpatialExtentsProperty) bodySize() uint64 { return 12 }

func (p *ImageSpatialExtentsProperty) writeBody(w *boxWriter) {
	p.writeFullBox(w)
	w.writeUint32(p.ImageWidth)
	w.writeUint32(p.ImageHeight)
}

// ImageRotation is a HEIF "irot" rotation property.
type ImageRotation struct {
	Header
	Angle uint8 // 1 means 90 degrees counter-clockwise, 2 means 180 counter-clockwise
}

func parseImageRotation(h Header, br *bufReader) (Box, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	if v&^3 != 0 {
		return nil, br.failf("reserved bits set in 0x%02x", v)
	}
	return &ImageRotation{Header: h, Angle: v & 3}, nil
}

func (p *ImageRotation) Type() BoxType { return boxType("irot") }

func (p *ImageRotation) prepare() error {
	if p.Angle > 3 {
		return fmt.Errorf("bmff: rotation %d out of range", p.Angle)
	}
	return nil
}

func (p *ImageRotation) bodySize() uint64       { return 1 }
func (p *ImageRotation) writeBody(w *boxWriter) { w.writeUint8(p.Angle) }

// Mirror axes of an ImageMirror.
const (
	MirrorVertical   uint8 = 0 // left and right are swapped
	MirrorHorizontal uint8 = 1 // top and bottom are swapped
)

// ImageMirror is a HEIF "imir" mirror property.
type ImageMirror struct {
	Header
	Mirror uint8
}

func parseImageMirror(h Header, br *bufReader) (Box, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	if v&^1 != 0 {
		return nil, br.failf("reserved bits set in 0x%02x", v)
	}
	return &ImageMirror{Header: h, Mirror: v & 1}, nil
}

func (p *ImageMirror) Type() BoxType { return boxType("imir") }

func (p *ImageMirror) prepare() error {
	if p.Mirror > 1 {
		return fmt.Errorf("bmff: mirror axis %d out of range", p.Mirror)
	}
	return nil
}

func (p *ImageMirror) bodySize() uint64       { return 1 }
func (p *ImageMirror) writeBody(w *boxWriter) { w.writeUint8(p.Mirror) }

// ErrZeroDenominator is returned when a Rational with a zero denominator is
// converted to a number.
var ErrZeroDenominator = errors.New("bmff: rational has a zero denominator")

// Rational is a signed fraction as stored in clap boxes.
type Rational struct {
	Num int32
	Den uint32
}

// Float64 returns the value of r.
func (r Rational) Float64() (float64, error) {
	if r.Den == 0 {
		return 0, ErrZeroDenominator
	}
	return float64(r.Num) / float64(r.Den), nil
}

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// CleanAperture is a "clap" property. Values are kept as stored.
type CleanAperture struct {
	Header
	Width, Height                    Rational
	HorizontalOffset, VerticalOffset Rational
}

func (br *bufReader) readRational() Rational {
	n, _ := br.readUint32()
	d, _ := br.readUint32()
	return Rational{Num: int32(n), Den: d}
}

func parseCleanAperture(h Header, br *bufReader) (Box, error) {
	c := &CleanAperture{Header: h}
	c.Width = br.readRational()
	c.Height = br.readRational()
	c.HorizontalOffset = br.readRational()
	c.VerticalOffset = br.readRational()
	if !br.ok() {
		return nil, br.err
	}
	return c, nil
}

func (c *CleanAperture) Type() BoxType    { return boxType("clap") }
func (c *CleanAperture) prepare() error   { return nil }
func (c *CleanAperture) bodySize() uint64 { return 32 }

func (c *CleanAperture) writeBody(w *boxWriter) {
	for _, r := range []Rational{c.Width, c.Height, c.HorizontalOffset, c.VerticalOffset} {
		w.writeUint32(uint32(r.Num))
		w.writeUint32(r.Den)
	}
}

// PixelAspectRatio is a "pasp" property.
type PixelAspectRatio struct {
	Header
	HSpacing, VSpacing uint32
}

func parsePixelAspectRatio(h Header, br *bufReader) (Box, error) {
	p := &PixelAspectRatio{Header: h}
	p.HSpacing, _ = br.readUint32()
	p.VSpacing, _ = br.readUint32()
	if !br.ok() {
		return nil, br.err
	}
	return p, nil
}

func (p *PixelAspectRatio) Type() BoxType    { return boxType("pasp") }
func (p *PixelAspectRatio) prepare() error   { return nil }
func (p *PixelAspectRatio) bodySize() uint64 { return 8 }

func (p *PixelAspectRatio) writeBody(w *boxWriter) {
	w.writeUint32(p.HSpacing)
	w.writeUint32(p.VSpacing)
}

// Colour types of a colr box.
var (
	ColourNCLX       = BoxType{'n', 'c', 'l', 'x'}
	ColourRestricted = BoxType{'r', 'I', 'C', 'C'}
	ColourProfile    = BoxType{'p', 'r', 'o', 'f'}
)

// ColourInformationBox is a "colr" property: either CICP code points (nclx)
// or an ICC profile.
type ColourInformationBox struct {
	Header
	ColourType BoxType

	// nclx
	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool

	// rICC and prof; any other colour type keeps its raw payload here too.
	ICCProfile []byte
}

func parseColourInformationBox(h Header, br *bufReader) (Box, error) {
	c := &ColourInformationBox{Header: h}
	c.ColourType, _ = br.readFourCC()
	if c.ColourType == ColourNCLX {
		c.ColorPrimaries, _ = br.readUint16()
		c.TransferCharacteristics, _ = br.readUint16()
		c.MatrixCoefficients, _ = br.readUint16()
		b, _ := br.readUint8()
		c.FullRange = b&0x80 != 0
	} else {
		c.ICCProfile = br.rest()
	}
	if !br.ok() {
		return nil, br.err
	}
	return c, nil
}

func (c *ColourInformationBox) Type() BoxType  { return boxType("colr") }
func (c *ColourInformationBox) prepare() error { return nil }

func (c *ColourInformationBox) bodySize() uint64 {
	if c.ColourType == ColourNCLX {
		return 4 + 7
	}
	return 4 + uint64(len(c.ICCProfile))
}

func (c *ColourInformationBox) writeBody(w *boxWriter) {
	w.writeFourCC(c.ColourType)
	if c.ColourType == ColourNCLX {
		w.writeUint16(c.ColorPrimaries)
		w.writeUint16(c.TransferCharacteristics)
		w.writeUint16(c.MatrixCoefficients)
		var b uint8
		if c.FullRange {
			b = 0x80
		}
		w.writeUint8(b)
		return
	}
	w.write(c.ICCProfile)
}

// AuxiliaryTypeProperty is an "auxC" property.
type AuxiliaryTypeProperty struct {
	FullBox
	AuxType    string
	AuxSubtype []byte
}

func parseAuxiliaryTypeProperty(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	a := &AuxiliaryTypeProperty{FullBox: fb}
	a.AuxType, _ = br.readString()
	a.AuxSubtype = br.rest()
	if !br.ok() {
		return nil, br.err
	}
	return a, nil
}

func (a *AuxiliaryTypeProperty) Type() BoxType  { return boxType("auxC") }
func (a *AuxiliaryTypeProperty) prepare() error { return nil }

func (a *AuxiliaryTypeProperty) bodySize() uint64 {
	return 4 + uint64(len(a.AuxType)) + 1 + uint64(len(a.AuxSubtype))
}

func (a *AuxiliaryTypeProperty) writeBody(w *boxWriter) {
	a.writeFullBox(w)
	w.writeString(a.AuxType)
	w.write(a.AuxSubtype)
}

// IsAlpha reports whether the auxiliary image is an alpha plane.
func (a *AuxiliaryTypeProperty) IsAlpha() bool { return a.AuxType == AlphaAuxType }

// PixelInformationProperty is a "pixi" property.
type PixelInformationProperty struct {
	FullBox
	BitsPerChannel []uint8
}

func parsePixelInformationProperty(h Header, br *bufReader) (Box, error) {
	fb, err := readFullBox(h, br)
	if err != nil {
		return nil, err
	}
	p := &PixelInformationProperty{FullBox: fb}
	n, _ := br.readUint8()
	for i := 0; br.ok() && i < int(n); i++ {
		b, _ := br.readUint8()
		p.BitsPerChannel = append(p.BitsPerChannel, b)
	}
	if !br.ok() {
		return nil, br.err
	}
	return p, nil
}

func (p *PixelInformationProperty) Type() BoxType { return boxType("pixi") }

func (p *PixelInformationProperty) prepare() error {
	if len(p.BitsPerChannel) > 255 {
		return fmt.Errorf("bmff: pixi with %d channels", len(p.BitsPerChannel))
	}
	return nil
}

func (p *PixelInformationProperty) bodySize() uint64 { return 4 + 1 + uint64(len(p.BitsPerChannel)) }

func (p *PixelInformationProperty) writeBody(w *boxWriter) {
	p.writeFullBox(w)
	w.writeUint8(uint8(len(p.BitsPerChannel)))
	w.write(p.BitsPerChannel)
}

// OperatingPointSelector is an "a1op" property.
type OperatingPointSelector struct {
	Header
	OpIndex uint8
}

func parseOperatingPointSelector(h Header, br *bufReader) (Box, error) {
	v, err := br.readUint8()
	if err != nil {
		return nil, err
	}
	if v > 31 {
		return nil, br.failf("operating point %d out of range", v)
	}
	return &OperatingPointSelector{Header: h, OpIndex: v}, nil
}

func (p *OperatingPointSelector) Type() BoxType          { return boxType("a1op") }
func (p *OperatingPointSelector) prepare() error         { return nil }
func (p *OperatingPointSelector) bodySize() uint64       { return 1 }
func (p *OperatingPointSelector) writeBody(w *boxWriter) { w.writeUint8(p.OpIndex) }

// LayerSelector is an "lsel" property. LayerID 0xFFFF means all layers.
type LayerSelector struct {
	Header
	LayerID uint16
}

func parseLayerSelector(h Header, br *bufReader) (Box, error) {
	v, err := br.readUint16()
	if err != nil {
		return nil, err
	}
	return &LayerSelector{Header: h, LayerID: v}, nil
}

func (p *LayerSelector) Type() BoxType          { return boxType("lsel") }
func (p *LayerSelector) prepare() error         { return nil }
func (p *LayerSelector) bodySize() uint64       { return 2 }
func (p *LayerSelector) writeBody(w *boxWriter) { w.writeUint16(p.LayerID) }
