package bmff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawBox builds a box with a 32-bit size field around body.
func rawBox(typ string, body ...[]byte) []byte {
	b := bytes.Join(body, nil)
	out := make([]byte, 8, 8+len(b))
	binary.BigEndian.PutUint32(out, uint32(8+len(b)))
	copy(out[4:], typ)
	return append(out, b...)
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func readAll(t *testing.T, data []byte) []Box {
	t.Helper()
	boxes, err := NewReader(bytes.NewReader(data), 0, int64(len(data))).ReadAll()
	require.NoError(t, err)
	return boxes
}

func TestReadBoxHeader(t *testing.T) {
	data := append(rawBox("free", []byte{1, 2, 3}), rawBox("skip")...)
	r := NewReader(bytes.NewReader(data), 0, int64(len(data)))

	h, err := r.ReadBoxHeader()
	require.NoError(t, err)
	assert.Equal(t, TypeFree, h.BoxType)
	assert.EqualValues(t, 11, h.Size)
	assert.EqualValues(t, 8, h.DataStart())
	assert.EqualValues(t, 3, h.DataLength())
	assert.EqualValues(t, 11, h.End())
	r.Skip(h)

	h, err = r.ReadBoxHeader()
	require.NoError(t, err)
	assert.Equal(t, TypeSkip, h.BoxType)
	assert.EqualValues(t, 11, h.Offset)
	r.Skip(h)

	_, err = r.ReadBoxHeader()
	assert.Equal(t, io.EOF, err)
}

func TestReadBoxHeaderLargeSize(t *testing.T) {
	var data []byte
	data = append(data, u32(1)...)
	data = append(data, "free"...)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 20)
	data = append(data, 9, 9, 9, 9)

	r := NewReader(bytes.NewReader(data), 0, int64(len(data)))
	h, err := r.ReadBoxHeader()
	require.NoError(t, err)
	assert.True(t, h.LargeSize)
	assert.EqualValues(t, 16, h.HeaderLen)
	assert.EqualValues(t, 4, h.DataLength())
}

func TestReadBoxHeaderExtendsToEnd(t *testing.T) {
	data := append(u32(0), "mdat"...)
	data = append(data, make([]byte, 100)...)
	r := NewReader(bytes.NewReader(data), 0, int64(len(data)))
	h, err := r.ReadBoxHeader()
	require.NoError(t, err)
	assert.True(t, h.ExtendsToEnd)
	assert.EqualValues(t, len(data), h.Size)
	assert.EqualValues(t, len(data), h.End())
}

func TestReadBoxHeaderUUID(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	b := NewUUIDBox(id, []byte("payload"))
	data, err := Marshal(b)
	require.NoError(t, err)
	assert.Len(t, data, 8+16+7)

	boxes := readAll(t, data)
	require.Len(t, boxes, 1)
	got := boxes[0].(*UnknownBox)
	assert.Equal(t, id, got.UserType)
	assert.Equal(t, []byte("payload"), got.Data)
}

func TestReadBoxHeaderMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"size smaller than header", append(u32(4), "free"...)},
		{"size overruns bound", append(u32(64), "free"...)},
		{"truncated header", []byte{0, 0, 0}},
		{"truncated large size", append(u32(1), "free"...)},
		{"large size smaller than header", append(append(u32(1), "free"...), 0, 0, 0, 0, 0, 0, 0, 8)},
		{"large size beyond int64", append(append(u32(1), "free"...), 0xFF, 0, 0, 0, 0, 0, 0, 0)},
		{"uuid size smaller than user type", append(append(u32(20), "uuid"...), make([]byte, 12)...)},
		{"truncated uuid", append(u32(24), "uuid"...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(tt.data), 0, int64(len(tt.data)))
			_, err := r.ReadBoxHeader()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
		})
	}
}

func TestChildOverrunsParent(t *testing.T) {
	// ispe declares 40 bytes inside an ipco whose body holds 20.
	child := append(u32(40), "ispe"...)
	child = append(child, make([]byte, 12)...)
	data := rawBox("ipco", child)
	_, err := NewReader(bytes.NewReader(data), 0, int64(len(data))).ReadBox()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestResyncToDeclaredEnd(t *testing.T) {
	// An ispe with 5 trailing bytes, followed by an irot.
	ispe := rawBox("ispe", u32(0), u32(640), u32(480), []byte{1, 2, 3, 4, 5})
	irot := rawBox("irot", []byte{1})
	data := rawBox("ipco", ispe, irot)

	boxes := readAll(t, data)
	require.Len(t, boxes, 1)
	ipco := boxes[0].(*ItemPropertyContainerBox)
	require.Len(t, ipco.Properties, 2)
	ext := ipco.Properties[0].(*ImageSpatialExtentsProperty)
	assert.EqualValues(t, 640, ext.ImageWidth)
	assert.EqualValues(t, 480, ext.ImageHeight)
	assert.EqualValues(t, 1, ipco.Properties[1].(*ImageRotation).Angle)
}

func TestUnknownBoxesKeepPropertyIndices(t *testing.T) {
	data := rawBox("ipco", rawBox("zzzz", []byte{7}), rawBox("irot", []byte{2}))
	boxes := readAll(t, data)
	ipco := boxes[0].(*ItemPropertyContainerBox)

	p, ok := ipco.TryGetProperty(1)
	require.True(t, ok)
	assert.Equal(t, boxType("zzzz"), p.Type())
	p, ok = ipco.TryGetProperty(2)
	require.True(t, ok)
	assert.EqualValues(t, 2, p.(*ImageRotation).Angle)

	_, ok = ipco.TryGetProperty(0)
	assert.False(t, ok)
	_, ok = ipco.TryGetProperty(3)
	assert.False(t, ok)
}

func TestFileTypeRoundTrip(t *testing.T) {
	ft := &FileTypeBox{MajorBrand: "avif", Compatible: []string{"mif1", "avif", "miaf"}}
	data, err := Marshal(ft)
	require.NoError(t, err)
	_, err = Layout(0, ft)
	require.NoError(t, err)

	boxes := readAll(t, data)
	require.Len(t, boxes, 1)
	assert.Equal(t, ft, boxes[0])
	assert.NoError(t, boxes[0].(*FileTypeBox).CheckCompatibility())
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name       string
		major      string
		compatible []string
		want       error
	}{
		{"avif", "avif", []string{"mif1", "miaf"}, nil},
		{"avif compatible", "mif1", []string{"avif"}, nil},
		{"sequence major", "avis", []string{"avif", "mif1"}, ErrSequenceNotSupported},
		{"sequence compatible", "avif", []string{"avis"}, ErrSequenceNotSupported},
		{"heic", "heic", []string{"mif1", "heic"}, ErrNotAVIFCompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &FileTypeBox{MajorBrand: tt.major, Compatible: tt.compatible}
			assert.Equal(t, tt.want, ft.CheckCompatibility())
		})
	}
}

func testMeta(maxID uint32) *MetaBox {
	ipco := &ItemPropertyContainerBox{}
	ispe := ipco.Add(&ImageSpatialExtentsProperty{ImageWidth: 64, ImageHeight: 48})
	av1c := ipco.Add(&AV1CodecConfigurationBox{SeqProfile: 1, SeqLevelIdx0: 8, HighBitdepth: true, ConfigOBUs: []byte{0x0A, 0x01, 0x00}})
	colr := ipco.Add(&ColourInformationBox{ColourType: ColourNCLX, ColorPrimaries: 1, TransferCharacteristics: 13, MatrixCoefficients: 6, FullRange: true})
	pixi := ipco.Add(&PixelInformationProperty{BitsPerChannel: []uint8{10, 10, 10}})
	auxc := ipco.Add(&AuxiliaryTypeProperty{AuxType: AlphaAuxType})
	irot := ipco.Add(&ImageRotation{Angle: 3})
	imir := ipco.Add(&ImageMirror{Mirror: MirrorHorizontal})
	clap := ipco.Add(&CleanAperture{Width: Rational{60, 1}, Height: Rational{40, 1}, HorizontalOffset: Rational{-2, 2}, VerticalOffset: Rational{0, 1}})
	pasp := ipco.Add(&PixelAspectRatio{HSpacing: 1, VSpacing: 1})
	icc := ipco.Add(&ColourInformationBox{ColourType: ColourProfile, ICCProfile: []byte("fake icc")})

	ipma := &ItemPropertyAssociation{}
	for _, idx := range []uint16{ispe, av1c, colr, icc, pixi, irot, imir, clap, pasp} {
		ipma.Associate(1, idx, idx == av1c)
	}
	ipma.Associate(maxID, ispe, false)
	ipma.Associate(maxID, av1c, true)
	ipma.Associate(maxID, auxc, false)

	iref := &ItemReferenceBox{}
	iref.Add(RefAuxiliary, maxID, 1)

	return &MetaBox{
		Handler:     &HandlerBox{HandlerType: "pict"},
		PrimaryItem: &PrimaryItemBox{ItemID: 1},
		DataInfo:    NewDataInformationBox(),
		ItemLocation: &ItemLocationBox{
			OffsetSize: 4,
			LengthSize: 4,
			Items: []ItemLocationBoxEntry{
				{ItemID: 1, Extents: []OffsetLength{{Offset: 1000, Length: 300}, {Offset: 2000, Length: 10}}},
				{ItemID: maxID, ConstructionMethod: ConstructionIdatOffset, Extents: []OffsetLength{{Offset: 0, Length: 4}}},
			},
		},
		ItemInfo: &ItemInfoBox{ItemInfos: []*ItemInfoEntry{
			{ItemID: 1, ItemType: "av01", Name: "Color"},
			{ItemID: maxID, ItemType: "av01", Name: "Alpha", Hidden: true},
			{ItemID: 3, ItemType: "mime", ContentType: "application/rdf+xml"},
		}},
		ItemReference: iref,
		Properties:    &ItemPropertiesBox{PropertyContainer: ipco, Associations: []*ItemPropertyAssociation{ipma}},
		ItemData:      &ItemDataBox{Data: []byte{1, 2, 3, 4}},
	}
}

func TestMetaRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name  string
		maxID uint32
		wide  bool
	}{
		{"16-bit ids", 2, false},
		{"32-bit ids", 70000, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			meta := testMeta(tt.maxID)
			data, err := Marshal(meta)
			require.NoError(t, err)
			_, err = Layout(0, meta)
			require.NoError(t, err)

			boxes := readAll(t, data)
			require.Len(t, boxes, 1)
			got := boxes[0].(*MetaBox)
			assert.Equal(t, meta, got)

			if tt.wide {
				assert.EqualValues(t, 2, got.ItemLocation.Version)
				assert.EqualValues(t, 3, got.ItemInfo.ItemInfos[1].Version)
				assert.EqualValues(t, 1, got.ItemReference.Version)
				assert.EqualValues(t, 1, got.Properties.Associations[0].Version)
			} else {
				assert.EqualValues(t, 1, got.ItemLocation.Version)
				assert.EqualValues(t, 2, got.ItemInfo.ItemInfos[1].Version)
				assert.EqualValues(t, 0, got.ItemReference.Version)
				assert.EqualValues(t, 0, got.Properties.Associations[0].Version)
			}
			assert.True(t, got.ItemInfo.ItemInfos[1].Hidden)
			assert.EqualValues(t, 310, got.ItemLocation.Entry(1).TotalLength())
		})
	}
}

func TestItemLocationIDWidth(t *testing.T) {
	for _, tt := range []struct {
		id      uint32
		version uint8
		size    int
	}{
		{65535, 0, 8 + 4 + 2 + 2 + (2 + 2 + 2 + 8)},
		{65536, 2, 8 + 4 + 2 + 4 + (4 + 2 + 2 + 2 + 8)},
	} {
		ilb := &ItemLocationBox{Items: []ItemLocationBoxEntry{{ItemID: tt.id, Extents: []OffsetLength{{Offset: 16, Length: 32}}}}}
		data, err := Marshal(ilb)
		require.NoError(t, err)
		assert.Len(t, data, tt.size, "id %d", tt.id)
		assert.Equal(t, tt.version, data[8], "id %d", tt.id)

		boxes := readAll(t, data)
		got := boxes[0].(*ItemLocationBox)
		assert.Equal(t, tt.id, got.Items[0].ItemID)
		assert.EqualValues(t, 16, got.Items[0].Extents[0].Offset)
	}
}

func TestItemLocationFieldSizes(t *testing.T) {
	ilb := &ItemLocationBox{Items: []ItemLocationBoxEntry{{ItemID: 1, Extents: []OffsetLength{{Offset: 1 << 33, Length: 5}}}}}
	_, err := Marshal(ilb)
	require.NoError(t, err)
	assert.EqualValues(t, 8, ilb.OffsetSize)
	assert.EqualValues(t, 4, ilb.LengthSize)
	assert.EqualValues(t, 0, ilb.BaseOffsetSize)

	bad := rawBox("iloc", u32(0), []byte{0x35, 0x00, 0, 0})
	_, err = NewReader(bytes.NewReader(bad), 0, int64(len(bad))).ReadBox()
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestPropertyAssociationIndexWidth(t *testing.T) {
	for _, tt := range []struct {
		index uint16
		large bool
	}{
		{127, false},
		{128, true},
	} {
		ipma := &ItemPropertyAssociation{}
		ipma.Associate(1, tt.index, true)
		data, err := Marshal(ipma)
		require.NoError(t, err)

		flags := binary.BigEndian.Uint32(data[8:12]) & 0xFFFFFF
		if tt.large {
			assert.EqualValues(t, 1, flags)
			assert.Len(t, data, 8+4+4+2+1+2)
		} else {
			assert.EqualValues(t, 0, flags)
			assert.Len(t, data, 8+4+4+2+1+1)
		}

		got := readAll(t, data)[0].(*ItemPropertyAssociation)
		require.Len(t, got.Entries, 1)
		assert.Equal(t, []ItemProperty{{Essential: true, Index: tt.index}}, got.Entries[0].Associations)
	}
}

func TestPropertyAssociationLimits(t *testing.T) {
	ipma := &ItemPropertyAssociation{}
	for i := 0; i < 256; i++ {
		ipma.Associate(1, uint16(i+1), false)
	}
	_, err := Marshal(ipma)
	assert.Error(t, err)

	ipma = &ItemPropertyAssociation{}
	ipma.Associate(1, 0x8000, false)
	_, err = Marshal(ipma)
	assert.Error(t, err)
}

func TestEnumerateMatchingReferences(t *testing.T) {
	iref := &ItemReferenceBox{}
	grid := iref.Add(RefDerivedImage, 5, 10, 11)
	alpha := iref.Add(RefAuxiliary, 10, 5)
	iref.Add(RefContentDescribes, 7, 1)

	assert.Equal(t, []*ItemReferenceEntry{grid}, iref.EnumerateMatchingReferences(5, RefDerivedImage))
	assert.Equal(t, []*ItemReferenceEntry{alpha}, iref.EnumerateMatchingReferences(5, RefAuxiliary))

	// dimg never matches on the target side, auxl never on the source side.
	assert.Empty(t, iref.EnumerateMatchingReferences(10, RefDerivedImage))
	assert.Empty(t, iref.EnumerateMatchingReferences(10, RefAuxiliary))
}

func TestItemInfoEntryVersions(t *testing.T) {
	body := [][]byte{{1, 0, 0, 0}, {0, 1}, {0, 0}, []byte("av01"), {0}}
	data := rawBox("infe", body...)
	_, err := NewReader(bytes.NewReader(data), 0, int64(len(data))).ReadBox()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))

	body[0] = []byte{2, 0, 0, 1}
	data = rawBox("infe", body...)
	got := readAll(t, data)[0].(*ItemInfoEntry)
	assert.True(t, got.Hidden)
	assert.EqualValues(t, 1, got.ItemID)
	assert.Equal(t, "av01", got.ItemType)
}

func TestReservedBits(t *testing.T) {
	for _, data := range [][]byte{
		rawBox("irot", []byte{0x04}),
		rawBox("imir", []byte{0x02}),
	} {
		_, err := NewReader(bytes.NewReader(data), 0, int64(len(data))).ReadBox()
		assert.True(t, errors.Is(err, ErrFormat), "%q: %v", data[4:8], err)
	}
}

func TestDuplicateMetaChild(t *testing.T) {
	hdlr := rawBox("hdlr", u32(0), u32(0), []byte("pict"), make([]byte, 12), []byte{0})
	data := rawBox("meta", u32(0), hdlr, hdlr)
	_, err := NewReader(bytes.NewReader(data), 0, int64(len(data))).ReadBox()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestUnknownMetaChildSkipped(t *testing.T) {
	hdlr := rawBox("hdlr", u32(0), u32(0), []byte("pict"), make([]byte, 12), []byte{0})
	data := rawBox("meta", u32(0), rawBox("grpl"), hdlr)
	got := readAll(t, data)[0].(*MetaBox)
	assert.Equal(t, "pict", got.Handler.HandlerType)
	require.Len(t, got.Other, 1)
	assert.Equal(t, boxType("grpl"), got.Other[0].Type())
}

func TestRational(t *testing.T) {
	v, err := Rational{Num: -3, Den: 2}.Float64()
	require.NoError(t, err)
	assert.Equal(t, -1.5, v)

	_, err = Rational{Num: 1}.Float64()
	assert.Equal(t, ErrZeroDenominator, err)
}

func TestLargeSizeWrite(t *testing.T) {
	b := &FreeSpaceBox{Header: Header{LargeSize: true}, Data: []byte{1, 2}}
	data, err := Marshal(b)
	require.NoError(t, err)
	require.Len(t, data, 18)
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(data))

	got := readAll(t, data)[0].(*FreeSpaceBox)
	assert.True(t, got.LargeSize)
	assert.Equal(t, []byte{1, 2}, got.Data)
}

func TestLayoutOffsets(t *testing.T) {
	ft := &FileTypeBox{MajorBrand: "avif", Compatible: []string{"mif1"}}
	meta := testMeta(2)
	mdat := &MediaDataBox{Data: make([]byte, 10)}
	end, err := Layout(0, ft, meta, mdat)
	require.NoError(t, err)

	assert.EqualValues(t, 20, meta.Offset)
	assert.Equal(t, meta.End(), mdat.Offset)
	assert.Equal(t, mdat.End(), end)
	assert.Equal(t, meta.DataStart()+4, meta.Handler.Offset)

	data, err := Marshal(ft, meta, mdat)
	require.NoError(t, err)
	assert.EqualValues(t, end, len(data))

	boxes := readAll(t, data)
	require.Len(t, boxes, 3)
	assert.Equal(t, mdat.Offset, boxes[2].(*MediaDataBox).Offset)
}
