package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-multierror"
	"github.com/jdeng/goavif/heif"
	"github.com/jdeng/goavif/heif/bmff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T) *bytes.Reader {
	t.Helper()
	b := heif.NewBuilder()
	color := b.AddItem(heif.ItemTypeAV1, "Color", []byte("color"))
	require.NoError(t, b.AddProperty(color, &bmff.ImageSpatialExtentsProperty{ImageWidth: 16, ImageHeight: 8}, false))
	require.NoError(t, b.AddProperty(color, &bmff.AV1CodecConfigurationBox{SeqLevelIdx0: 8}, true))
	xmp := b.AddMimeItem(heif.ContentTypeXMP, []byte("<x/>"))
	b.AddReference(bmff.RefContentDescribes, xmp, color)
	b.SetPrimary(color)

	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)
	return bytes.NewReader(buf.Bytes())
}

func TestSummarize(t *testing.T) {
	v, err := inspect(sample(t), &Config{})
	require.NoError(t, err)
	s := v.(*fileSummary)

	assert.Equal(t, bmff.BrandAVIF, s.MajorBrand)
	assert.Equal(t, uint32(1), s.Primary)
	require.Len(t, s.Items, 2)
	assert.Equal(t, itemSummary{
		ID:         1,
		Type:       "av01",
		Name:       "Color",
		Size:       5,
		Properties: []string{"ispe", "av1C"},
		Width:      16,
		Height:     8,
	}, s.Items[0])
	assert.Equal(t, heif.ContentTypeXMP, s.Items[1].ContentType)
	assert.Equal(t, map[string][]uint32{"cdsc": {1}}, s.Items[1].References)
}

func TestDumpFormats(t *testing.T) {
	v, err := inspect(sample(t), &Config{})
	require.NoError(t, err)

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	require.NoError(t, enc.Encode(v))
	assert.Contains(t, out.String(), `"major_brand":"avif"`)
	assert.True(t, strings.Contains(spew.Sdump(v), "fileSummary"))

	raw, err := inspect(sample(t), &Config{Raw: true})
	require.NoError(t, err)
	assert.IsType(t, &heif.BoxMeta{}, raw)
}

func TestInspectNotAVIF(t *testing.T) {
	_, err := inspect(bytes.NewReader([]byte("\x00\x00\x00\x08free")), &Config{})
	assert.ErrorIs(t, err, bmff.ErrFormat)
}

func TestProblems(t *testing.T) {
	err := multierror.Append(errors.New("one"), errors.New("two"))
	assert.Equal(t, []string{"one", "two"}, problems(err))
	assert.Equal(t, []string{"single"}, problems(errors.New("single")))
}
