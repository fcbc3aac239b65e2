package main

import (
	"errors"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/jdeng/goavif/heif"
	"github.com/sirupsen/logrus"
)

type fileSummary struct {
	MajorBrand string        `json:"major_brand"`
	Brands     []string      `json:"brands"`
	Primary    uint32        `json:"primary"`
	Items      []itemSummary `json:"items"`
	Problems   []string      `json:"problems,omitempty"`
}

type itemSummary struct {
	ID          uint32              `json:"id"`
	Type        string              `json:"type"`
	Name        string              `json:"name,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Hidden      bool                `json:"hidden,omitempty"`
	Size        uint64              `json:"size"`
	Construct   uint8               `json:"construction_method"`
	Properties  []string            `json:"properties"`
	References  map[string][]uint32 `json:"references,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// inspect returns what avifdump prints for one file: the parsed meta box
// in raw mode, a summary otherwise.
func inspect(r io.ReaderAt, cfg *Config) (any, error) {
	hf := heif.Open(r)
	meta, err := hf.Meta()
	if err != nil {
		return nil, err
	}
	if cfg.Raw {
		return meta, nil
	}
	s, err := summarize(hf)
	if err != nil {
		return nil, err
	}
	if cfg.Validate {
		if err := hf.Validate(); err != nil {
			s.Problems = problems(err)
			logrus.WithField("count", len(s.Problems)).Warn("file has structural errors")
		}
	}
	return s, nil
}

func summarize(hf *heif.File) (*fileSummary, error) {
	ft, err := hf.FileType()
	if err != nil {
		return nil, err
	}
	s := &fileSummary{MajorBrand: ft.MajorBrand, Brands: ft.Compatible}
	if prim, err := hf.PrimaryItem(); err == nil {
		s.Primary = prim.ID
	} else {
		logrus.WithError(err).Warn("no primary item")
	}

	items, err := hf.Items()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		is := itemSummary{
			ID:          it.ID,
			Type:        it.Type(),
			Name:        it.Info.Name,
			ContentType: it.Info.ContentType,
			Hidden:      it.Info.Hidden,
			Properties:  []string{},
		}
		if it.Location != nil {
			is.Size = it.Location.TotalLength()
			is.Construct = it.Location.ConstructionMethod
		}
		for _, p := range it.Properties {
			is.Properties = append(is.Properties, p.Type().String())
		}
		is.Width, is.Height, _ = it.SpatialExtents()
		for _, ref := range it.References {
			if is.References == nil {
				is.References = make(map[string][]uint32)
			}
			typ := ref.ReferenceType.String()
			is.References[typ] = append(is.References[typ], ref.ToItemIDs...)
		}
		s.Items = append(s.Items, is)
	}
	return s, nil
}

// problems flattens a validation error into one line per problem.
func problems(err error) []string {
	var me *multierror.Error
	if errors.As(err, &me) {
		out := make([]string, 0, len(me.Errors))
		for _, e := range me.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
