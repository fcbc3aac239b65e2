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

package heif

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks the cross references between the metadata boxes of an
// AVIF still image and reports every problem it finds.
func (f *File) Validate() error {
	meta, err := f.getMeta()
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := meta.FileType.CheckCompatibility(); err != nil {
		result = multierror.Append(result, err)
	}
	if meta.Handler == nil || meta.Handler.HandlerType != "pict" {
		result = multierror.Append(result, fmt.Errorf("heif: missing pict handler"))
	}
	if meta.ItemInfo == nil {
		result = multierror.Append(result, fmt.Errorf("heif: missing item info box"))
		return result.ErrorOrNil()
	}
	known := make(map[uint32]bool, len(meta.ItemInfo.ItemInfos))
	for _, e := range meta.ItemInfo.ItemInfos {
		if known[e.ItemID] {
			result = multierror.Append(result, fmt.Errorf("heif: duplicate item %d", e.ItemID))
		}
		known[e.ItemID] = true
	}
	if meta.PrimaryItem == nil {
		result = multierror.Append(result, fmt.Errorf("heif: missing primary item box"))
	} else if !known[meta.PrimaryItem.ItemID] {
		result = multierror.Append(result, fmt.Errorf("heif: primary item %d has no item info", meta.PrimaryItem.ItemID))
	}

	if meta.Properties != nil {
		for _, ipma := range meta.Properties.Associations {
			for _, e := range ipma.Entries {
				if !known[e.ItemID] {
					result = multierror.Append(result, fmt.Errorf("heif: properties associated with unknown item %d", e.ItemID))
				}
				for _, a := range e.Associations {
					if a.Index == 0 {
						continue
					}
					if _, ok := meta.Properties.PropertyContainer.TryGetProperty(a.Index); !ok {
						result = multierror.Append(result, fmt.Errorf("heif: item %d: property index %d out of range", e.ItemID, a.Index))
					}
				}
			}
		}
	}
	if meta.ItemReference != nil {
		for _, r := range meta.ItemReference.ItemRefs {
			for _, id := range append([]uint32{r.FromItemID}, r.ToItemIDs...) {
				if !known[id] {
					result = multierror.Append(result, fmt.Errorf("heif: %s reference names unknown item %d", r.ReferenceType, id))
				}
			}
		}
	}

	for _, e := range meta.ItemInfo.ItemInfos {
		if e.ItemType != ItemTypeAV1 && e.ItemType != ItemTypeGrid {
			continue
		}
		it, err := f.ItemByID(e.ItemID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if it.Location == nil {
			result = multierror.Append(result, fmt.Errorf("heif: item %d has no location", it.ID))
		}
		if _, _, ok := it.SpatialExtents(); !ok {
			result = multierror.Append(result, fmt.Errorf("heif: item %d has no ispe property", it.ID))
		}
		switch it.Type() {
		case ItemTypeAV1:
			if _, ok := it.AV1Config(); !ok {
				result = multierror.Append(result, fmt.Errorf("heif: item %d has no av1C property", it.ID))
			}
		case ItemTypeGrid:
			if err := f.validateGrid(it); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (f *File) validateGrid(it *Item) error {
	if it.Location == nil {
		return nil
	}
	g, err := f.Grid(it)
	if err != nil {
		return err
	}
	tiles, err := f.GridTiles(it)
	if err != nil {
		return err
	}
	if len(tiles) != g.Rows*g.Columns {
		return fmt.Errorf("heif: grid item %d has %d tiles for %dx%d cells", it.ID, len(tiles), g.Columns, g.Rows)
	}
	for _, t := range tiles {
		if t.Type() != ItemTypeAV1 {
			return fmt.Errorf("heif: grid item %d: tile %d is %q", it.ID, t.ID, t.Type())
		}
		if _, ok := t.AV1Config(); !ok {
			return fmt.Errorf("heif: grid tile %d has no av1C property", t.ID)
		}
	}
	return nil
}
