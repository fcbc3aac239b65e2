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
	"encoding/binary"
	"fmt"
)

// ImageGrid is the payload of a "grid" derived image item.
type ImageGrid struct {
	Rows, Columns int // 1 to 256
	OutputWidth   uint32
	OutputHeight  uint32
}

// ParseImageGrid parses a grid item payload.
func ParseImageGrid(data []byte) (*ImageGrid, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("heif: grid payload of %d bytes is too short", len(data))
	}
	if version := data[0]; version != 0 {
		return nil, fmt.Errorf("heif: unsupported grid version %d", version)
	}
	flags := data[1]
	g := &ImageGrid{
		Rows:    int(data[2]) + 1,
		Columns: int(data[3]) + 1,
	}
	if flags&1 != 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("heif: grid payload of %d bytes is too short", len(data))
		}
		g.OutputWidth = binary.BigEndian.Uint32(data[4:])
		g.OutputHeight = binary.BigEndian.Uint32(data[8:])
	} else {
		g.OutputWidth = uint32(binary.BigEndian.Uint16(data[4:]))
		g.OutputHeight = uint32(binary.BigEndian.Uint16(data[6:]))
	}
	if g.OutputWidth == 0 || g.OutputHeight == 0 {
		return nil, fmt.Errorf("heif: grid has empty output size %dx%d", g.OutputWidth, g.OutputHeight)
	}
	return g, nil
}

// MarshalBinary encodes the grid payload, using 32-bit output dimensions
// only when needed.
func (g *ImageGrid) MarshalBinary() ([]byte, error) {
	if g.Rows < 1 || g.Rows > 256 || g.Columns < 1 || g.Columns > 256 {
		return nil, fmt.Errorf("heif: grid of %dx%d tiles out of range", g.Columns, g.Rows)
	}
	large := g.OutputWidth > 0xFFFF || g.OutputHeight > 0xFFFF
	data := []byte{0, 0, byte(g.Rows - 1), byte(g.Columns - 1)}
	if large {
		data[1] = 1
		data = binary.BigEndian.AppendUint32(data, g.OutputWidth)
		data = binary.BigEndian.AppendUint32(data, g.OutputHeight)
	} else {
		data = binary.BigEndian.AppendUint16(data, uint16(g.OutputWidth))
		data = binary.BigEndian.AppendUint16(data, uint16(g.OutputHeight))
	}
	return data, nil
}

// CheckTiles reports whether tiles of the given size cover the output
// without a spare row or column.
func (g *ImageGrid) CheckTiles(tileWidth, tileHeight int) error {
	if tileWidth <= 0 || tileHeight <= 0 {
		return fmt.Errorf("heif: invalid tile size %dx%d", tileWidth, tileHeight)
	}
	w, h := uint64(tileWidth)*uint64(g.Columns), uint64(tileHeight)*uint64(g.Rows)
	if w < uint64(g.OutputWidth) || h < uint64(g.OutputHeight) {
		return fmt.Errorf("heif: %dx%d tiles of %dx%d do not cover %dx%d", g.Columns, g.Rows, tileWidth, tileHeight, g.OutputWidth, g.OutputHeight)
	}
	if w-uint64(tileWidth) >= uint64(g.OutputWidth) || h-uint64(tileHeight) >= uint64(g.OutputHeight) {
		return fmt.Errorf("heif: %dx%d tiles of %dx%d overshoot %dx%d", g.Columns, g.Rows, tileWidth, tileHeight, g.OutputWidth, g.OutputHeight)
	}
	return nil
}
