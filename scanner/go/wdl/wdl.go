// Package wdl parses low-resolution terrain height files and renders them
// to grayscale preview images.
//
// A WDL is chunked like a WDT: MAOF holds a 64x64 grid of absolute file
// offsets, each pointing at a MARE chunk with that tile's 17x17 outer and
// 16x16 inner 16-bit height samples.
package wdl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/scanner/go/blte"
)

// GridSize is the tile grid edge; maps are GridSize x GridSize.
const GridSize = 64

// TilePixels is the rendered edge length of one tile.
const TilePixels = 16

const (
	outerSamples = 17 * 17
	innerSamples = 16 * 16
	mareBodyLen  = (outerSamples + innerSamples) * 2
)

// ErrNoMAOF is returned when the file carries no tile offset table.
var ErrNoMAOF = errors.New("no MAOF chunk in WDL")

// ErrCompressedInput is returned when the body is still BLTE-framed.
var ErrCompressedInput = errors.New("WDL body is still BLTE-compressed")

// Tile holds one grid cell's height samples.
type Tile struct {
	Outer [outerSamples]int16
	Inner [innerSamples]int16
}

// File is the parsed heightfield; absent grid cells are nil.
type File struct {
	Tiles [GridSize][GridSize]*Tile
}

// Parse reads a WDL file.
func Parse(data []byte) (*File, error) {
	if bytes.HasPrefix(data, blte.Magic) {
		return nil, ErrCompressedInput
	}
	var maof []byte
	rest := data
	for len(rest) >= 8 {
		tag := [4]byte{rest[3], rest[2], rest[1], rest[0]}
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		if size > len(rest)-8 {
			return nil, mmerr.Fmt("chunk %s of %d bytes overruns the input", tag[:], size)
		}
		if string(tag[:]) == "MAOF" {
			maof = rest[8 : 8+size]
		}
		rest = rest[8+size:]
	}
	if maof == nil {
		return nil, ErrNoMAOF
	}
	if len(maof) != GridSize*GridSize*4 {
		return nil, mmerr.Fmt("MAOF of %d bytes is not a %dx%d offset table", len(maof), GridSize, GridSize)
	}
	f := &File{}
	for i := 0; i < GridSize*GridSize; i++ {
		off := int(binary.LittleEndian.Uint32(maof[i*4:]))
		if off == 0 {
			continue
		}
		tile, err := parseTile(data, off)
		if err != nil {
			return nil, mmerr.Wrapf(err, "tile %d,%d", i%GridSize, i/GridSize)
		}
		f.Tiles[i/GridSize][i%GridSize] = tile
	}
	return f, nil
}

// Offsets address the MARE chunk header, not its body.
func parseTile(data []byte, off int) (*Tile, error) {
	if off < 0 || off+8 > len(data) {
		return nil, mmerr.Fmt("offset %d is outside the %d-byte file", off, len(data))
	}
	tag := [4]byte{data[off+3], data[off+2], data[off+1], data[off]}
	if string(tag[:]) != "MARE" {
		return nil, mmerr.Fmt("offset %d points at a %s chunk, not MARE", off, tag[:])
	}
	size := int(binary.LittleEndian.Uint32(data[off+4:]))
	if size < mareBodyLen || off+8+size > len(data) {
		return nil, mmerr.Fmt("MARE of %d bytes at offset %d is truncated", size, off)
	}
	body := data[off+8:]
	t := &Tile{}
	for i := range t.Outer {
		t.Outer[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}
	for i := range t.Inner {
		t.Inner[i] = int16(binary.LittleEndian.Uint16(body[(outerSamples+i)*2:]))
	}
	return t, nil
}

// Render draws the heightfield as 8-bit gray, TilePixels per tile from the
// outer sample grid, normalized to the map's height range and cropped to
// the occupied tiles' bounding box. An empty file yields an empty image.
func Render(f *File) *image.Gray {
	minC, minR := GridSize, GridSize
	maxC, maxR := -1, -1
	lo, hi := int16(32767), int16(-32768)
	for r := 0; r < GridSize; r++ {
		for c := 0; c < GridSize; c++ {
			t := f.Tiles[r][c]
			if t == nil {
				continue
			}
			if c < minC {
				minC = c
			}
			if c > maxC {
				maxC = c
			}
			if r < minR {
				minR = r
			}
			if r > maxR {
				maxR = r
			}
			for _, v := range t.Outer {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
	}
	if maxC < 0 {
		return image.NewGray(image.Rect(0, 0, 0, 0))
	}
	span := int(hi) - int(lo)
	img := image.NewGray(image.Rect(0, 0, (maxC-minC+1)*TilePixels, (maxR-minR+1)*TilePixels))
	for r := minR; r <= maxR; r++ {
		for c := minC; c <= maxC; c++ {
			t := f.Tiles[r][c]
			if t == nil {
				continue
			}
			baseX := (c - minC) * TilePixels
			baseY := (r - minR) * TilePixels
			for py := 0; py < TilePixels; py++ {
				for px := 0; px < TilePixels; px++ {
					v := t.Outer[py*17+px]
					y := byte(128)
					if span > 0 {
						y = byte((int(v) - int(lo)) * 255 / span)
					}
					img.SetGray(baseX+px, baseY+py, color.Gray{Y: y})
				}
			}
		}
	}
	return img
}
