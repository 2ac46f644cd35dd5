// Package wdt parses map WDT files: the per-map chunked blob whose MAID
// chunk carries the 64x64 grid of minimap texture file ids.
package wdt

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/scanner/go/blte"
)

// GridSize is the tile grid edge; maps are GridSize x GridSize.
const GridSize = 64

// ErrNoMAID is returned for maps whose WDT carries no tile file-id table
// (world-map-only maps, mostly).
var ErrNoMAID = errors.New("no MAID chunk in WDT")

// ErrCompressedInput is returned when the body is still BLTE-framed: the
// caller forgot to decompress it.
var ErrCompressedInput = errors.New("WDT body is still BLTE-compressed")

// TileID is one occupied cell of the minimap grid.
type TileID struct {
	// Col is X, Row is Y, both in [0, GridSize).
	Col    int
	Row    int
	FileID uint32
}

// File is the parsed WDT.
type File struct {
	// Flags is the MPHD flag word.
	Flags uint32
	// WdlFileDataID locates the map's low-resolution heightmap, 0 if none.
	WdlFileDataID uint32
	// Tiles lists the grid cells with a minimap texture, row-major.
	Tiles []TileID
}

// Chunks are stored as a reversed 4-byte tag, a u32 little-endian size, and
// the body. MPHD word 0 is the flag word and word 6 the WDL file id. MAID
// holds GridSize^2 fixed-stride entries whose word 6 is the minimap texture
// file id; the stride is derived from the chunk size since it has grown
// over time.
func Parse(data []byte) (*File, error) {
	if bytes.HasPrefix(data, blte.Magic) {
		return nil, ErrCompressedInput
	}
	f := &File{}
	sawMAID := false
	rest := data
	for len(rest) >= 8 {
		tag := [4]byte{rest[3], rest[2], rest[1], rest[0]}
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		if size > len(rest)-8 {
			return nil, mmerr.Fmt("chunk %s of %d bytes overruns the input", tag[:], size)
		}
		body := rest[8 : 8+size]
		switch string(tag[:]) {
		case "MPHD":
			if len(body) < 4 {
				return nil, mmerr.Fmt("MPHD of %d bytes has no flag word", len(body))
			}
			f.Flags = binary.LittleEndian.Uint32(body)
			if len(body) >= 28 {
				f.WdlFileDataID = binary.LittleEndian.Uint32(body[24:])
			}
		case "MAID":
			tiles, err := parseGrid(body)
			if err != nil {
				return nil, err
			}
			f.Tiles = tiles
			sawMAID = true
		}
		rest = rest[8+size:]
	}
	if len(rest) != 0 {
		return nil, mmerr.Fmt("%d trailing bytes after the last chunk", len(rest))
	}
	if !sawMAID {
		return nil, ErrNoMAID
	}
	return f, nil
}

func parseGrid(body []byte) ([]TileID, error) {
	const cells = GridSize * GridSize
	if len(body)%(cells*4) != 0 {
		return nil, mmerr.Fmt("MAID of %d bytes is not a %d-cell grid of u32 entries", len(body), cells)
	}
	stride := len(body) / (cells * 4)
	if stride < 7 {
		return nil, mmerr.Fmt("MAID entries of %d words carry no minimap id", stride)
	}
	var tiles []TileID
	for i := 0; i < cells; i++ {
		fdid := binary.LittleEndian.Uint32(body[(i*stride+6)*4:])
		if fdid == 0 {
			continue
		}
		tiles = append(tiles, TileID{Col: i % GridSize, Row: i / GridSize, FileID: fdid})
	}
	return tiles, nil
}
