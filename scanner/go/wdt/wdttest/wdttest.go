// Package wdttest assembles synthetic WDT bodies for tests.
package wdttest

import (
	"encoding/binary"

	"go.minimaps.dev/infra/scanner/go/wdt"
)

// Chunk frames a body as a WDT chunk: reversed tag, u32 LE size, body.
func Chunk(tag string, body []byte) []byte {
	if len(tag) != 4 {
		panic("chunk tags are 4 bytes")
	}
	out := make([]byte, 0, 8+len(body))
	out = append(out, tag[3], tag[2], tag[1], tag[0])
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// MPHD builds an 8-word MPHD body with the given flags and WDL file id in
// words 0 and 6.
func MPHD(flags, wdlFileDataID uint32) []byte {
	body := make([]byte, 32)
	binary.LittleEndian.PutUint32(body, flags)
	binary.LittleEndian.PutUint32(body[24:], wdlFileDataID)
	return body
}

// MAID builds a grid body with the given words per entry; each tile's file
// id lands in word 6 of its cell. Tiles outside the grid panic.
func MAID(stride int, tiles ...wdt.TileID) []byte {
	if stride < 7 {
		panic("MAID entries need at least 7 words")
	}
	body := make([]byte, wdt.GridSize*wdt.GridSize*stride*4)
	for _, t := range tiles {
		if t.Col < 0 || t.Col >= wdt.GridSize || t.Row < 0 || t.Row >= wdt.GridSize {
			panic("tile outside the grid")
		}
		cell := t.Row*wdt.GridSize + t.Col
		binary.LittleEndian.PutUint32(body[(cell*stride+6)*4:], t.FileID)
	}
	return body
}

// Build assembles a complete plausible WDT: MVER, MPHD, MAIN filler, and an
// 8-word-stride MAID carrying the given tiles.
func Build(flags, wdlFileDataID uint32, tiles ...wdt.TileID) []byte {
	var out []byte
	out = append(out, Chunk("MVER", binary.LittleEndian.AppendUint32(nil, 18))...)
	out = append(out, Chunk("MPHD", MPHD(flags, wdlFileDataID))...)
	out = append(out, Chunk("MAIN", make([]byte, wdt.GridSize*wdt.GridSize*8))...)
	out = append(out, Chunk("MAID", MAID(8, tiles...))...)
	return out
}
