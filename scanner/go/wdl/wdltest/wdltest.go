// Package wdltest assembles synthetic WDL bodies for tests.
package wdltest

import (
	"encoding/binary"

	"go.minimaps.dev/infra/scanner/go/wdl"
)

// Tile describes one occupied grid cell.
type Tile struct {
	Col, Row int
	// Level fills every sample when Outer is nil.
	Level int16
	// Outer overrides the 17x17 outer samples.
	Outer []int16
}

func chunk(tag string, body []byte) []byte {
	out := make([]byte, 0, 8+len(body))
	out = append(out, tag[3], tag[2], tag[1], tag[0])
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// Build assembles a WDL with the given tiles. Tiles outside the grid panic.
func Build(tiles ...Tile) []byte {
	var out []byte
	out = append(out, chunk("MVER", binary.LittleEndian.AppendUint32(nil, 18))...)
	maofAt := len(out) + 8
	out = append(out, chunk("MAOF", make([]byte, wdl.GridSize*wdl.GridSize*4))...)
	for _, t := range tiles {
		if t.Col < 0 || t.Col >= wdl.GridSize || t.Row < 0 || t.Row >= wdl.GridSize {
			panic("tile outside the grid")
		}
		binary.LittleEndian.PutUint32(out[maofAt+(t.Row*wdl.GridSize+t.Col)*4:], uint32(len(out)))
		body := make([]byte, (17*17+16*16)*2)
		for i := 0; i < 17*17; i++ {
			v := t.Level
			if t.Outer != nil {
				v = t.Outer[i]
			}
			binary.LittleEndian.PutUint16(body[i*2:], uint16(v))
		}
		for i := 0; i < 16*16; i++ {
			binary.LittleEndian.PutUint16(body[(17*17+i)*2:], uint16(t.Level))
		}
		out = append(out, chunk("MARE", body)...)
	}
	return out
}
