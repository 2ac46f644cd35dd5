package blp

import (
	"encoding/binary"

	"go.minimaps.dev/infra/go/mmerr"
)

// Block-compressed mips hold 4x4 pixel blocks; the variant is picked by the
// header's alpha encoding. Odd-sized images still store whole blocks and are
// clipped on output.
func decodeDXT(mip []byte, w, h int, alphaSize, alphaType byte) ([]byte, error) {
	var blockLen int
	switch alphaType {
	case 0:
		blockLen = 8 // DXT1
	case 1, 7:
		blockLen = 16 // DXT3 / DXT5
	default:
		return nil, mmerr.Fmt("unsupported DXT alpha encoding %d", alphaType)
	}
	bw, bh := (w+3)/4, (h+3)/4
	if len(mip) < bw*bh*blockLen {
		return nil, mmerr.Fmt("DXT mip of %d bytes is shorter than %d blocks of %d", len(mip), bw*bh, blockLen)
	}
	pix := make([]byte, w*h*4)
	var tile [64]byte
	for by := 0; by < bh; by++ {
		for bx := 0; bx < bw; bx++ {
			block := mip[(by*bw+bx)*blockLen:]
			switch alphaType {
			case 0:
				decodeColorBlock(block, &tile, false)
			case 1:
				decodeColorBlock(block[8:], &tile, true)
				decodeDXT3Alpha(block, &tile)
			case 7:
				decodeColorBlock(block[8:], &tile, true)
				decodeDXT5Alpha(block, &tile)
			}
			for py := 0; py < 4; py++ {
				y := by*4 + py
				if y >= h {
					break
				}
				for px := 0; px < 4; px++ {
					x := bx*4 + px
					if x >= w {
						continue
					}
					copy(pix[(y*w+x)*4:], tile[(py*4+px)*4:(py*4+px)*4+4])
				}
			}
		}
	}
	if alphaSize == 0 {
		for i := 3; i < len(pix); i += 4 {
			pix[i] = 0xFF
		}
	}
	return pix, nil
}

func expand565(c uint16) (b, g, r byte) {
	b5 := byte(c & 0x1F)
	g6 := byte(c >> 5 & 0x3F)
	r5 := byte(c >> 11 & 0x1F)
	return b5<<3 | b5>>2, g6<<2 | g6>>4, r5<<3 | r5>>2
}

// decodeColorBlock fills all 16 pixels of tile with BGRA from an 8-byte
// color block. DXT3/5 color blocks are always four-color; plain DXT1 uses
// the three-color mode with a transparent fourth entry when c0 <= c1.
func decodeColorBlock(block []byte, tile *[64]byte, force4 bool) {
	c0 := binary.LittleEndian.Uint16(block)
	c1 := binary.LittleEndian.Uint16(block[2:])
	lookup := binary.LittleEndian.Uint32(block[4:])

	var colors [4][4]byte
	b0, g0, r0 := expand565(c0)
	b1, g1, r1 := expand565(c1)
	colors[0] = [4]byte{b0, g0, r0, 0xFF}
	colors[1] = [4]byte{b1, g1, r1, 0xFF}
	if force4 || c0 > c1 {
		colors[2] = [4]byte{
			byte((2*int(b0) + int(b1)) / 3),
			byte((2*int(g0) + int(g1)) / 3),
			byte((2*int(r0) + int(r1)) / 3),
			0xFF,
		}
		colors[3] = [4]byte{
			byte((int(b0) + 2*int(b1)) / 3),
			byte((int(g0) + 2*int(g1)) / 3),
			byte((int(r0) + 2*int(r1)) / 3),
			0xFF,
		}
	} else {
		colors[2] = [4]byte{
			byte((int(b0) + int(b1)) / 2),
			byte((int(g0) + int(g1)) / 2),
			byte((int(r0) + int(r1)) / 2),
			0xFF,
		}
		colors[3] = [4]byte{0, 0, 0, 0}
	}
	for i := 0; i < 16; i++ {
		copy(tile[i*4:], colors[lookup>>(2*i)&3][:])
	}
}

// decodeDXT3Alpha overwrites tile alphas from 16 explicit nibbles.
func decodeDXT3Alpha(block []byte, tile *[64]byte) {
	bits := binary.LittleEndian.Uint64(block)
	for i := 0; i < 16; i++ {
		tile[i*4+3] = byte(bits>>(4*i)&0xF) * 17
	}
}

// decodeDXT5Alpha overwrites tile alphas from two endpoints and 3-bit
// interpolation indices.
func decodeDXT5Alpha(block []byte, tile *[64]byte) {
	a0, a1 := block[0], block[1]
	var bits uint64
	for i, b := range block[2:8] {
		bits |= uint64(b) << (8 * i)
	}
	var table [8]byte
	table[0], table[1] = a0, a1
	if a0 > a1 {
		for i := 1; i <= 6; i++ {
			table[1+i] = byte(((7-i)*int(a0) + i*int(a1)) / 7)
		}
	} else {
		for i := 1; i <= 4; i++ {
			table[1+i] = byte(((5-i)*int(a0) + i*int(a1)) / 5)
		}
		table[6] = 0
		table[7] = 0xFF
	}
	for i := 0; i < 16; i++ {
		tile[i*4+3] = table[bits>>(3*i)&7]
	}
}
