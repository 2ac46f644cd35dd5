// Package blptest assembles synthetic raw-BGRA BLP2 textures for tests.
package blptest

import "encoding/binary"

const headerLen = 1172

// Spec describes a texture to build.
type Spec struct {
	W, H int
	// Pix is W*H*4 bytes of BGRA; nil fills the image with opaque gray.
	Pix []byte
	// Mips marks the texture as carrying a mip chain. Only mip 0 is
	// actually stored.
	Mips bool
}

// Build assembles a raw-encoded BLP2 file.
func Build(s Spec) []byte {
	pix := s.Pix
	if pix == nil {
		pix = make([]byte, s.W*s.H*4)
		for i := 0; i < s.W*s.H; i++ {
			pix[i*4+0] = 0x80
			pix[i*4+1] = 0x80
			pix[i*4+2] = 0x80
			pix[i*4+3] = 0xFF
		}
	}
	if len(pix) != s.W*s.H*4 {
		panic("pixel buffer does not match the dimensions")
	}
	header := make([]byte, headerLen)
	copy(header, "BLP2")
	binary.LittleEndian.PutUint32(header[4:], 1)
	header[8] = 3 // raw BGRA
	header[9] = 8
	if s.Mips {
		header[11] = 17
	}
	binary.LittleEndian.PutUint32(header[12:], uint32(s.W))
	binary.LittleEndian.PutUint32(header[16:], uint32(s.H))
	binary.LittleEndian.PutUint32(header[20:], headerLen)
	binary.LittleEndian.PutUint32(header[84:], uint32(len(pix)))
	return append(header, pix...)
}

// Solid builds a w x h texture filled with one BGRA color.
func Solid(w, h int, b, g, r, a byte) []byte {
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4+0] = b
		pix[i*4+1] = g
		pix[i*4+2] = r
		pix[i*4+3] = a
	}
	return Build(Spec{W: w, H: h, Pix: pix})
}
