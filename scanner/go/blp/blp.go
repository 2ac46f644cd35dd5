// Package blp decodes BLP2 textures to raw BGRA pixels. Only mip 0 is
// decoded; minimap textures do not normally carry mip chains.
package blp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"

	"go.minimaps.dev/infra/go/mmerr"
)

// ErrMipped is returned for textures with a mip chain. One known map ships
// mipped minimaps, so callers can opt in via Options.AllowMipped rather
// than skipping the map silently.
var ErrMipped = errors.New("texture has mip levels")

var magic = []byte("BLP2")

const (
	headerLen = 1172
	maxDim    = 8192

	encodingPalettized = 1
	encodingDXT        = 2
	encodingRaw        = 3
)

// Options control decoding.
type Options struct {
	// AllowMipped decodes mip 0 of a mipped texture instead of failing.
	AllowMipped bool
}

// Image is a decoded texture. Pix holds 4 bytes per pixel in BGRA order,
// row-major, no padding.
type Image struct {
	W, H int
	Pix  []byte
}

// ToNRGBA converts to the stdlib image type the encoder consumes.
func (im *Image) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, im.W, im.H))
	for i := 0; i < im.W*im.H; i++ {
		out.Pix[i*4+0] = im.Pix[i*4+2]
		out.Pix[i*4+1] = im.Pix[i*4+1]
		out.Pix[i*4+2] = im.Pix[i*4+0]
		out.Pix[i*4+3] = im.Pix[i*4+3]
	}
	return out
}

// Decode parses a BLP2 texture and decodes its mip 0.
func Decode(data []byte, opts Options) (*Image, error) {
	if len(data) < headerLen {
		return nil, mmerr.Fmt("BLP of %d bytes is shorter than the %d-byte header", len(data), headerLen)
	}
	if !bytes.Equal(data[:4], magic) {
		return nil, mmerr.Fmt("bad BLP magic %q", data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != 1 {
		return nil, mmerr.Fmt("unsupported BLP version %d", v)
	}
	encoding := data[8]
	alphaSize := data[9]
	alphaType := data[10]
	hasMips := data[11]
	w := int(binary.LittleEndian.Uint32(data[12:]))
	h := int(binary.LittleEndian.Uint32(data[16:]))
	if w <= 0 || h <= 0 || w > maxDim || h > maxDim {
		return nil, mmerr.Fmt("implausible texture dimensions %dx%d", w, h)
	}
	if hasMips != 0 && !opts.AllowMipped {
		return nil, ErrMipped
	}
	off := int(binary.LittleEndian.Uint32(data[20:]))
	size := int(binary.LittleEndian.Uint32(data[84:]))
	if off < headerLen || size <= 0 || off+size > len(data) {
		return nil, mmerr.Fmt("mip 0 at %d+%d falls outside the %d-byte file", off, size, len(data))
	}
	mip := data[off : off+size]

	var pix []byte
	var err error
	switch encoding {
	case encodingPalettized:
		pix, err = decodePalettized(mip, data[148:headerLen], w, h, alphaSize)
	case encodingDXT:
		pix, err = decodeDXT(mip, w, h, alphaSize, alphaType)
	case encodingRaw:
		if len(mip) < w*h*4 {
			err = mmerr.Fmt("raw mip of %d bytes is shorter than %dx%dx4", len(mip), w, h)
			break
		}
		pix = make([]byte, w*h*4)
		copy(pix, mip)
	default:
		err = mmerr.Fmt("unsupported color encoding %d", encoding)
	}
	if err != nil {
		return nil, err
	}
	return &Image{W: w, H: h, Pix: pix}, nil
}

// Palettized pixels are one palette index each; alpha follows the index
// plane at 0, 1, 4, or 8 bits per pixel, bit- and nibble-packed low first.
func decodePalettized(mip, palette []byte, w, h int, alphaSize byte) ([]byte, error) {
	n := w * h
	need := n
	switch alphaSize {
	case 0:
	case 1:
		need += (n + 7) / 8
	case 4:
		need += (n + 1) / 2
	case 8:
		need += n
	default:
		return nil, mmerr.Fmt("unsupported palettized alpha depth %d", alphaSize)
	}
	if len(mip) < need {
		return nil, mmerr.Fmt("palettized mip of %d bytes is shorter than %d", len(mip), need)
	}
	alpha := mip[n:]
	pix := make([]byte, n*4)
	for i := 0; i < n; i++ {
		p := int(mip[i]) * 4
		pix[i*4+0] = palette[p+0]
		pix[i*4+1] = palette[p+1]
		pix[i*4+2] = palette[p+2]
		a := byte(0xFF)
		switch alphaSize {
		case 1:
			if alpha[i/8]>>(i%8)&1 == 0 {
				a = 0
			}
		case 4:
			a = (alpha[i/2] >> ((i % 2) * 4) & 0xF) * 17
		case 8:
			a = alpha[i]
		}
		pix[i*4+3] = a
	}
	return pix, nil
}
