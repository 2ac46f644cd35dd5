// Package tileenc turns decoded minimap tiles into the stored WebP blobs
// and builds the downsampled LOD quads.
package tileenc

import (
	"bytes"
	"image"
	"image/draw"
	"io"

	"github.com/gen2brain/webp"
	"github.com/nfnt/resize"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// ContentType is the MIME type of encoded tiles.
const ContentType = "image/webp"

// DefaultQuality tunes the lossless encoder's effort; output bytes stay
// pixel-exact at any setting.
const DefaultQuality = 100

// Encoder encodes tiles with a fixed quality setting.
type Encoder struct {
	quality int
}

func New(quality int) *Encoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{quality: quality}
}

// Encode compresses img losslessly and returns the encoded bytes together
// with their content hash, which is the tile's storage key. Exact keeps RGB
// values under fully transparent pixels.
func (e *Encoder) Encode(img image.Image) ([]byte, types.ContentHash, error) {
	var buf bytes.Buffer
	opts := webp.Options{
		Lossless: true,
		Quality:  e.quality,
		Method:   6,
		Exact:    true,
	}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, types.ContentHash{}, mmerr.Wrapf(err, "encoding a %v tile", img.Bounds().Size())
	}
	b := buf.Bytes()
	return b, types.ContentHashOf(b), nil
}

// Decode reads an encoded tile back into an image, mainly so LOD levels can
// be built from already-published tiles.
func Decode(r io.Reader) (image.Image, error) {
	img, err := webp.Decode(r)
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	return img, nil
}

// DownsampleQuad assembles four equally sized square tiles into a 2x2 quad
// and halves it, yielding one tile of the next LOD level. Nil inputs are
// fully transparent quadrants; at least one input must be present.
func DownsampleQuad(tl, tr, bl, br image.Image) (image.Image, error) {
	size := 0
	for _, im := range []image.Image{tl, tr, bl, br} {
		if im == nil {
			continue
		}
		b := im.Bounds()
		if b.Dx() != b.Dy() {
			return nil, mmerr.Fmt("tile of %dx%d is not square", b.Dx(), b.Dy())
		}
		if size == 0 {
			size = b.Dx()
		} else if b.Dx() != size {
			return nil, mmerr.Fmt("mixed tile sizes %d and %d in one quad", size, b.Dx())
		}
	}
	if size == 0 {
		return nil, mmerr.Fmt("downsampling an empty quad")
	}
	quad := image.NewNRGBA(image.Rect(0, 0, size*2, size*2))
	place := func(im image.Image, x, y int) {
		if im == nil {
			return
		}
		draw.Draw(quad, image.Rect(x, y, x+size, y+size), im, im.Bounds().Min, draw.Src)
	}
	place(tl, 0, 0)
	place(tr, size, 0)
	place(bl, 0, size)
	place(br, size, size)
	return resize.Resize(uint(size), uint(size), quad, resize.Lanczos3), nil
}
