package tileenc_test

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/scanner/go/tileenc"
)

func solid(size int, c color.NRGBA) *image.NRGBA {
	im := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < size*size; i++ {
		im.Pix[i*4+0] = c.R
		im.Pix[i*4+1] = c.G
		im.Pix[i*4+2] = c.B
		im.Pix[i*4+3] = c.A
	}
	return im
}

func TestEncode_LosslessRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 64; i++ {
		src.Pix[i*4+0] = byte(i * 4)
		src.Pix[i*4+1] = byte(255 - i)
		src.Pix[i*4+2] = byte(i * 7)
		src.Pix[i*4+3] = 255
	}
	enc := tileenc.New(tileenc.DefaultQuality)
	b, hash, err := enc.Encode(src)
	require.NoError(t, err)
	require.NotEmpty(t, b)
	require.Equal(t, types.ContentHashOf(b), hash)
	require.Equal(t, []byte("RIFF"), b[:4])

	back, err := tileenc.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), back.Bounds())
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			wr, wg, wb, wa := src.At(x, y).RGBA()
			gr, gg, gb, ga := back.At(x, y).RGBA()
			require.Equal(t, [4]uint32{wr, wg, wb, wa}, [4]uint32{gr, gg, gb, ga}, "pixel %d,%d", x, y)
		}
	}
}

func TestEncode_DeterministicHash(t *testing.T) {
	src := solid(4, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
	enc := tileenc.New(0) // falls back to the default quality
	b1, h1, err := enc.Encode(src)
	require.NoError(t, err)
	b2, h2, err := enc.Encode(src)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
	require.Equal(t, h1, h2)
}

func TestDownsampleQuad(t *testing.T) {
	const size = 32
	tl := solid(size, color.NRGBA{R: 255, A: 255})
	tr := solid(size, color.NRGBA{G: 255, A: 255})
	bl := solid(size, color.NRGBA{B: 255, A: 255})
	br := solid(size, color.NRGBA{R: 255, G: 255, A: 255})

	out, err := tileenc.DownsampleQuad(tl, tr, bl, br)
	require.NoError(t, err)
	require.Equal(t, size, out.Bounds().Dx())
	require.Equal(t, size, out.Bounds().Dy())

	// Quadrant interiors keep their color; the seams blend.
	r, g, b, a := out.At(4, 4).RGBA()
	require.Equal(t, [4]uint32{0xFFFF, 0, 0, 0xFFFF}, [4]uint32{r, g, b, a})
	r, g, _, _ = out.At(27, 4).RGBA()
	require.Zero(t, r)
	require.Equal(t, uint32(0xFFFF), g)
	_, _, b, _ = out.At(4, 27).RGBA()
	require.Equal(t, uint32(0xFFFF), b)
	r, g, _, _ = out.At(27, 27).RGBA()
	require.Equal(t, uint32(0xFFFF), r)
	require.Equal(t, uint32(0xFFFF), g)
}

func TestDownsampleQuad_MissingQuadrants(t *testing.T) {
	const size = 32
	tl := solid(size, color.NRGBA{R: 255, A: 255})
	out, err := tileenc.DownsampleQuad(tl, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, size, out.Bounds().Dx())

	_, _, _, a := out.At(4, 4).RGBA()
	require.Equal(t, uint32(0xFFFF), a)
	_, _, _, a = out.At(27, 27).RGBA()
	require.Zero(t, a)
}

func TestDownsampleQuad_Errors(t *testing.T) {
	_, err := tileenc.DownsampleQuad(nil, nil, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty quad")

	_, err = tileenc.DownsampleQuad(solid(8, color.NRGBA{}), solid(4, color.NRGBA{}), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "mixed")

	rect := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	_, err = tileenc.DownsampleQuad(rect, nil, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "square")
}
