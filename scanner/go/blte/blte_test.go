package blte_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/scanner/go/blte"
	"go.minimaps.dev/infra/scanner/go/blte/bltetest"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

func testKey(t *testing.T) (uint64, tactkeys.Key) {
	t.Helper()
	name, err := tactkeys.ParseName("FA505078126ACB3E")
	require.NoError(t, err)
	key, err := tactkeys.ParseKey("BDC51862ABED79B2DE48C8E7E66C6200")
	require.NoError(t, err)
	return name, key
}

func TestParse_SingleRawChunk(t *testing.T) {
	body := []byte("the quick brown fox")
	got, err := blte.Parse(bytes.NewReader(bltetest.Raw(body)), tactkeys.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestParse_ChunkedZlib(t *testing.T) {
	a := bytes.Repeat([]byte("minimap"), 100)
	b := []byte("trailer")
	stream := bltetest.Chunked(
		bltetest.Chunk{Block: bltetest.ZBlock(a), Decoded: len(a)},
		bltetest.Chunk{Block: bltetest.Block('N', b), Decoded: len(b)},
	)
	got, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, a...), b...), got)
}

func TestParse_BadMagic(t *testing.T) {
	_, err := blte.Parse(bytes.NewReader([]byte("nope nope nope")), tactkeys.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a BLTE stream")
}

func TestParse_ChecksumMismatch(t *testing.T) {
	body := []byte("payload payload payload")
	stream := bltetest.Chunked(bltetest.Chunk{Block: bltetest.Block('N', body), Decoded: len(body)})
	// Corrupt one body byte after the table was checksummed.
	stream[len(stream)-1] ^= 0xFF

	_, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.Error(t, err)
	var checksumErr *blte.ChecksumError
	require.True(t, errors.As(err, &checksumErr))
	assert.Equal(t, 0, checksumErr.Chunk)
}

func TestParse_DeclaredSizeMismatch(t *testing.T) {
	body := []byte("four")
	stream := bltetest.Chunked(bltetest.Chunk{Block: bltetest.Block('N', body), Decoded: len(body) + 1})
	_, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoded to 4 bytes, expected 5")
}

func TestParse_ZlibCorruption(t *testing.T) {
	block := bltetest.ZBlock([]byte("will be corrupted"))
	block[len(block)-3] ^= 0xFF
	stream := bltetest.Chunked(bltetest.Chunk{Block: block, Decoded: 17})
	_, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.Error(t, err)
}

func TestParse_EncryptedRoundTrip(t *testing.T) {
	name, key := testKey(t)
	body := []byte("sealed until the key ships")
	stream := bltetest.Encrypted(body, name, key, [4]byte{1, 2, 3, 4})

	reg := tactkeys.NewRegistry()
	reg.Set(name, key)
	got, err := blte.Parse(bytes.NewReader(stream), reg)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestParse_EncryptedZlibInner(t *testing.T) {
	name, key := testKey(t)
	body := bytes.Repeat([]byte("inner"), 50)
	inner := bltetest.ZBlock(body)
	stream := bltetest.Chunked(bltetest.Chunk{
		Block:   bltetest.EncryptedBlock(inner, name, key, [4]byte{9, 9, 9, 9}, 0),
		Decoded: len(body),
	})

	reg := tactkeys.NewRegistry()
	reg.Set(name, key)
	got, err := blte.Parse(bytes.NewReader(stream), reg)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestParse_MissingKey(t *testing.T) {
	name, key := testKey(t)
	stream := bltetest.Encrypted([]byte("unreadable"), name, key, [4]byte{1, 2, 3, 4})

	_, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.Error(t, err)
	var missing *blte.MissingKeyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, name, missing.KeyName)
	assert.Equal(t, "missing decryption key FA505078126ACB3E", missing.Error())
}

func TestParse_UnsupportedCipher(t *testing.T) {
	name, key := testKey(t)
	// An ARC4 block, assembled by hand: 'E', key name length and name, IV
	// length and IV, the 'A' selector and a ciphertext byte.
	var block bytes.Buffer
	block.WriteByte('E')
	block.WriteByte(8)
	block.Write([]byte{0x3E, 0xCB, 0x6A, 0x12, 0x78, 0x50, 0x50, 0xFA})
	block.WriteByte(4)
	block.Write([]byte{0, 0, 0, 1})
	block.WriteByte('A')
	block.WriteByte(0x42)
	stream := bltetest.Chunked(bltetest.Chunk{Block: block.Bytes(), Decoded: 1})

	reg := tactkeys.NewRegistry()
	reg.Set(name, key)
	_, err := blte.Parse(bytes.NewReader(stream), reg)
	require.Error(t, err)
	var unsupported *blte.UnsupportedCipherError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, byte('A'), unsupported.Cipher)
}

func TestParse_NestedFrames(t *testing.T) {
	body := []byte("matryoshka")
	inner := bltetest.Raw(body)
	stream := bltetest.Chunked(bltetest.Chunk{Block: bltetest.Block('F', inner), Decoded: len(body)})

	got, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestParse_FrameDepthCap(t *testing.T) {
	stream := bltetest.Raw([]byte("core"))
	for i := 0; i < 9; i++ {
		var buf bytes.Buffer
		buf.Write(blte.Magic)
		buf.Write([]byte{0, 0, 0, 0})
		buf.Write(bltetest.Block('F', stream))
		stream = buf.Bytes()
	}
	_, err := blte.Parse(bytes.NewReader(stream), tactkeys.NewRegistry())
	require.Error(t, err)
	assert.True(t, errors.Is(err, blte.ErrFrameDepth))
}

func TestParse_TruncatedChunk(t *testing.T) {
	body := []byte("whole body here")
	stream := bltetest.Chunked(bltetest.Chunk{Block: bltetest.Block('N', body), Decoded: len(body)})
	_, err := blte.Parse(bytes.NewReader(stream[:len(stream)-4]), tactkeys.NewRegistry())
	require.Error(t, err)
}

func TestSalsa20XOR_IndexChangesKeystream(t *testing.T) {
	_, key := testKey(t)
	in := []byte("same plaintext, different chunk")
	out0 := make([]byte, len(in))
	out1 := make([]byte, len(in))
	blte.Salsa20XOR(out0, in, key, []byte{1, 2, 3, 4}, 0)
	blte.Salsa20XOR(out1, in, key, []byte{1, 2, 3, 4}, 1)
	assert.NotEqual(t, out0, out1)

	// XOR is its own inverse.
	back := make([]byte, len(in))
	blte.Salsa20XOR(back, out0, key, []byte{1, 2, 3, 4}, 0)
	assert.Equal(t, in, back)
}
