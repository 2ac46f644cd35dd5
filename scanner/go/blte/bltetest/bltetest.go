// Package bltetest builds BLTE streams for tests. The production pipeline
// only ever reads BLTE, so the encoder lives here rather than in the codec.
package bltetest

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"

	"go.minimaps.dev/infra/scanner/go/blte"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

// Raw wraps body in a table-less single-chunk frame with an 'N' block.
func Raw(body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(blte.Magic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte('N')
	buf.Write(body)
	return buf.Bytes()
}

// Block assembles one raw block from a mode byte and its payload.
func Block(mode byte, payload []byte) []byte {
	return append([]byte{mode}, payload...)
}

// ZBlock deflates data into a 'Z' block.
func ZBlock(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('Z')
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}

// EncryptedBlock wraps an inner block (mode byte included) in an 'E' block
// encrypted with Salsa20. index must be the chunk index the block will occupy
// in its frame, since the IV folds it in.
func EncryptedBlock(inner []byte, keyName uint64, key tactkeys.Key, iv [4]byte, index int) []byte {
	ciphertext := make([]byte, len(inner))
	blte.Salsa20XOR(ciphertext, inner, key, iv[:], index)

	var buf bytes.Buffer
	buf.WriteByte('E')
	buf.WriteByte(8)
	_ = binary.Write(&buf, binary.LittleEndian, keyName)
	buf.WriteByte(4)
	buf.Write(iv[:])
	buf.WriteByte('S')
	buf.Write(ciphertext)
	return buf.Bytes()
}

// Frame assembles a chunked frame from raw blocks. Each pair is the block
// bytes (mode byte included) and the size its decoded output will have; the
// chunk table checksums are computed here.
type Chunk struct {
	Block []byte
	// Decoded is the byte length the block decodes to.
	Decoded int
}

// Chunked builds a frame with a chunk table over the given chunks.
func Chunked(chunks ...Chunk) []byte {
	var buf bytes.Buffer
	buf.Write(blte.Magic)
	headerSize := uint32(8 + 4 + len(chunks)*24)
	_ = binary.Write(&buf, binary.BigEndian, headerSize)
	buf.WriteByte(0xF)
	buf.WriteByte(byte(len(chunks) >> 16))
	buf.WriteByte(byte(len(chunks) >> 8))
	buf.WriteByte(byte(len(chunks)))
	for _, c := range chunks {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(c.Block)))
		_ = binary.Write(&buf, binary.BigEndian, uint32(c.Decoded))
		sum := md5.Sum(c.Block)
		buf.Write(sum[:])
	}
	for _, c := range chunks {
		buf.Write(c.Block)
	}
	return buf.Bytes()
}

// Compressed wraps body in a single zlib chunk with a chunk table, the shape
// most real CDN files take.
func Compressed(body []byte) []byte {
	return Chunked(Chunk{Block: ZBlock(body), Decoded: len(body)})
}

// Encrypted wraps body in a single Salsa20 chunk (containing an 'N' block)
// with a chunk table.
func Encrypted(body []byte, keyName uint64, key tactkeys.Key, iv [4]byte) []byte {
	inner := Block('N', body)
	return Chunked(Chunk{Block: EncryptedBlock(inner, keyName, key, iv, 0), Decoded: len(body)})
}
