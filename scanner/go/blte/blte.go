// Package blte decodes BLTE-framed content bodies: the block-level framing
// the upstream CDN wraps every file in. A frame is a sequence of chunks, each
// holding one block that is raw ('N'), zlib-compressed ('Z'), a nested frame
// ('F') or encrypted ('E'). Encrypted blocks are decrypted with keys from a
// tactkeys.Registry; a key the registry does not hold surfaces as a
// *MissingKeyError so callers can tell "encrypted" apart from "corrupt".
package blte

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/salsa20"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

// Magic starts every BLTE stream.
var Magic = []byte("BLTE")

// maxFrameDepth bounds 'F' block recursion.
const maxFrameDepth = 8

// ErrFrameDepth is returned when nested 'F' blocks exceed maxFrameDepth.
var ErrFrameDepth = errors.New("BLTE frame recursion too deep")

// MissingKeyError reports an encrypted block whose key the registry does not
// hold. The scan orchestrator routes on this type: at the map-database level
// it terminates the scan, at the map level it records the map as encrypted
// and carries on.
type MissingKeyError struct {
	KeyName uint64
}

// Error implements error.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing decryption key %s", tactkeys.FormatName(e.KeyName))
}

// UnsupportedCipherError reports an encrypted block using a cipher this
// decoder does not implement (ARC4 appears in very old builds only).
type UnsupportedCipherError struct {
	Cipher byte
}

// Error implements error.
func (e *UnsupportedCipherError) Error() string {
	return fmt.Sprintf("unsupported BLTE block cipher %q", e.Cipher)
}

// ChecksumError reports a chunk whose bytes do not match the checksum in the
// chunk table.
type ChecksumError struct {
	Chunk int
	Want  types.ContentHash
	Got   types.ContentHash
}

// Error implements error.
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("BLTE chunk %d checksum mismatch: got %s, want %s", e.Chunk, e.Got, e.Want)
}

// Parse decodes a whole BLTE stream into memory.
func Parse(r io.Reader, keys *tactkeys.Registry) ([]byte, error) {
	var buf bytes.Buffer
	if err := Decode(r, &buf, keys); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode streams the decoded payload of r to w, chunk by chunk. Chunk
// checksums are verified whenever the frame carries a chunk table.
func Decode(r io.Reader, w io.Writer, keys *tactkeys.Registry) error {
	return decodeFrame(r, w, keys, 0)
}

func decodeFrame(r io.Reader, w io.Writer, keys *tactkeys.Registry, depth int) error {
	if depth >= maxFrameDepth {
		return ErrFrameDepth
	}
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return mmerr.Wrapf(err, "reading BLTE header")
	}
	if !bytes.Equal(head[:4], Magic) {
		return mmerr.Fmt("not a BLTE stream: magic %q", head[:4])
	}
	headerSize := binary.BigEndian.Uint32(head[4:])

	if headerSize == 0 {
		// No chunk table: the rest of the stream is a single block with no
		// checksum and no declared size.
		raw, err := io.ReadAll(r)
		if err != nil {
			return mmerr.Wrapf(err, "reading BLTE body")
		}
		return decodeBlock(raw, 0, depth, keys, w)
	}

	if headerSize < 8+4 {
		return mmerr.Fmt("BLTE header size %d too small for a chunk table", headerSize)
	}
	table := make([]byte, headerSize-8)
	if _, err := io.ReadFull(r, table); err != nil {
		return mmerr.Wrapf(err, "reading BLTE chunk table")
	}
	if table[0] != 0xF {
		return mmerr.Fmt("unsupported BLTE table flags %#x", table[0])
	}
	count := int(table[1])<<16 | int(table[2])<<8 | int(table[3])
	if count == 0 {
		return mmerr.Fmt("BLTE chunk table declares zero chunks")
	}
	if len(table) != 4+count*24 {
		return mmerr.Fmt("BLTE header size %d does not fit %d chunks", headerSize, count)
	}

	entry := table[4:]
	for i := 0; i < count; i++ {
		compressed := binary.BigEndian.Uint32(entry)
		decompressed := binary.BigEndian.Uint32(entry[4:])
		var want types.ContentHash
		copy(want[:], entry[8:24])
		entry = entry[24:]

		raw := make([]byte, compressed)
		if _, err := io.ReadFull(r, raw); err != nil {
			return mmerr.Wrapf(err, "reading BLTE chunk %d (%d bytes)", i, compressed)
		}
		if got := types.ContentHashOf(raw); got != want {
			return &ChecksumError{Chunk: i, Want: want, Got: got}
		}
		cw := &countingWriter{w: w}
		if err := decodeBlock(raw, i, depth, keys, cw); err != nil {
			return err
		}
		if cw.n != int64(decompressed) {
			return mmerr.Fmt("BLTE chunk %d decoded to %d bytes, expected %d", i, cw.n, decompressed)
		}
	}
	return nil
}

// decodeBlock decodes one block (mode byte plus payload). index is the
// block's chunk index within its frame, which feeds the 'E' block IV.
func decodeBlock(raw []byte, index, depth int, keys *tactkeys.Registry, w io.Writer) error {
	if len(raw) == 0 {
		return mmerr.Fmt("empty BLTE block %d", index)
	}
	mode, payload := raw[0], raw[1:]
	switch mode {
	case 'N':
		if _, err := w.Write(payload); err != nil {
			return mmerr.Wrap(err)
		}
		return nil
	case 'Z':
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return mmerr.Wrapf(err, "BLTE block %d: opening zlib stream", index)
		}
		defer util.Close(zr)
		if _, err := io.Copy(w, zr); err != nil {
			return mmerr.Wrapf(err, "BLTE block %d: inflating", index)
		}
		return nil
	case 'F':
		return decodeFrame(bytes.NewReader(payload), w, keys, depth+1)
	case 'E':
		inner, err := decrypt(payload, index, keys)
		if err != nil {
			return err
		}
		// The plaintext is itself a block, mode byte included.
		return decodeBlock(inner, index, depth, keys, w)
	default:
		return mmerr.Fmt("unknown BLTE block mode %#x in block %d", mode, index)
	}
}

// decrypt unwraps an 'E' block: key name length (always 8), little-endian
// key name, IV length (always 4), IV, cipher selector, ciphertext.
func decrypt(payload []byte, index int, keys *tactkeys.Registry) ([]byte, error) {
	if len(payload) < 1 {
		return nil, mmerr.Fmt("truncated encrypted block %d", index)
	}
	nameLen := int(payload[0])
	if nameLen != 8 {
		return nil, mmerr.Fmt("encrypted block %d: unsupported key name length %d", index, nameLen)
	}
	if len(payload) < 1+nameLen+1 {
		return nil, mmerr.Fmt("truncated encrypted block %d", index)
	}
	keyName := binary.LittleEndian.Uint64(payload[1 : 1+nameLen])
	ivLen := int(payload[1+nameLen])
	if ivLen != 4 {
		return nil, mmerr.Fmt("encrypted block %d: unsupported IV length %d", index, ivLen)
	}
	rest := payload[1+nameLen+1:]
	if len(rest) < ivLen+1 {
		return nil, mmerr.Fmt("truncated encrypted block %d", index)
	}
	iv := rest[:ivLen]
	cipher := rest[ivLen]
	body := rest[ivLen+1:]

	key, ok := keys.Lookup(keyName)
	if !ok {
		return nil, &MissingKeyError{KeyName: keyName}
	}

	switch cipher {
	case 'S':
		out := make([]byte, len(body))
		Salsa20XOR(out, body, key, iv, index)
		return out, nil
	default:
		return nil, &UnsupportedCipherError{Cipher: cipher}
	}
}

// Salsa20XOR applies the TACT Salsa20 keystream to in. The 8-byte nonce is
// the block IV zero-padded, with the little-endian block index folded into
// its first four bytes. x/crypto/salsa20 takes 32-byte keys, so the 16-byte
// TACT key is repeated.
func Salsa20XOR(out, in []byte, key tactkeys.Key, iv []byte, index int) {
	var nonce [8]byte
	copy(nonce[:], iv)
	for i := 0; i < 4; i++ {
		nonce[i] ^= byte(index >> (8 * i))
	}
	var key32 [32]byte
	copy(key32[:16], key[:])
	copy(key32[16:], key[:])
	salsa20.XORKeyStream(out, in, nonce[:], &key32)
}

// countingWriter counts bytes written through it, for verifying a chunk's
// declared decompressed size.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
