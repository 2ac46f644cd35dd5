package tactfs

import (
	"encoding/binary"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// byteReader is a bounds-checked cursor over an in-memory manifest. All of
// the build manifests are small enough to hold in memory whole, so the
// parsers share this instead of layering bufio over readers.
type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) remain() int {
	return len(r.data) - r.off
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.remain() < n {
		return nil, mmerr.Fmt("need %d bytes at offset %d, have %d", n, r.off, r.remain())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) skip(n int) error {
	_, err := r.take(n)
	return err
}

func (r *byteReader) seek(off int) error {
	if off < 0 || off > len(r.data) {
		return mmerr.Fmt("seek to %d outside %d-byte input", off, len(r.data))
	}
	r.off = off
	return nil
}

func (r *byteReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u16be() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) u32be() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) u32le() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// u40be reads the 5-byte big-endian sizes the encoding table uses.
func (r *byteReader) u40be() (uint64, error) {
	b, err := r.take(5)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]), nil
}

func (r *byteReader) hash() (types.ContentHash, error) {
	b, err := r.take(16)
	if err != nil {
		return types.ContentHash{}, err
	}
	return types.ContentHashFromBytes(b)
}

// cstring reads a NUL-terminated string.
func (r *byteReader) cstring() (string, error) {
	start := r.off
	for i := r.off; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[start:i])
			r.off = i + 1
			return s, nil
		}
	}
	return "", mmerr.Fmt("unterminated string at offset %d", start)
}
