package tactfs

import (
	"bytes"
	"crypto/md5"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// The encoding table maps content keys to the encoding keys whose bodies the
// CDN actually stores. Layout (multi-byte integers big-endian):
//
//	magic "EN", version u8, ckeyHashSize u8, ekeyHashSize u8,
//	ckeyPageSizeKb u16, ekeyPageSizeKb u16,
//	ckeyPageCount u32, ekeyPageCount u32,
//	unused u8, especBlockSize u32,
//	espec string block,
//	ckey page index: ckeyPageCount x { firstCKey [16], pageMD5 [16] },
//	ckey pages: ckeyPageCount x (ckeyPageSizeKb KiB), each a run of
//	  { ekeyCount u8, fileSize u40, ckey [16], ekeys ekeyCount x [16] }
//	  terminated by a zero ekeyCount.
//
// The ekey spec pages that follow are not read; nothing here consumes
// encoding specs.
var encodingMagic = []byte("EN")

type encodingEntry struct {
	size  uint64
	ekeys []types.ContentHash
}

// Encoding answers "which encoding keys hold this content key's body, and
// how large is the body".
type Encoding struct {
	entries map[types.ContentHash]encodingEntry
}

func parseEncoding(data []byte) (*Encoding, error) {
	r := &byteReader{data: data}
	magic, err := r.take(2)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, encodingMagic) {
		return nil, mmerr.Fmt("bad encoding magic %q", magic)
	}
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, mmerr.Fmt("unsupported encoding version %d", version)
	}
	ckeySize, err := r.u8()
	if err != nil {
		return nil, err
	}
	ekeySize, err := r.u8()
	if err != nil {
		return nil, err
	}
	if ckeySize != 16 || ekeySize != 16 {
		return nil, mmerr.Fmt("unsupported encoding key sizes %d/%d", ckeySize, ekeySize)
	}
	ckeyPageKb, err := r.u16be()
	if err != nil {
		return nil, err
	}
	if _, err := r.u16be(); err != nil { // ekey page size, unused
		return nil, err
	}
	ckeyPages, err := r.u32be()
	if err != nil {
		return nil, err
	}
	if _, err := r.u32be(); err != nil { // ekey page count, unused
		return nil, err
	}
	if err := r.skip(1); err != nil {
		return nil, err
	}
	especSize, err := r.u32be()
	if err != nil {
		return nil, err
	}
	if err := r.skip(int(especSize)); err != nil {
		return nil, mmerr.Wrapf(err, "espec block")
	}

	type pageIndex struct {
		first types.ContentHash
		md5   [16]byte
	}
	index := make([]pageIndex, ckeyPages)
	for i := range index {
		if index[i].first, err = r.hash(); err != nil {
			return nil, mmerr.Wrapf(err, "page index %d", i)
		}
		sum, err := r.take(16)
		if err != nil {
			return nil, mmerr.Wrapf(err, "page index %d", i)
		}
		copy(index[i].md5[:], sum)
	}

	pageSize := int(ckeyPageKb) * 1024
	enc := &Encoding{entries: map[types.ContentHash]encodingEntry{}}
	for i := range index {
		page, err := r.take(pageSize)
		if err != nil {
			return nil, mmerr.Wrapf(err, "page %d", i)
		}
		if md5.Sum(page) != index[i].md5 {
			return nil, mmerr.Fmt("encoding page %d checksum mismatch", i)
		}
		pr := &byteReader{data: page}
		for pr.remain() > 0 {
			count, err := pr.u8()
			if err != nil {
				return nil, err
			}
			if count == 0 {
				break // padding to the page boundary
			}
			size, err := pr.u40be()
			if err != nil {
				return nil, err
			}
			ckey, err := pr.hash()
			if err != nil {
				return nil, err
			}
			ekeys := make([]types.ContentHash, count)
			for k := range ekeys {
				if ekeys[k], err = pr.hash(); err != nil {
					return nil, err
				}
			}
			enc.entries[ckey] = encodingEntry{size: size, ekeys: ekeys}
		}
	}
	return enc, nil
}

// EKeysFor returns the encoding keys holding a content key's body, in
// priority order.
func (e *Encoding) EKeysFor(ckey types.ContentHash) ([]types.ContentHash, bool) {
	entry, ok := e.entries[ckey]
	return entry.ekeys, ok
}

// FileSize returns the decompressed size recorded for a content key.
func (e *Encoding) FileSize(ckey types.ContentHash) (uint64, bool) {
	entry, ok := e.entries[ckey]
	return entry.size, ok
}

// Len returns the number of content keys in the table.
func (e *Encoding) Len() int {
	return len(e.entries)
}
