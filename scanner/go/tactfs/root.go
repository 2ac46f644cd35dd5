package tactfs

import (
	"bytes"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// Locale bits as the root manifest carries them.
const (
	LocaleEnUS uint32 = 0x2
	LocaleKoKR uint32 = 0x4
	LocaleFrFR uint32 = 0x10
	LocaleDeDE uint32 = 0x20
	LocaleZhCN uint32 = 0x40
	LocaleEsES uint32 = 0x80
	LocaleZhTW uint32 = 0x100
	LocaleEnGB uint32 = 0x200
	LocaleEsMX uint32 = 0x1000
	LocaleRuRU uint32 = 0x2000
	LocalePtBR uint32 = 0x4000
	LocaleItIT uint32 = 0x8000
	LocalePtPT uint32 = 0x10000

	// LocaleAll matches every locale; minimap textures are locale-neutral,
	// so scans query with this.
	LocaleAll uint32 = 0xFFFFFFFF
)

// contentNoNameHash marks manifest blocks whose records omit the name hash.
const contentNoNameHash uint32 = 0x10000000

// rootMagic opens the manifest-style root ("MFST" as a little-endian u32).
var rootMagic = []byte("TSFM")

// RootEntry maps one file id to its content key under a set of locale and
// content flags. A file id may appear multiple times with different flags.
type RootEntry struct {
	FileID       uint32
	CKey         types.ContentHash
	LocaleFlags  uint32
	ContentFlags uint32
}

// Root is the parsed root manifest: the build's file-id to content-key
// table. Entries keep manifest order.
type Root struct {
	entries []RootEntry
	byID    map[uint32][]int
}

// parseRoot reads either root layout. Both are runs of blocks
// { recordCount u32, contentFlags u32, localeFlags u32 } (all little-endian)
// followed by recordCount file-id deltas (i32); the manifest layout then
// carries all content keys as one array (plus a name-hash array unless the
// block sets contentNoNameHash), while the legacy layout interleaves
// { ckey [16], nameHash u64 } per record. The manifest layout opens with
// rootMagic and either { totalFiles u32, namedFiles u32 } or, when the first
// word after the magic is < 0x100, a versioned header
// { version u32, headerSize u32, totalFiles u32, namedFiles u32 } with the
// blocks starting at headerSize.
func parseRoot(data []byte) (*Root, error) {
	root := &Root{byID: map[uint32][]int{}}
	r := &byteReader{data: data}
	manifest := bytes.HasPrefix(data, rootMagic)
	if manifest {
		if err := r.skip(len(rootMagic)); err != nil {
			return nil, err
		}
		first, err := r.u32le()
		if err != nil {
			return nil, err
		}
		if first < 0x100 {
			// Versioned header; first is the version.
			headerSize, err := r.u32le()
			if err != nil {
				return nil, err
			}
			if err := r.seek(int(headerSize)); err != nil {
				return nil, mmerr.Wrapf(err, "root header size")
			}
		} else {
			// first was the total file count; skip the named count.
			if err := r.skip(4); err != nil {
				return nil, err
			}
		}
	}

	for r.remain() >= 12 {
		count, err := r.u32le()
		if err != nil {
			return nil, err
		}
		contentFlags, err := r.u32le()
		if err != nil {
			return nil, err
		}
		localeFlags, err := r.u32le()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		if int(count) > r.remain()/4 {
			return nil, mmerr.Fmt("root block claims %d records with %d bytes left", count, r.remain())
		}

		deltas := make([]int32, count)
		for i := range deltas {
			v, err := r.u32le()
			if err != nil {
				return nil, err
			}
			deltas[i] = int32(v)
		}

		var fdid uint32
		emit := func(i int, ckey types.ContentHash) {
			fdid += uint32(deltas[i])
			root.byID[fdid] = append(root.byID[fdid], len(root.entries))
			root.entries = append(root.entries, RootEntry{
				FileID:       fdid,
				CKey:         ckey,
				LocaleFlags:  localeFlags,
				ContentFlags: contentFlags,
			})
			fdid++
		}

		if manifest {
			for i := 0; i < int(count); i++ {
				ckey, err := r.hash()
				if err != nil {
					return nil, err
				}
				emit(i, ckey)
			}
			if contentFlags&contentNoNameHash == 0 {
				if err := r.skip(8 * int(count)); err != nil {
					return nil, mmerr.Wrapf(err, "root name hashes")
				}
			}
		} else {
			for i := 0; i < int(count); i++ {
				ckey, err := r.hash()
				if err != nil {
					return nil, err
				}
				if err := r.skip(8); err != nil { // name hash
					return nil, err
				}
				emit(i, ckey)
			}
		}
	}
	return root, nil
}

// EntriesFor returns every root entry for a file id, in manifest order.
func (r *Root) EntriesFor(fdid uint32) []RootEntry {
	indices := r.byID[fdid]
	out := make([]RootEntry, 0, len(indices))
	for _, i := range indices {
		out = append(out, r.entries[i])
	}
	return out
}

// Len returns the number of root entries.
func (r *Root) Len() int {
	return len(r.entries)
}
