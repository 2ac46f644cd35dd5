package tactfs

import (
	"bytes"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// The install manifest names platform- and locale-tagged files by path.
// Layout: magic "IN", version u8, hashSize u8, tagCount u16 BE,
// entryCount u32 BE; then tagCount tags of { name cstring, type u16 BE,
// mask ceil(entryCount/8) bytes (bit i, MSB first, marks entry i) }; then
// entryCount entries of { name cstring, ckey [16], size u32 BE }.
var installMagic = []byte("IN")

// InstallEntry is one named file with the tags that select it.
type InstallEntry struct {
	Name string
	CKey types.ContentHash
	Size uint32
	Tags []string
}

// Install is the parsed install manifest.
type Install struct {
	entries []InstallEntry
}

func parseInstall(data []byte) (*Install, error) {
	r := &byteReader{data: data}
	magic, err := r.take(2)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, installMagic) {
		return nil, mmerr.Fmt("bad install magic %q", magic)
	}
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, mmerr.Fmt("unsupported install version %d", version)
	}
	hashSize, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hashSize != 16 {
		return nil, mmerr.Fmt("unsupported install hash size %d", hashSize)
	}
	tagCount, err := r.u16be()
	if err != nil {
		return nil, err
	}
	entryCount, err := r.u32be()
	if err != nil {
		return nil, err
	}

	type tag struct {
		name string
		mask []byte
	}
	maskLen := (int(entryCount) + 7) / 8
	tags := make([]tag, tagCount)
	for i := range tags {
		if tags[i].name, err = r.cstring(); err != nil {
			return nil, mmerr.Wrapf(err, "tag %d", i)
		}
		if _, err := r.u16be(); err != nil { // tag type, unused
			return nil, err
		}
		if tags[i].mask, err = r.take(maskLen); err != nil {
			return nil, mmerr.Wrapf(err, "tag %q mask", tags[i].name)
		}
	}

	inst := &Install{entries: make([]InstallEntry, entryCount)}
	for i := range inst.entries {
		e := &inst.entries[i]
		if e.Name, err = r.cstring(); err != nil {
			return nil, mmerr.Wrapf(err, "entry %d", i)
		}
		if e.CKey, err = r.hash(); err != nil {
			return nil, mmerr.Wrapf(err, "entry %q", e.Name)
		}
		if e.Size, err = r.u32be(); err != nil {
			return nil, mmerr.Wrapf(err, "entry %q", e.Name)
		}
		for _, t := range tags {
			if t.mask[i/8]>>(7-i%8)&1 == 1 {
				e.Tags = append(e.Tags, t.name)
			}
		}
	}
	return inst, nil
}

// Len returns the number of entries.
func (i *Install) Len() int {
	return len(i.entries)
}

// ByName returns the first entry with the given path.
func (i *Install) ByName(name string) (InstallEntry, bool) {
	for _, e := range i.entries {
		if e.Name == name {
			return e, true
		}
	}
	return InstallEntry{}, false
}

// Tagged returns the entries carrying a tag, in manifest order.
func (i *Install) Tagged(tag string) []InstallEntry {
	var out []InstallEntry
	for _, e := range i.entries {
		for _, t := range e.Tags {
			if t == tag {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
