package tactfs

import (
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

// Archive indices and the loose-file index share one container: a run of
// 4 KiB blocks of fixed-width entries, a table of contents, and a footer:
//
//	tocHash [8], version u8 (1), 0, 0, blockSizeKb u8 (4),
//	offsetBytes u8 (4 in archives, 0 in the loose-file index),
//	sizeBytes u8 (4), keySize u8 (16), checksumSize u8 (8),
//	entryCount u32 little-endian, footerChecksum [8].
//
// Entries are { ekey [16], size u32 BE, offset u32 BE } with the offset
// omitted when offsetBytes is 0. The entry count lives in the footer, so
// parsing starts from the end.
const (
	indexFooterLen = 28
	indexBlockLen  = 4096
)

type indexFooter struct {
	blockSizeKb  byte
	offsetBytes  byte
	sizeBytes    byte
	keySize      byte
	checksumSize byte
	entryCount   uint32
}

func parseIndexFooter(data []byte) (indexFooter, error) {
	if len(data) < indexFooterLen {
		return indexFooter{}, mmerr.Fmt("index of %d bytes cannot hold a footer", len(data))
	}
	r := &byteReader{data: data[len(data)-indexFooterLen:]}
	if err := r.skip(8); err != nil { // toc hash
		return indexFooter{}, err
	}
	version, _ := r.u8()
	if version != 1 {
		return indexFooter{}, mmerr.Fmt("unsupported index version %d", version)
	}
	if err := r.skip(2); err != nil {
		return indexFooter{}, err
	}
	var f indexFooter
	f.blockSizeKb, _ = r.u8()
	f.offsetBytes, _ = r.u8()
	f.sizeBytes, _ = r.u8()
	f.keySize, _ = r.u8()
	f.checksumSize, _ = r.u8()
	count, err := r.u32le()
	if err != nil {
		return indexFooter{}, err
	}
	f.entryCount = count
	if f.blockSizeKb != 4 || f.sizeBytes != 4 || f.keySize != 16 || f.checksumSize != 8 {
		return indexFooter{}, mmerr.Fmt("unsupported index geometry (block %d KiB, size %d, key %d, checksum %d)",
			f.blockSizeKb, f.sizeBytes, f.keySize, f.checksumSize)
	}
	if f.offsetBytes != 0 && f.offsetBytes != 4 {
		return indexFooter{}, mmerr.Fmt("unsupported index offset width %d", f.offsetBytes)
	}
	return f, nil
}

// forEachIndexEntry walks an index body entry by entry.
func forEachIndexEntry(data []byte, f indexFooter, fn func(ekey types.ContentHash, size, offset uint32) error) error {
	entryLen := int(f.keySize) + int(f.sizeBytes) + int(f.offsetBytes)
	perBlock := indexBlockLen / entryLen
	remaining := int(f.entryCount)
	blockCount := (remaining + perBlock - 1) / perBlock
	if need := blockCount*indexBlockLen + indexFooterLen; len(data) < need {
		return mmerr.Fmt("index holds %d bytes, %d entries need %d", len(data), remaining, need)
	}
	for b := 0; b < blockCount; b++ {
		r := &byteReader{data: data[b*indexBlockLen : (b+1)*indexBlockLen]}
		for i := 0; i < perBlock && remaining > 0; i++ {
			ekey, err := r.hash()
			if err != nil {
				return err
			}
			size, err := r.u32be()
			if err != nil {
				return err
			}
			var offset uint32
			if f.offsetBytes == 4 {
				if offset, err = r.u32be(); err != nil {
					return err
				}
			}
			if err := fn(ekey, size, offset); err != nil {
				return err
			}
			remaining--
		}
	}
	return nil
}

// ArchiveLocation is a byte range inside one archive.
type ArchiveLocation struct {
	Archive types.ContentHash
	Offset  int64
	Size    int64
}

// CompoundingIndex routes an encoding key to its archive segment across all
// of a build's archives.
type CompoundingIndex struct {
	locations map[types.ContentHash]ArchiveLocation
}

func newCompoundingIndex() *CompoundingIndex {
	return &CompoundingIndex{locations: map[types.ContentHash]ArchiveLocation{}}
}

// addArchive parses one archive's index and merges its entries.
func (c *CompoundingIndex) addArchive(archive types.ContentHash, data []byte) error {
	f, err := parseIndexFooter(data)
	if err != nil {
		return err
	}
	if f.offsetBytes != 4 {
		return mmerr.Fmt("archive index %s carries no offsets", archive)
	}
	return forEachIndexEntry(data, f, func(ekey types.ContentHash, size, offset uint32) error {
		c.locations[ekey] = ArchiveLocation{Archive: archive, Offset: int64(offset), Size: int64(size)}
		return nil
	})
}

// Resolve returns the archive segment holding an encoding key.
func (c *CompoundingIndex) Resolve(ekey types.ContentHash) (ArchiveLocation, bool) {
	loc, ok := c.locations[ekey]
	return loc, ok
}

// Len returns the number of routable encoding keys.
func (c *CompoundingIndex) Len() int {
	return len(c.locations)
}

// FileIndex lists the encoding keys stored loose on the CDN (fetchable
// directly by key) with their sizes.
type FileIndex struct {
	sizes map[types.ContentHash]uint32
}

func parseFileIndex(data []byte) (*FileIndex, error) {
	f, err := parseIndexFooter(data)
	if err != nil {
		return nil, err
	}
	if f.offsetBytes != 0 {
		return nil, mmerr.Fmt("loose-file index unexpectedly carries offsets")
	}
	fi := &FileIndex{sizes: map[types.ContentHash]uint32{}}
	err = forEachIndexEntry(data, f, func(ekey types.ContentHash, size, _ uint32) error {
		fi.sizes[ekey] = size
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fi, nil
}

// Has reports whether the key is stored loose.
func (f *FileIndex) Has(ekey types.ContentHash) bool {
	if f == nil {
		return false
	}
	_, ok := f.sizes[ekey]
	return ok
}

// Size returns the loose file's stored size.
func (f *FileIndex) Size(ekey types.ContentHash) (uint32, bool) {
	size, ok := f.sizes[ekey]
	return size, ok
}

// Len returns the number of loose files.
func (f *FileIndex) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sizes)
}
