// Package tactfstest assembles complete synthetic CDN builds for tests: the
// config blobs, encoding/install/root manifests, archives and their indices,
// all served from an http.Handler that honors Range requests. Scanner tests
// point a locator at the handler and work against it like against the real
// CDN.
package tactfstest

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/scanner/go/blte/bltetest"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

// RootLayout selects which root manifest layout a builder emits.
type RootLayout int

const (
	// RootManifestV2 is the current layout: magic + versioned header.
	RootManifestV2 RootLayout = iota
	// RootManifestV1 is the first manifest layout: magic + file counts.
	RootManifestV1
	// RootLegacy is the pre-manifest layout: headerless interleaved records.
	RootLegacy
)

// RootRecord is one file in a root block.
type RootRecord struct {
	FileID uint32
	CKey   types.ContentHash
}

// RootBlock groups records under shared flags. FileIDs must ascend within a
// block.
type RootBlock struct {
	ContentFlags uint32
	LocaleFlags  uint32
	Records      []RootRecord
}

const contentNoNameHash uint32 = 0x10000000

// BuildRoot encodes root blocks in the requested layout.
func BuildRoot(layout RootLayout, blocks ...RootBlock) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	total := 0
	for _, b := range blocks {
		total += len(b.Records)
	}
	switch layout {
	case RootManifestV2:
		buf.WriteString("TSFM")
		_ = binary.Write(&buf, le, uint32(2))  // version
		_ = binary.Write(&buf, le, uint32(20)) // header size
		_ = binary.Write(&buf, le, uint32(total))
		_ = binary.Write(&buf, le, uint32(0)) // named files
	case RootManifestV1:
		buf.WriteString("TSFM")
		// The version heuristic needs the total file count word to be large;
		// real builds always are.
		count := uint32(total)
		if count < 0x100 {
			count = 0x100
		}
		_ = binary.Write(&buf, le, count)
		_ = binary.Write(&buf, le, uint32(0)) // named files
	case RootLegacy:
	}

	for _, b := range blocks {
		flags := b.ContentFlags
		if layout != RootLegacy {
			flags |= contentNoNameHash
		}
		_ = binary.Write(&buf, le, uint32(len(b.Records)))
		_ = binary.Write(&buf, le, flags)
		_ = binary.Write(&buf, le, b.LocaleFlags)
		next := uint32(0)
		for _, rec := range b.Records {
			_ = binary.Write(&buf, le, rec.FileID-next)
			next = rec.FileID + 1
		}
		for _, rec := range b.Records {
			buf.Write(rec.CKey[:])
			if layout == RootLegacy {
				_ = binary.Write(&buf, le, uint64(0)) // name hash
			}
		}
	}
	return buf.Bytes()
}

// EncodingEntry is one content key with its encoded representations.
type EncodingEntry struct {
	CKey  types.ContentHash
	Size  uint64
	EKeys []types.ContentHash
}

// BuildEncoding encodes the encoding table (4 KiB pages, checksummed).
func BuildEncoding(entries []EncodingEntry) []byte {
	sorted := append([]EncodingEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].CKey[:], sorted[j].CKey[:]) < 0
	})

	const pageLen = 4096
	var pages [][]byte
	var page bytes.Buffer
	flush := func() {
		if page.Len() == 0 {
			return
		}
		body := page.Bytes()
		full := make([]byte, pageLen)
		copy(full, body)
		pages = append(pages, full)
		page.Reset()
	}
	for _, e := range sorted {
		need := 1 + 5 + 16 + 16*len(e.EKeys)
		if page.Len()+need > pageLen {
			flush()
		}
		page.WriteByte(byte(len(e.EKeys)))
		size := e.Size
		page.Write([]byte{byte(size >> 32), byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)})
		page.Write(e.CKey[:])
		for _, ek := range e.EKeys {
			page.Write(ek[:])
		}
	}
	flush()

	var buf bytes.Buffer
	be := binary.BigEndian
	buf.WriteString("EN")
	buf.WriteByte(1)  // version
	buf.WriteByte(16) // ckey size
	buf.WriteByte(16) // ekey size
	_ = binary.Write(&buf, be, uint16(4))
	_ = binary.Write(&buf, be, uint16(4))
	_ = binary.Write(&buf, be, uint32(len(pages)))
	_ = binary.Write(&buf, be, uint32(0)) // ekey pages
	buf.WriteByte(0)
	_ = binary.Write(&buf, be, uint32(0)) // espec block

	firstIn := func(p []byte) []byte { return p[6:22] } // skip count+size of the first entry
	for _, p := range pages {
		buf.Write(firstIn(p))
		sum := md5.Sum(p)
		buf.Write(sum[:])
	}
	for _, p := range pages {
		buf.Write(p)
	}
	return buf.Bytes()
}

// InstallFile is one named entry for BuildInstall.
type InstallFile struct {
	Name string
	CKey types.ContentHash
	Size uint32
}

// InstallTag marks a subset of entries (by index) with a name.
type InstallTag struct {
	Name    string
	Entries []int
}

// BuildInstall encodes an install manifest.
func BuildInstall(files []InstallFile, tags []InstallTag) []byte {
	var buf bytes.Buffer
	be := binary.BigEndian
	buf.WriteString("IN")
	buf.WriteByte(1)  // version
	buf.WriteByte(16) // hash size
	_ = binary.Write(&buf, be, uint16(len(tags)))
	_ = binary.Write(&buf, be, uint32(len(files)))

	maskLen := (len(files) + 7) / 8
	for _, t := range tags {
		buf.WriteString(t.Name)
		buf.WriteByte(0)
		_ = binary.Write(&buf, be, uint16(1)) // tag type
		mask := make([]byte, maskLen)
		for _, i := range t.Entries {
			mask[i/8] |= 1 << (7 - i%8)
		}
		buf.Write(mask)
	}
	for _, f := range files {
		buf.WriteString(f.Name)
		buf.WriteByte(0)
		buf.Write(f.CKey[:])
		_ = binary.Write(&buf, be, f.Size)
	}
	return buf.Bytes()
}

// IndexEntry is one row for the index builders. Offset is ignored by
// BuildFileIndex.
type IndexEntry struct {
	EKey   types.ContentHash
	Size   uint32
	Offset uint32
}

// BuildArchiveIndex encodes an archive index (entries carry offsets).
func BuildArchiveIndex(entries []IndexEntry) []byte {
	return buildIndex(entries, 4)
}

// BuildFileIndex encodes a loose-file index (no offsets).
func BuildFileIndex(entries []IndexEntry) []byte {
	return buildIndex(entries, 0)
}

func buildIndex(entries []IndexEntry, offsetBytes int) []byte {
	const blockLen = 4096
	be := binary.BigEndian
	entryLen := 16 + 4 + offsetBytes
	perBlock := blockLen / entryLen

	var blocks [][]byte
	for start := 0; start < len(entries); start += perBlock {
		end := start + perBlock
		if end > len(entries) {
			end = len(entries)
		}
		var b bytes.Buffer
		for _, e := range entries[start:end] {
			b.Write(e.EKey[:])
			_ = binary.Write(&b, be, e.Size)
			if offsetBytes == 4 {
				_ = binary.Write(&b, be, e.Offset)
			}
		}
		full := make([]byte, blockLen)
		copy(full, b.Bytes())
		blocks = append(blocks, full)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, make([]byte, blockLen))
	}

	var toc bytes.Buffer
	for i, b := range blocks {
		last := i*perBlock + perBlock - 1
		if last >= len(entries) {
			last = len(entries) - 1
		}
		if last >= 0 {
			toc.Write(entries[last].EKey[:])
		} else {
			toc.Write(make([]byte, 16))
		}
		sum := md5.Sum(b)
		toc.Write(sum[:8])
	}

	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(b)
	}
	tocSum := md5.Sum(toc.Bytes())
	buf.Write(toc.Bytes())
	buf.Write(tocSum[:8])
	buf.WriteByte(1) // version
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(4) // block size KiB
	buf.WriteByte(byte(offsetBytes))
	buf.WriteByte(4)  // size bytes
	buf.WriteByte(16) // key size
	buf.WriteByte(8)  // checksum size
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(entries)))
	footSum := md5.Sum(buf.Bytes()[len(buf.Bytes())-20:])
	buf.Write(footSum[:8])
	return buf.Bytes()
}

// File is one content file in a synthetic build.
type File struct {
	FileID uint32
	Body   []byte
	// Locale defaults to all locales.
	Locale uint32
	// Loose serves the body by its own encoding key instead of packing it
	// into the archive.
	Loose bool
	// KeyName/Key, when KeyName is nonzero, wrap the body in a Salsa20
	// encrypted BLTE frame.
	KeyName uint64
	Key     tactkeys.Key
}

// Spec configures a synthetic build.
type Spec struct {
	// Product defaults to "wow".
	Product string
	Files   []File
	// LegacyRoot emits the legacy root layout.
	LegacyRoot bool
	// RootKeyName/RootKey encrypt the root manifest itself, making the whole
	// build unreadable without the key.
	RootKeyName uint64
	RootKey     tactkeys.Key
	// Install entries to include (optional).
	Install []InstallFile
}

// CDN is an assembled synthetic build plus the blobs that serve it.
type CDN struct {
	Product        string
	BuildConfigHex string
	CDNConfigHex   string

	blobs map[string][]byte
	ckeys map[uint32]types.ContentHash
}

var testIV = [4]byte{0xA1, 0xB2, 0xC3, 0xD4}

func fanOut(h string) string {
	return h[0:2] + "/" + h[2:4] + "/" + h
}

func hexOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// New assembles a build per spec.
func New(spec Spec) *CDN {
	c := &CDN{
		Product: spec.Product,
		blobs:   map[string][]byte{},
		ckeys:   map[uint32]types.ContentHash{},
	}
	if c.Product == "" {
		c.Product = "wow"
	}

	encode := func(body []byte, keyName uint64, key tactkeys.Key) (blob []byte, ckey, ekey types.ContentHash) {
		if keyName != 0 {
			blob = bltetest.Encrypted(body, keyName, key, testIV)
		} else {
			blob = bltetest.Compressed(body)
		}
		return blob, types.ContentHashOf(body), types.ContentHashOf(blob)
	}

	var encEntries []EncodingEntry
	var archive bytes.Buffer
	var archiveIndex []IndexEntry
	var looseIndex []IndexEntry

	pack := func(blob []byte, ekey types.ContentHash, loose bool) {
		if loose {
			looseIndex = append(looseIndex, IndexEntry{EKey: ekey, Size: uint32(len(blob))})
			c.blobs["data/"+fanOut(ekey.String())] = blob
			return
		}
		archiveIndex = append(archiveIndex, IndexEntry{
			EKey:   ekey,
			Size:   uint32(len(blob)),
			Offset: uint32(archive.Len()),
		})
		archive.Write(blob)
	}

	var rootBlocks []RootBlock
	packed := map[types.ContentHash]bool{}
	for _, f := range spec.Files {
		blob, ckey, ekey := encode(f.Body, f.KeyName, f.Key)
		c.ckeys[f.FileID] = ckey
		locale := f.Locale
		if locale == 0 {
			locale = 0xFFFFFFFF
		}
		rootBlocks = append(rootBlocks, RootBlock{
			LocaleFlags: locale,
			Records:     []RootRecord{{FileID: f.FileID, CKey: ckey}},
		})
		if packed[ekey] {
			continue // identical body already stored
		}
		packed[ekey] = true
		encEntries = append(encEntries, EncodingEntry{CKey: ckey, Size: uint64(len(f.Body)), EKeys: []types.ContentHash{ekey}})
		pack(blob, ekey, f.Loose)
	}

	// Root goes into the archive so builds exercise the segment route.
	rootBody := BuildRoot(rootLayout(spec), rootBlocks...)
	rootBlob, rootCKey, rootEKey := encode(rootBody, spec.RootKeyName, spec.RootKey)
	encEntries = append(encEntries, EncodingEntry{CKey: rootCKey, Size: uint64(len(rootBody)), EKeys: []types.ContentHash{rootEKey}})
	pack(rootBlob, rootEKey, false)

	// Install is always loose.
	installBody := BuildInstall(spec.Install, nil)
	installBlob, installCKey, installEKey := encode(installBody, 0, tactkeys.Key{})
	encEntries = append(encEntries, EncodingEntry{CKey: installCKey, Size: uint64(len(installBody)), EKeys: []types.ContentHash{installEKey}})
	c.blobs["data/"+fanOut(installEKey.String())] = installBlob

	// Encoding describes everything above, and is itself stored loose.
	encodingBody := BuildEncoding(encEntries)
	encodingBlob, encodingCKey, encodingEKey := encode(encodingBody, 0, tactkeys.Key{})
	c.blobs["data/"+fanOut(encodingEKey.String())] = encodingBlob

	archiveBytes := archive.Bytes()
	archiveHex := hexOf(archiveBytes)
	c.blobs["data/"+fanOut(archiveHex)] = archiveBytes
	c.blobs["data/"+fanOut(archiveHex)+".index"] = BuildArchiveIndex(archiveIndex)

	fileIndexBytes := BuildFileIndex(looseIndex)
	fileIndexHex := hexOf(fileIndexBytes)
	c.blobs["data/"+fanOut(fileIndexHex)+".index"] = fileIndexBytes

	buildConfig := fmt.Sprintf(`# Build Configuration

root = %s
install = %s %s
install-size = %d %d
encoding = %s %s
encoding-size = %d %d
build-name = WOW-synthetic
`,
		rootCKey, installCKey, installEKey, len(installBody), len(installBlob),
		encodingCKey, encodingEKey, len(encodingBody), len(encodingBlob))
	c.BuildConfigHex = hexOf([]byte(buildConfig))
	c.blobs["config/"+fanOut(c.BuildConfigHex)] = []byte(buildConfig)

	cdnConfig := fmt.Sprintf(`# CDN Configuration

archives = %s
archives-index-size = %d
file-index = %s
file-index-size = %d
`,
		archiveHex, len(c.blobs["data/"+fanOut(archiveHex)+".index"]), fileIndexHex, len(fileIndexBytes))
	c.CDNConfigHex = hexOf([]byte(cdnConfig))
	c.blobs["config/"+fanOut(c.CDNConfigHex)] = []byte(cdnConfig)

	return c
}

func rootLayout(spec Spec) RootLayout {
	if spec.LegacyRoot {
		return RootLegacy
	}
	return RootManifestV2
}

// CKey returns the content key assembled for a file id.
func (c *CDN) CKey(fdid uint32) types.ContentHash {
	return c.ckeys[fdid]
}

// Handler serves the build below /tpr/{product}/, honoring byte-range
// requests the way the production CDN does.
func (c *CDN) Handler() http.Handler {
	prefix := "/tpr/" + c.Product + "/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		blob, ok := c.blobs[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			start, end, ok := parseRange(rng, len(blob))
			if !ok {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(blob[start : end+1])
			return
		}
		_, _ = w.Write(blob)
	})
}

// parseRange handles the single-range "bytes=a-b" and "bytes=a-" forms.
func parseRange(header string, size int) (start, end int, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	from, to, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.Atoi(from)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if to != "" {
		if end, err = strconv.Atoi(to); err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}
