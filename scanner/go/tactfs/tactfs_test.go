package tactfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/scanner/go/blte"
	"go.minimaps.dev/infra/scanner/go/tact"
	"go.minimaps.dev/infra/scanner/go/tactfs/tactfstest"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

func hashOf(b ...byte) types.ContentHash {
	return types.ContentHashOf(b)
}

func TestParseConfig(t *testing.T) {
	text := []byte(`# Build Configuration

root = 0123456789abcdef0123456789abcdef
encoding = aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
build-name = WOW-12345patch11.0.7_retail
`)
	c, err := parseConfig("cafe", text)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef0123456789abcdef", c.Value("root"))
	require.Equal(t, []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}, c.Values("encoding"))
	require.Equal(t, "WOW-12345patch11.0.7_retail", c.Value("build-name"))
	require.Equal(t, "", c.Value("absent"))

	hashes, err := c.Hashes("encoding")
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	_, err = parseConfig("cafe", []byte("no separator here\n"))
	require.Error(t, err)
	_, err = c.Hashes("build-name")
	require.Error(t, err)
}

func TestParseEncoding_RoundTrip(t *testing.T) {
	a, b, x, y, z := hashOf(1), hashOf(2), hashOf(3), hashOf(4), hashOf(5)
	body := tactfstest.BuildEncoding([]tactfstest.EncodingEntry{
		{CKey: a, Size: 1234, EKeys: []types.ContentHash{x}},
		{CKey: b, Size: 99999999999, EKeys: []types.ContentHash{y, z}},
	})
	enc, err := parseEncoding(body)
	require.NoError(t, err)
	require.Equal(t, 2, enc.Len())

	ekeys, ok := enc.EKeysFor(a)
	require.True(t, ok)
	require.Equal(t, []types.ContentHash{x}, ekeys)
	size, ok := enc.FileSize(b)
	require.True(t, ok)
	require.Equal(t, uint64(99999999999), size)
	ekeys, ok = enc.EKeysFor(b)
	require.True(t, ok)
	require.Equal(t, []types.ContentHash{y, z}, ekeys)

	_, ok = enc.EKeysFor(hashOf(6))
	require.False(t, ok)
}

func TestParseEncoding_PageChecksum(t *testing.T) {
	body := tactfstest.BuildEncoding([]tactfstest.EncodingEntry{
		{CKey: hashOf(1), Size: 10, EKeys: []types.ContentHash{hashOf(2)}},
	})
	// Flip a byte inside the single page (the last page byte is padding).
	body[len(body)-1] ^= 0xFF
	_, err := parseEncoding(body)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestParseEncoding_BadMagic(t *testing.T) {
	_, err := parseEncoding([]byte("XX junk"))
	require.Error(t, err)
}

func TestParseInstall(t *testing.T) {
	files := []tactfstest.InstallFile{
		{Name: "Wow.exe", CKey: hashOf(1), Size: 100},
		{Name: "WowB.exe", CKey: hashOf(2), Size: 200},
		{Name: "Data/config", CKey: hashOf(3), Size: 300},
	}
	tags := []tactfstest.InstallTag{
		{Name: "Windows", Entries: []int{0, 2}},
		{Name: "OSX", Entries: []int{1, 2}},
	}
	inst, err := parseInstall(tactfstest.BuildInstall(files, tags))
	require.NoError(t, err)
	require.Equal(t, 3, inst.Len())

	e, ok := inst.ByName("Wow.exe")
	require.True(t, ok)
	require.Equal(t, hashOf(1), e.CKey)
	require.Equal(t, uint32(100), e.Size)
	require.Equal(t, []string{"Windows"}, e.Tags)

	windows := inst.Tagged("Windows")
	require.Len(t, windows, 2)
	require.Equal(t, "Wow.exe", windows[0].Name)
	require.Equal(t, "Data/config", windows[1].Name)

	_, ok = inst.ByName("missing")
	require.False(t, ok)
}

func TestParseArchiveIndex_MultiBlock(t *testing.T) {
	// 170 entries fill one 4 KiB block; 200 forces a second.
	entries := make([]tactfstest.IndexEntry, 200)
	for i := range entries {
		entries[i] = tactfstest.IndexEntry{
			EKey:   hashOf(byte(i), byte(i >> 8)),
			Size:   uint32(i + 1),
			Offset: uint32(i * 100),
		}
	}
	ci := newCompoundingIndex()
	archive := hashOf(0xAA)
	require.NoError(t, ci.addArchive(archive, tactfstest.BuildArchiveIndex(entries)))
	require.Equal(t, 200, ci.Len())

	loc, ok := ci.Resolve(entries[199].EKey)
	require.True(t, ok)
	require.Equal(t, archive, loc.Archive)
	require.Equal(t, int64(19900), loc.Offset)
	require.Equal(t, int64(200), loc.Size)

	_, ok = ci.Resolve(hashOf(0xFF, 0xFF))
	require.False(t, ok)
}

func TestParseFileIndex(t *testing.T) {
	entries := []tactfstest.IndexEntry{
		{EKey: hashOf(1), Size: 10},
		{EKey: hashOf(2), Size: 20},
	}
	fi, err := parseFileIndex(tactfstest.BuildFileIndex(entries))
	require.NoError(t, err)
	require.Equal(t, 2, fi.Len())
	require.True(t, fi.Has(hashOf(1)))
	size, ok := fi.Size(hashOf(2))
	require.True(t, ok)
	require.Equal(t, uint32(20), size)
	require.False(t, fi.Has(hashOf(3)))

	// A nil index (no file-index in the CDN config) matches nothing.
	var none *FileIndex
	require.False(t, none.Has(hashOf(1)))
	require.Equal(t, 0, none.Len())
}

func TestParseIndex_RejectsBadGeometry(t *testing.T) {
	body := tactfstest.BuildFileIndex([]tactfstest.IndexEntry{{EKey: hashOf(1), Size: 1}})
	body[len(body)-20] = 9 // version byte
	_, err := parseFileIndex(body)
	require.Error(t, err)

	_, err = parseFileIndex([]byte("short"))
	require.Error(t, err)

	// An archive index is not a loose-file index.
	archive := tactfstest.BuildArchiveIndex([]tactfstest.IndexEntry{{EKey: hashOf(1), Size: 1}})
	_, err = parseFileIndex(archive)
	require.Error(t, err)
}

func rootFixtureBlocks() []tactfstest.RootBlock {
	return []tactfstest.RootBlock{
		{
			LocaleFlags: LocaleAll,
			Records: []tactfstest.RootRecord{
				{FileID: 100, CKey: hashOf(1)},
				{FileID: 101, CKey: hashOf(2)},
				{FileID: 2000, CKey: hashOf(3)}, // gap exercises delta coding
			},
		},
		{
			LocaleFlags: LocaleDeDE,
			Records: []tactfstest.RootRecord{
				{FileID: 100, CKey: hashOf(4)}, // same id, non-overlapping locale
			},
		},
	}
}

func checkRootFixture(t *testing.T, root *Root) {
	require.Equal(t, 4, root.Len())

	entries := root.EntriesFor(100)
	require.Len(t, entries, 2)
	require.Equal(t, hashOf(1), entries[0].CKey)
	require.Equal(t, LocaleAll, entries[0].LocaleFlags)
	require.Equal(t, hashOf(4), entries[1].CKey)
	require.Equal(t, LocaleDeDE, entries[1].LocaleFlags)

	entries = root.EntriesFor(2000)
	require.Len(t, entries, 1)
	require.Equal(t, hashOf(3), entries[0].CKey)

	require.Empty(t, root.EntriesFor(999))
}

func TestParseRoot_ManifestV2(t *testing.T) {
	root, err := parseRoot(tactfstest.BuildRoot(tactfstest.RootManifestV2, rootFixtureBlocks()...))
	require.NoError(t, err)
	checkRootFixture(t, root)
}

func TestParseRoot_ManifestV1(t *testing.T) {
	root, err := parseRoot(tactfstest.BuildRoot(tactfstest.RootManifestV1, rootFixtureBlocks()...))
	require.NoError(t, err)
	checkRootFixture(t, root)
}

func TestParseRoot_Legacy(t *testing.T) {
	root, err := parseRoot(tactfstest.BuildRoot(tactfstest.RootLegacy, rootFixtureBlocks()...))
	require.NoError(t, err)
	checkRootFixture(t, root)
}

func TestParseRoot_ManifestNamedBlock(t *testing.T) {
	// Hand-assemble a manifest block that keeps its name hashes: the parser
	// must skip them to reach the next block.
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("TSFM")
	_ = binary.Write(&buf, le, uint32(2))
	_ = binary.Write(&buf, le, uint32(20))
	_ = binary.Write(&buf, le, uint32(2))
	_ = binary.Write(&buf, le, uint32(1))
	// Named block: one record, no contentNoNameHash flag.
	_ = binary.Write(&buf, le, uint32(1))
	_ = binary.Write(&buf, le, uint32(0)) // content flags
	_ = binary.Write(&buf, le, LocaleAll)
	_ = binary.Write(&buf, le, uint32(7)) // delta → fdid 7
	h := hashOf(9)
	buf.Write(h[:])
	_ = binary.Write(&buf, le, uint64(0xDEADBEEF)) // name hash
	// Unnamed block after it.
	_ = binary.Write(&buf, le, uint32(1))
	_ = binary.Write(&buf, le, contentNoNameHash)
	_ = binary.Write(&buf, le, LocaleAll)
	_ = binary.Write(&buf, le, uint32(8))
	h2 := hashOf(10)
	buf.Write(h2[:])

	root, err := parseRoot(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 2, root.Len())
	require.Equal(t, hashOf(9), root.EntriesFor(7)[0].CKey)
	require.Equal(t, hashOf(10), root.EntriesFor(8)[0].CKey)
}

func TestParseRoot_RejectsOverlongBlock(t *testing.T) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(1<<30)) // absurd record count
	_ = binary.Write(&buf, le, uint32(0))
	_ = binary.Write(&buf, le, uint32(0))
	_, err := parseRoot(buf.Bytes())
	require.Error(t, err)
}

// buildFS assembles a synthetic CDN, serves it, and resolves a FileSystem
// against it.
func buildFS(t *testing.T, spec tactfstest.Spec, reg *tactkeys.Registry) (*FileSystem, error) {
	cdn := tactfstest.New(spec)
	srv := httptest.NewServer(cdn.Handler())
	t.Cleanup(srv.Close)
	if reg == nil {
		reg = tactkeys.NewRegistry()
	}
	loc, err := tact.NewLocator(tact.Options{
		CacheDir:    t.TempDir(),
		Endpoints:   []tact.Endpoint{{Host: srv.URL, Stem: "tpr/" + cdn.Product}},
		Keys:        reg,
		RatePermits: 10000,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	return New(context.Background(), loc, cdn.Product, cdn.BuildConfigHex, cdn.CDNConfigHex, Options{})
}

func TestFileSystem_EndToEnd(t *testing.T) {
	tileBody := []byte("tile pixels, archived")
	looseBody := []byte("loose body bytes")
	spec := tactfstest.Spec{
		Files: []tactfstest.File{
			{FileID: 700001, Body: tileBody},
			{FileID: 700002, Body: looseBody, Loose: true},
			{FileID: 700003, Body: []byte("german only"), Locale: LocaleDeDE},
		},
		Install: []tactfstest.InstallFile{{Name: "Wow.exe", CKey: hashOf(1), Size: 42}},
	}
	cdn := tactfstest.New(spec)
	fs, err := buildFS(t, spec, nil)
	require.NoError(t, err)

	require.Equal(t, "WOW-synthetic", fs.BuildName())
	require.Equal(t, 1, fs.Install().Len())

	// Archived file resolves to a ranged segment.
	descs := fs.OpenByFileID(700001, LocaleAll)
	require.Len(t, descs, 1)
	require.Equal(t, cdn.CKey(700001), descs[0].CKey)
	require.Equal(t, uint64(len(tileBody)), descs[0].Size)
	require.True(t, descs[0].Resource.Ranged())

	h, err := fs.Open(context.Background(), descs[0], true)
	require.NoError(t, err)
	body, err := h.ReadAll()
	require.NoError(t, err)
	require.Equal(t, tileBody, body)

	// Loose file resolves through the file index by its own key.
	descs = fs.OpenByFileID(700002, LocaleAll)
	require.Len(t, descs, 1)
	require.False(t, descs[0].Resource.Ranged())
	require.Equal(t, descs[0].EKey, descs[0].Resource.EKey)
	h, err = fs.Open(context.Background(), descs[0], true)
	require.NoError(t, err)
	body, err = h.ReadAll()
	require.NoError(t, err)
	require.Equal(t, looseBody, body)

	// Locale filtering.
	require.Empty(t, fs.OpenByFileID(700003, LocaleEnUS))
	require.Len(t, fs.OpenByFileID(700003, LocaleDeDE), 1)
	require.Len(t, fs.OpenByFileID(700003, LocaleAll), 1)

	// Unknown id.
	require.Empty(t, fs.OpenByFileID(12345, LocaleAll))
}

func TestFileSystem_RootOrderStable(t *testing.T) {
	spec := tactfstest.Spec{
		Files: []tactfstest.File{
			{FileID: 500, Body: []byte("first variant")},
			{FileID: 500, Body: []byte("second variant")},
		},
	}
	fs, err := buildFS(t, spec, nil)
	require.NoError(t, err)

	descs := fs.OpenByFileID(500, LocaleAll)
	require.Len(t, descs, 2)
	require.Equal(t, types.ContentHashOf([]byte("first variant")), descs[0].CKey)
	require.Equal(t, types.ContentHashOf([]byte("second variant")), descs[1].CKey)
}

func TestFileSystem_LegacyRoot(t *testing.T) {
	spec := tactfstest.Spec{
		LegacyRoot: true,
		Files:      []tactfstest.File{{FileID: 700001, Body: []byte("legacy build file")}},
	}
	fs, err := buildFS(t, spec, nil)
	require.NoError(t, err)
	descs := fs.OpenByFileID(700001, LocaleAll)
	require.Len(t, descs, 1)
	h, err := fs.Open(context.Background(), descs[0], true)
	require.NoError(t, err)
	body, err := h.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte("legacy build file"), body)
}

func TestFileSystem_EncryptedRootSurfacesMissingKey(t *testing.T) {
	keyName := uint64(0xDEADBEEF12345678)
	key := tactkeys.Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	spec := tactfstest.Spec{
		RootKeyName: keyName,
		RootKey:     key,
		Files:       []tactfstest.File{{FileID: 1, Body: []byte("sealed")}},
	}

	_, err := buildFS(t, spec, tactkeys.NewRegistry())
	var missing *blte.MissingKeyError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, keyName, missing.KeyName)

	// With the key registered the same build resolves.
	reg := tactkeys.NewRegistry()
	reg.Set(keyName, key)
	fs, err := buildFS(t, spec, reg)
	require.NoError(t, err)
	require.Len(t, fs.OpenByFileID(1, LocaleAll), 1)
}

func TestFileSystem_EncryptedFileSurfacesMissingKeyOnOpen(t *testing.T) {
	keyName := uint64(0xABCDEF0011223344)
	key := tactkeys.Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	spec := tactfstest.Spec{
		Files: []tactfstest.File{
			{FileID: 900, Body: []byte("encrypted map data"), KeyName: keyName, Key: key},
		},
	}
	fs, err := buildFS(t, spec, tactkeys.NewRegistry())
	require.NoError(t, err)

	descs := fs.OpenByFileID(900, LocaleAll)
	require.Len(t, descs, 1)
	_, err = fs.Open(context.Background(), descs[0], true)
	var missing *blte.MissingKeyError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, keyName, missing.KeyName)
}
