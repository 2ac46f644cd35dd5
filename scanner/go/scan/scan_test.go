package scan_test

import (
	"context"
	"encoding/json"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/catalog/go/catalogstore/memcatalogstore"
	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/tilestore/memtilestore"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/catalog/go/web"
	"go.minimaps.dev/infra/scanner/go/blp/blptest"
	"go.minimaps.dev/infra/scanner/go/catalogclient"
	"go.minimaps.dev/infra/scanner/go/dbtable/dbtabletest"
	"go.minimaps.dev/infra/scanner/go/mapdb"
	"go.minimaps.dev/infra/scanner/go/scan"
	"go.minimaps.dev/infra/scanner/go/tact"
	"go.minimaps.dev/infra/scanner/go/tactfs/tactfstest"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
	"go.minimaps.dev/infra/scanner/go/tileenc"
	"go.minimaps.dev/infra/scanner/go/wdt"
	"go.minimaps.dev/infra/scanner/go/wdt/wdttest"
)

// harness serves a synthetic CDN build and an in-memory catalog over HTTP
// and points a Scanner at both.
type harness struct {
	t       *testing.T
	cdn     *tactfstest.CDN
	store   *memcatalogstore.Store
	tiles   *memtilestore.Store
	client  *catalogclient.Client
	scanner *scan.Scanner
	job     rpc.DiscoveredBuild
}

func newHarness(t *testing.T, spec tactfstest.Spec, reg *tactkeys.Registry, opts scan.Options) *harness {
	cdn := tactfstest.New(spec)
	cdnSrv := httptest.NewServer(cdn.Handler())
	t.Cleanup(cdnSrv.Close)
	if reg == nil {
		reg = tactkeys.NewRegistry()
	}
	loc, err := tact.NewLocator(tact.Options{
		CacheDir:    t.TempDir(),
		Endpoints:   []tact.Endpoint{{Host: cdnSrv.URL, Stem: "tpr/" + cdn.Product}},
		Keys:        reg,
		RatePermits: 10000,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	store := memcatalogstore.New()
	tiles := memtilestore.New()
	router := chi.NewRouter()
	web.New(store, tiles).RegisterHandlers(router)
	catSrv := httptest.NewServer(router)
	t.Cleanup(catSrv.Close)
	client := catalogclient.New(catSrv.URL, nil)

	version, err := types.BuildVersionFromParts(11, 0, 7, 58238)
	require.NoError(t, err)
	job := rpc.DiscoveredBuild{
		Product:     cdn.Product,
		Version:     version,
		VersionName: "11.0.7.58238",
		BuildConfig: cdn.BuildConfigHex,
		CDNConfig:   cdn.CDNConfigHex,
		Regions:     []string{"us"},
	}
	pending, err := client.Discovered(context.Background(), []rpc.DiscoveredBuild{job})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	return &harness{
		t:       t,
		cdn:     cdn,
		store:   store,
		tiles:   tiles,
		client:  client,
		scanner: scan.New(loc, client, opts),
		job:     job,
	}
}

func (h *harness) scanState() rpc.ScanStateUpdate {
	state, ok := h.store.ScanState(h.job.Version, h.job.Product)
	require.True(h.t, ok)
	return state
}

func (h *harness) composition(hash types.ContentHash) rpc.Composition {
	comp, ok, err := h.store.GetComposition(context.Background(), hash)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return comp
}

// mapRow builds one map table row: id, directory, name, WDT file id and
// placeholder classification columns.
func mapRow(id int, dir, name string, wdtFileDataID uint32) []interface{} {
	return []interface{}{id, dir, name, wdtFileDataID, -1, -1, 10, 1, 0}
}

func mapTable(rows ...[]interface{}) tactfstest.File {
	return tactfstest.File{
		FileID: mapdb.Table.FileDataID,
		Body:   dbtabletest.Build(mapdb.Table, rows...),
	}
}

func TestScanBuild_MapWithoutWDT(t *testing.T) {
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{mapTable(mapRow(2266, "SomeDungeon", "Some Dungeon", 0))},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 0, res.Maps)
	require.Equal(t, 0, res.Tiles)
	require.Equal(t, 0, res.FailedMaps)

	bm, ok := h.store.BuildMap(h.job.Version, 2266)
	require.True(t, ok)
	require.NotNil(t, bm.Tiles)
	require.Equal(t, int16(0), *bm.Tiles)
	require.Nil(t, bm.CompositionHash)
	require.Equal(t, types.ScanStateFullDecrypt, h.scanState().State)
}

func TestScanBuild_SingleTileMap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(mapRow(2444, "TheWarWithin", "Khaz Algar", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 10, Row: 5, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 0x20, 0x40, 0x60, 0xFF)},
		},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(ctx, h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
	require.Equal(t, 1, res.Tiles)
	require.Equal(t, 1, res.UploadedTiles)

	ckey := h.cdn.CKey(770002)
	wantHash := types.CompositionHashOf([]types.CompositionEntry{
		{Coord: types.TileCoord{X: 10, Y: 5}, Hash: ckey},
	})
	bm, ok := h.store.BuildMap(h.job.Version, 2444)
	require.True(t, ok)
	require.Equal(t, int16(1), *bm.Tiles)
	require.Equal(t, wantHash, *bm.CompositionHash)

	comp := h.composition(wantHash)
	require.Equal(t, []rpc.PlacedTile{{X: 10, Y: 5, Hash: ckey}}, comp.Entries)
	require.Empty(t, comp.Missing)
	require.Equal(t, 1, comp.Tiles)
	require.Equal(t, &rpc.Extents{X0: 10, Y0: 5, X1: 10, Y1: 5}, comp.Extents)

	// The stored blob decodes back to the source pixels.
	rc, contentType, err := h.tiles.Get(ctx, ckey)
	require.NoError(t, err)
	require.Equal(t, tileenc.ContentType, contentType)
	img, err := tileenc.Decode(rc)
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
	want := color.NRGBA{R: 0x60, G: 0x40, B: 0x20, A: 0xFF}
	require.Equal(t, want, color.NRGBAModel.Convert(img.At(0, 0)))
}

func TestScanBuild_SharedTileEncodedOnce(t *testing.T) {
	// Two maps whose tiles have identical pixels share one content hash and
	// therefore one stored blob.
	body := blptest.Solid(8, 8, 1, 2, 3, 255)
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(
				mapRow(1, "MapA", "Map A", 770001),
				mapRow(2, "MapB", "Map B", 880001),
			),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 1, Row: 1, FileID: 770002})},
			{FileID: 880001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 2, Row: 2, FileID: 880002})},
			{FileID: 770002, Body: body},
			{FileID: 880002, Body: body},
		},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 2, res.Maps)
	require.Equal(t, 1, res.Tiles)
	require.Equal(t, 1, res.UploadedTiles)

	all, err := h.store.AllTileHashes(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, h.cdn.CKey(770002), all[0])

	bmA, _ := h.store.BuildMap(h.job.Version, 1)
	bmB, _ := h.store.BuildMap(h.job.Version, 2)
	require.NotEqual(t, *bmA.CompositionHash, *bmB.CompositionHash)
}

func TestScanBuild_RescanUploadsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(mapRow(2444, "TheWarWithin", "Khaz Algar", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 3, Row: 4, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 9, 9, 9, 255)},
		},
	}, nil, scan.Options{})

	first, err := h.scanner.ScanBuild(ctx, h.job)
	require.NoError(t, err)
	require.Equal(t, 1, first.UploadedTiles)

	second, err := h.scanner.ScanBuild(ctx, h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, second.State)
	require.Equal(t, 1, second.Maps)
	require.Equal(t, 0, second.UploadedTiles)

	bm, _ := h.store.BuildMap(h.job.Version, 2444)
	wantHash := types.CompositionHashOf([]types.CompositionEntry{
		{Coord: types.TileCoord{X: 3, Y: 4}, Hash: h.cdn.CKey(770002)},
	})
	require.Equal(t, wantHash, *bm.CompositionHash)
}

func TestScanBuild_EncryptedBuild(t *testing.T) {
	const keyName = uint64(0xDEADBEEF11223344)
	key := tactkeys.Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	reg := tactkeys.NewRegistry()
	h := newHarness(t, tactfstest.Spec{
		RootKeyName: keyName,
		RootKey:     key,
		Files: []tactfstest.File{
			mapTable(mapRow(1, "MapA", "Map A", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 0, Row: 0, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 1, 1, 1, 255)},
		},
	}, reg, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateEncryptedBuild, res.State)

	state := h.scanState()
	require.Equal(t, types.ScanStateEncryptedBuild, state.State)
	require.Equal(t, tactkeys.FormatName(keyName), state.EncryptedKey)

	// Once the key is known the same build scans clean.
	reg.Set(keyName, key)
	res, err = h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
}

func TestScanBuild_EncryptedMapDatabase(t *testing.T) {
	const keyName = uint64(0xABCD001122334455)
	key := tactkeys.Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	reg := tactkeys.NewRegistry()
	table := mapTable(mapRow(1, "MapA", "Map A", 770001))
	table.KeyName = keyName
	table.Key = key
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			table,
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 1, Row: 2, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 2, 2, 2, 255)},
		},
	}, reg, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateEncryptedMapDatabase, res.State)
	require.Equal(t, tactkeys.FormatName(keyName), h.scanState().EncryptedKey)

	reg.Set(keyName, key)
	res, err = h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
}

func TestScanBuild_EncryptedMapThenKeyFound(t *testing.T) {
	ctx := context.Background()
	const keyName = uint64(0xFACE600D12345678)
	key := tactkeys.Key{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	reg := tactkeys.NewRegistry()
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(
				mapRow(1, "Open", "Open Map", 770001),
				mapRow(2, "Sealed", "Sealed Map", 880001),
			),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 3, Row: 4, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 3, 3, 3, 255)},
			{FileID: 880001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 6, Row: 7, FileID: 880002}), KeyName: keyName, Key: key},
			{FileID: 880002, Body: blptest.Solid(8, 8, 4, 4, 4, 255)},
		},
	}, reg, scan.Options{})

	res, err := h.scanner.ScanBuild(ctx, h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStatePartialDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
	name := tactkeys.FormatName(keyName)
	require.Equal(t, map[string][]int32{name: {2}}, res.EncryptedMaps)
	require.Equal(t, map[string][]int32{name: {2}}, h.scanState().EncryptedMaps)

	// The open map is fully captured even while its sibling is blocked.
	bm, ok := h.store.BuildMap(h.job.Version, 1)
	require.True(t, ok)
	require.Equal(t, int16(1), *bm.Tiles)
	bm, ok = h.store.BuildMap(h.job.Version, 2)
	require.True(t, ok)
	require.Nil(t, bm.Tiles)

	// Publishing the key requeues the blocked scan.
	reg.Set(keyName, key)
	_, err = h.client.SyncKeys(ctx, []rpc.TACTKey{{Name: name, Key: key.String()}})
	require.NoError(t, err)
	jobs, err := h.client.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, h.job.Version, jobs[0].Version)

	res, err = h.scanner.ScanBuild(ctx, jobs[0])
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 2, res.Maps)
	require.Empty(t, res.EncryptedMaps)
	require.Equal(t, 1, res.UploadedTiles)

	bm, _ = h.store.BuildMap(h.job.Version, 2)
	require.Equal(t, int16(1), *bm.Tiles)
	require.NotNil(t, bm.CompositionHash)
}

func TestScanBuild_MalformedWDTRecordedOthersProceed(t *testing.T) {
	noMAID := append(
		wdttest.Chunk("MVER", []byte{18, 0, 0, 0}),
		wdttest.Chunk("MPHD", wdttest.MPHD(0, 0))...,
	)
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(
				mapRow(1, "Good", "Good Map", 770001),
				mapRow(9002, "Broken", "Broken Map", 880001),
			),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 1, Row: 1, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 5, 5, 5, 255)},
			{FileID: 880001, Body: noMAID},
		},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
	require.Equal(t, 1, res.FailedMaps)

	state := h.scanState()
	require.Contains(t, state.Exception, "map 9002")
	require.Contains(t, state.Exception, "no MAID")

	bm, ok := h.store.BuildMap(h.job.Version, 9002)
	require.True(t, ok)
	require.Nil(t, bm.Tiles)
	require.Nil(t, bm.CompositionHash)
}

func TestScanBuild_UnobtainableTilesGoMissing(t *testing.T) {
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(mapRow(1, "Patchy", "Patchy Map", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0,
				wdt.TileID{Col: 1, Row: 1, FileID: 770002},
				wdt.TileID{Col: 2, Row: 2, FileID: 999999}, // not in the build
				wdt.TileID{Col: 3, Row: 3, FileID: 770003}, // not a texture
			)},
			{FileID: 770002, Body: blptest.Solid(8, 8, 6, 6, 6, 255)},
			{FileID: 770003, Body: []byte("this is not a BLP")},
		},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateFullDecrypt, res.State)
	require.Equal(t, 1, res.Maps)
	require.Equal(t, 2, res.Tiles)
	require.Equal(t, 1, res.UploadedTiles)
	require.Equal(t, 0, res.FailedMaps)

	bm, _ := h.store.BuildMap(h.job.Version, 1)
	require.Equal(t, int16(1), *bm.Tiles)
	comp := h.composition(*bm.CompositionHash)
	require.Equal(t, []rpc.PlacedTile{{X: 1, Y: 1, Hash: h.cdn.CKey(770002)}}, comp.Entries)
	require.Equal(t, []types.TileCoord{{X: 2, Y: 2}, {X: 3, Y: 3}}, comp.Missing)
	require.Equal(t, &rpc.Extents{X0: 1, Y0: 1, X1: 3, Y1: 3}, comp.Extents)
}

func TestScanBuild_FilterIDs(t *testing.T) {
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(
				mapRow(2266, "Wanted", "Wanted Map", 770001),
				mapRow(530, "Skipped", "Skipped Map", 880001),
			),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 1, Row: 1, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 7, 7, 7, 255)},
			{FileID: 880001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 2, Row: 2, FileID: 880002})},
			{FileID: 880002, Body: blptest.Solid(8, 8, 8, 8, 8, 255)},
		},
	}, nil, scan.Options{FilterIDs: []string{"2*"}})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, 1, res.Maps)
	require.Equal(t, 1, res.Tiles)

	maps, err := h.store.ListMaps(context.Background())
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, int32(2266), maps[0].ID)
	_, ok := h.store.BuildMap(h.job.Version, 530)
	require.False(t, ok)
}

func TestScanBuild_MippedTiles(t *testing.T) {
	spec := func() tactfstest.Spec {
		return tactfstest.Spec{
			Files: []tactfstest.File{
				mapTable(mapRow(451, "development", "Development Land", 770001)),
				{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 4, Row: 4, FileID: 770002})},
				{FileID: 770002, Body: blptest.Build(blptest.Spec{W: 8, H: 8, Mips: true})},
			},
		}
	}

	t.Run("rejected by default", func(t *testing.T) {
		h := newHarness(t, spec(), nil, scan.Options{})
		res, err := h.scanner.ScanBuild(context.Background(), h.job)
		require.NoError(t, err)
		require.Equal(t, types.ScanStateFullDecrypt, res.State)
		require.Equal(t, 0, res.UploadedTiles)

		bm, _ := h.store.BuildMap(h.job.Version, 451)
		require.Equal(t, int16(0), *bm.Tiles)
		comp := h.composition(*bm.CompositionHash)
		require.Empty(t, comp.Entries)
		require.Equal(t, []types.TileCoord{{X: 4, Y: 4}}, comp.Missing)
	})

	t.Run("allowlisted", func(t *testing.T) {
		h := newHarness(t, spec(), nil, scan.Options{AllowMippedMaps: []int32{451}})
		res, err := h.scanner.ScanBuild(context.Background(), h.job)
		require.NoError(t, err)
		require.Equal(t, 1, res.UploadedTiles)

		bm, _ := h.store.BuildMap(h.job.Version, 451)
		require.Equal(t, int16(1), *bm.Tiles)
	})
}

func TestScanBuild_GenerateLOD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(mapRow(1, "Quad", "Quad Map", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0,
				wdt.TileID{Col: 0, Row: 0, FileID: 770002},
				wdt.TileID{Col: 1, Row: 0, FileID: 770003},
				wdt.TileID{Col: 0, Row: 1, FileID: 770004},
				wdt.TileID{Col: 1, Row: 1, FileID: 770005},
			)},
			{FileID: 770002, Body: blptest.Solid(8, 8, 255, 0, 0, 255)},
			{FileID: 770003, Body: blptest.Solid(8, 8, 0, 255, 0, 255)},
			{FileID: 770004, Body: blptest.Solid(8, 8, 0, 0, 255, 255)},
			{FileID: 770005, Body: blptest.Solid(8, 8, 255, 255, 255, 255)},
		},
	}, nil, scan.Options{GenerateLOD: true})

	res, err := h.scanner.ScanBuild(ctx, h.job)
	require.NoError(t, err)
	require.Equal(t, 1, res.Maps)
	require.Equal(t, 4, res.UploadedTiles)

	bm, _ := h.store.BuildMap(h.job.Version, 1)
	comp := h.composition(*bm.CompositionHash)
	require.Len(t, comp.LOD, 6)
	for level := 1; level <= 6; level++ {
		placed := comp.LOD[level]
		require.Len(t, placed, 1, "level %d", level)
		require.Equal(t, 0, placed[0].X)
		require.Equal(t, 0, placed[0].Y)

		// Pyramid tiles are addressed by their own bytes.
		rc, _, err := h.tiles.Get(ctx, placed[0].Hash)
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.Equal(t, placed[0].Hash, types.ContentHashOf(body))
	}

	// Every level halves a 2x2 quad back to the source tile size.
	rc, _, err := h.tiles.Get(ctx, comp.LOD[1][0].Hash)
	require.NoError(t, err)
	img, err := tileenc.Decode(rc)
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
	require.Equal(t, 8, img.Bounds().Dy())
}

func TestScanBuild_BadMapTableAborts(t *testing.T) {
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			{FileID: mapdb.Table.FileDataID, Body: []byte("WDBX this is not a table")},
		},
	}, nil, scan.Options{})

	res, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)
	require.Equal(t, types.ScanStateException, res.State)

	state := h.scanState()
	require.Equal(t, types.ScanStateException, state.State)
	require.NotEmpty(t, state.Exception)
}

func TestScanBuild_CanceledScanStaysPending(t *testing.T) {
	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{mapTable(mapRow(1, "MapA", "Map A", 0))},
	}, nil, scan.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.scanner.ScanBuild(ctx, h.job)
	require.Error(t, err)
	require.Equal(t, types.ScanStatePending, h.scanState().State)
}

func TestScanBuild_WebhookFires(t *testing.T) {
	var mu sync.Mutex
	var got map[string]interface{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		got = payload
		mu.Unlock()
	}))
	t.Cleanup(hook.Close)

	h := newHarness(t, tactfstest.Spec{
		Files: []tactfstest.File{
			mapTable(mapRow(1, "MapA", "Map A", 770001)),
			{FileID: 770001, Body: wdttest.Build(0, 0, wdt.TileID{Col: 1, Row: 1, FileID: 770002})},
			{FileID: 770002, Body: blptest.Solid(8, 8, 1, 2, 3, 255)},
		},
	}, nil, scan.Options{WebhookURL: hook.URL})

	_, err := h.scanner.ScanBuild(context.Background(), h.job)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, h.job.Product, got["product"])
	require.Equal(t, "FullDecrypt", got["state"])
	require.Equal(t, "11.0.7.58238", got["version"])
	require.Equal(t, float64(1), got["maps"])
}
