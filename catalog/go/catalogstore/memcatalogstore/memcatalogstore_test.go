package memcatalogstore

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
)

func discovered(t *testing.T, product, versionName string, regions ...string) rpc.DiscoveredBuild {
	v, err := types.ParseBuildVersion(versionName)
	require.NoError(t, err)
	return rpc.DiscoveredBuild{
		Product:       product,
		Version:       v,
		VersionName:   versionName,
		BuildConfig:   "bc-" + versionName,
		CDNConfig:     "cc-" + versionName,
		ProductConfig: "pc-" + versionName,
		Regions:       regions,
	}
}

func TestRegisterDiscovered_NewBuild_ReturnedAsPending(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := discovered(t, "wow", "11.0.7.58238", "us")

	ret, err := s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{b})
	require.NoError(t, err)
	require.Len(t, ret, 1)
	assert.Equal(t, b.Version, ret[0].Version)

	// Still pending, so a repeat registration returns it again.
	ret, err = s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{b})
	require.NoError(t, err)
	assert.Len(t, ret, 1)
}

func TestRegisterDiscovered_TerminalScan_FilteredOut(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := discovered(t, "wow", "11.0.7.58238", "us")
	_, err := s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{b})
	require.NoError(t, err)

	require.NoError(t, s.UpdateScanState(ctx, rpc.ScanStateUpdate{
		Product: "wow",
		Version: b.Version,
		State:   types.ScanStateFullDecrypt,
	}))

	ret, err := s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{b})
	require.NoError(t, err)
	assert.Empty(t, ret)

	jobs, err := s.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRegisterDiscovered_SecondRegion_UnionsRegions(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{discovered(t, "wow", "11.0.7.58238", "us")})
	require.NoError(t, err)
	_, err = s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{discovered(t, "wow", "11.0.7.58238", "eu", "kr")})
	require.NoError(t, err)

	jobs, err := s.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"eu", "kr", "us"}, jobs[0].Regions)
}

func TestRequeueScansBlockedOn_MatchesKeyInBothShapes(t *testing.T) {
	ctx := context.Background()
	s := New()
	b1 := discovered(t, "wow", "11.0.7.58238", "us")
	b2 := discovered(t, "wowt", "11.1.0.60000", "us")
	b3 := discovered(t, "wow_beta", "12.0.0.61000", "us")
	_, err := s.RegisterDiscovered(ctx, []rpc.DiscoveredBuild{b1, b2, b3})
	require.NoError(t, err)

	require.NoError(t, s.UpdateScanState(ctx, rpc.ScanStateUpdate{
		Product: "wow", Version: b1.Version,
		State:        types.ScanStateEncryptedMapDatabase,
		EncryptedKey: "aabbccdd00112233",
	}))
	require.NoError(t, s.UpdateScanState(ctx, rpc.ScanStateUpdate{
		Product: "wowt", Version: b2.Version,
		State:         types.ScanStatePartialDecrypt,
		EncryptedMaps: map[string][]int32{"aabbccdd00112233": {269}},
	}))
	require.NoError(t, s.UpdateScanState(ctx, rpc.ScanStateUpdate{
		Product: "wow_beta", Version: b3.Version,
		State: types.ScanStateFullDecrypt,
	}))

	n, err := s.RequeueScansBlockedOn(ctx, "aabbccdd00112233")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := s.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	// A key nobody is blocked on requeues nothing.
	n, err = s.RequeueScansBlockedOn(ctx, "ffffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertMap_OlderBuild_KeepsNewestIdentity(t *testing.T) {
	ctx := context.Background()
	s := New()
	vNew, err := types.ParseBuildVersion("11.0.7.58238")
	require.NoError(t, err)
	vOld, err := types.ParseBuildVersion("10.2.7.54577")
	require.NoError(t, err)

	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{
		ID: 1, Version: vNew, Directory: "azeroth", Name: "Eastern Kingdoms",
	}))
	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{
		ID: 1, Version: vOld, Directory: "azeroth_old", Name: "Azeroth",
	}))

	maps, err := s.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, "Eastern Kingdoms", maps[0].Name)
	assert.Equal(t, "azeroth", maps[0].Directory)

	// The older name still lands in the history.
	assert.Equal(t, "Azeroth", s.maps[1].nameHistory[strconv.FormatInt(vOld.ID(), 10)])
	assert.Equal(t, "Eastern Kingdoms", s.maps[1].nameHistory[strconv.FormatInt(vNew.ID(), 10)])
}

func TestUpsertMap_ParentDerivation(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := types.ParseBuildVersion("11.0.7.58238")
	require.NoError(t, err)

	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{
		ID: 2, Version: v, Directory: "kalimdor", Name: "Kalimdor",
		Fields: map[string]interface{}{"CosmeticParentMapID": float64(-1), "ParentMapID": float64(0)},
	}))
	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{
		ID: 3, Version: v, Directory: "orphan", Name: "Orphan",
		Fields: map[string]interface{}{"CosmeticParentMapID": float64(-1), "ParentMapID": float64(-1)},
	}))
	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{
		ID: 4, Version: v, Directory: "cosmetic", Name: "Cosmetic",
		Fields: map[string]interface{}{"CosmeticParentMapID": float64(7), "ParentMapID": float64(0)},
	}))

	maps, err := s.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 3)
	require.NotNil(t, maps[0].Parent)
	assert.Equal(t, int32(0), *maps[0].Parent)
	assert.Nil(t, maps[1].Parent)
	require.NotNil(t, maps[2].Parent)
	assert.Equal(t, int32(7), *maps[2].Parent)
}

func TestUpsertBuildMap_WithComposition_WidensMinimapBounds(t *testing.T) {
	ctx := context.Background()
	s := New()
	vMid, err := types.ParseBuildVersion("10.0.0.1")
	require.NoError(t, err)
	vOld, err := types.ParseBuildVersion("9.0.0.1")
	require.NoError(t, err)
	vNew, err := types.ParseBuildVersion("11.0.0.1")
	require.NoError(t, err)
	require.NoError(t, s.UpsertMap(ctx, rpc.MapUpsert{ID: 1, Version: vMid, Directory: "d", Name: "n"}))

	h := types.ContentHashOf([]byte("comp"))
	for _, v := range []types.BuildVersion{vMid, vOld, vNew} {
		require.NoError(t, s.UpsertBuildMap(ctx, rpc.BuildMapUpsert{Version: v, MapID: 1, CompositionHash: &h}))
	}

	maps, err := s.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.NotNil(t, maps[0].FirstMinimap)
	require.NotNil(t, maps[0].LastMinimap)
	assert.Equal(t, vOld, *maps[0].FirstMinimap)
	assert.Equal(t, vNew, *maps[0].LastMinimap)

	versions, err := s.MapVersions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, vNew, versions[0].Version)
}

func TestMissingTiles_DeduplicatesAndFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	h1 := types.ContentHashOf([]byte("one"))
	h2 := types.ContentHashOf([]byte("two"))
	require.NoError(t, s.InsertTile(ctx, h1))

	missing, err := s.MissingTiles(ctx, []types.ContentHash{h1, h2, h2})
	require.NoError(t, err)
	assert.Equal(t, []types.ContentHash{h2}, missing)
}

func TestUpsertComposition_SecondWrite_OnlyBackfillsLOD(t *testing.T) {
	ctx := context.Background()
	s := New()
	h := types.ContentHashOf([]byte("comp"))
	first := rpc.Composition{
		Hash:    h,
		Entries: []rpc.PlacedTile{{X: 1, Y: 2, Hash: types.ContentHashOf([]byte("t"))}},
		Tiles:   1,
	}
	require.NoError(t, s.UpsertComposition(ctx, first))

	second := first
	second.Entries = nil
	second.Tiles = 99
	second.LOD = map[int][]rpc.PlacedTile{1: {{X: 0, Y: 1, Hash: types.ContentHashOf([]byte("l"))}}}
	require.NoError(t, s.UpsertComposition(ctx, second))

	got, ok, err := s.GetComposition(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Tiles)
	assert.Len(t, got.Entries, 1)
	assert.Len(t, got.LOD, 1)
}

func TestUpsertTACTKeys_ReturnsOnlyNewNames(t *testing.T) {
	ctx := context.Background()
	s := New()
	keys := []rpc.TACTKey{
		{Name: "aabbccdd00112233", Key: "000102030405060708090a0b0c0d0e0f"},
		{Name: "ffeeddcc00112233", Key: "0f0e0d0c0b0a09080706050403020100"},
	}
	newNames, err := s.UpsertTACTKeys(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, []string{"aabbccdd00112233", "ffeeddcc00112233"}, newNames)

	newNames, err = s.UpsertTACTKeys(ctx, keys[:1])
	require.NoError(t, err)
	assert.Empty(t, newNames)

	all, err := s.ListTACTKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettings_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, ok, err := s.GetSetting(ctx, "summary_seqn")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, "summary_seqn", "12345"))
	v, ok, err := s.GetSetting(ctx, "summary_seqn")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "12345", v)
}
