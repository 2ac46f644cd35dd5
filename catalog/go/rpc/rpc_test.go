package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/catalog/go/types"
)

func TestDiscoveredBuild_JSON_VersionIsQuotedString(t *testing.T) {
	v, err := types.ParseBuildVersion("11.0.7.58238")
	require.NoError(t, err)
	b, err := json.Marshal(DiscoveredBuild{
		Product:     "wow",
		Version:     v,
		VersionName: "11.0.7.58238",
		Regions:     []string{"us", "eu"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"version":"49539625965904766"`)
	assert.Contains(t, string(b), `"product":"wow"`)

	var back DiscoveredBuild
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, v, back.Version)
	assert.Equal(t, []string{"us", "eu"}, back.Regions)
}

func TestComposition_JSON_RoundTripWithLOD(t *testing.T) {
	h1 := types.ContentHashOf([]byte("one"))
	h2 := types.ContentHashOf([]byte("two"))
	in := Composition{
		Hash: types.CompositionHashOf([]types.CompositionEntry{
			{Coord: types.TileCoord{X: 10, Y: 5}, Hash: h1},
			{Coord: types.TileCoord{X: 11, Y: 5}, Hash: h2},
		}),
		Entries: []PlacedTile{
			{X: 10, Y: 5, Hash: h1},
			{X: 11, Y: 5, Hash: h2},
		},
		Missing: []types.TileCoord{{X: 12, Y: 5}},
		LOD: map[int][]PlacedTile{
			1: {{X: 5, Y: 2, Hash: types.ContentHashOf([]byte("lod"))}},
		},
		Tiles:   2,
		Extents: &Extents{X0: 10, Y0: 5, X1: 12, Y1: 5},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	var back Composition
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, in, back)
}

func TestScanStateUpdate_JSON_OmitsEmptyOptionals(t *testing.T) {
	b, err := json.Marshal(ScanStateUpdate{
		Product: "wow",
		Version: 1,
		State:   types.ScanStateFullDecrypt,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "exception")
	assert.NotContains(t, string(b), "encryptedKey")
	assert.Contains(t, string(b), `"state":"FullDecrypt"`)
}
