// Package rpc defines the JSON wire types spoken between the scanner worker
// and the catalog server, plus the read-only viewer API responses. All keys
// are camelCase. ContentHash values travel as 32-char lowercase hex strings
// and BuildVersion values as decimal strings (the packed int64 exceeds the
// 53-bit precision of a JSON number).
package rpc

import (
	"time"

	"go.minimaps.dev/infra/catalog/go/types"
)

// DiscoveredBuild is one (product, version) pair the poller found upstream.
// The worker POSTs a batch to /publish/discovered; the catalog responds with
// the sub-batch it has not yet terminally processed, which doubles as the
// worker's scan queue. GET /publish/jobs returns the same shape for scans
// re-queued by key discovery.
type DiscoveredBuild struct {
	Product       string             `json:"product"`
	Version       types.BuildVersion `json:"version"`
	VersionName   string             `json:"versionName"`
	BuildConfig   string             `json:"buildConfig"`
	CDNConfig     string             `json:"cdnConfig"`
	ProductConfig string             `json:"productConfig"`
	Regions       []string           `json:"regions"`
}

// ScanStateUpdate moves one product scan to a new state. POSTed to
// /publish/scan-state when a scan reaches a terminal state or is picked up.
type ScanStateUpdate struct {
	Product string             `json:"product"`
	Version types.BuildVersion `json:"version"`
	State   types.ScanState    `json:"state"`
	// Exception carries the error text in the Exception state.
	Exception string `json:"exception,omitempty"`
	// EncryptedKey is the single blocking key name in the EncryptedBuild and
	// EncryptedMapDatabase states.
	EncryptedKey string `json:"encryptedKey,omitempty"`
	// EncryptedMaps maps a key name to the map ids it blocks, recorded in the
	// PartialDecrypt state.
	EncryptedMaps map[string][]int32 `json:"encryptedMaps,omitempty"`
	// ScanSeconds is how long the scan ran, reported on terminal states.
	ScanSeconds float64 `json:"scanSeconds,omitempty"`
}

// MapUpsert records one row of the map table as seen in a given build.
// Fields carries the raw decoded row so the catalog can derive columns (the
// map's parent, for one) without the worker hard-coding the schema.
type MapUpsert struct {
	ID        int32                  `json:"id"`
	Version   types.BuildVersion     `json:"version"`
	Directory string                 `json:"directory"`
	Name      string                 `json:"name"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// BuildMapUpsert associates a map with a build, optionally linking the
// composition observed for it. Tiles is nil until the map has been scanned.
type BuildMapUpsert struct {
	Version         types.BuildVersion `json:"version"`
	MapID           int32              `json:"mapId"`
	Tiles           *int16             `json:"tiles,omitempty"`
	CompositionHash *types.ContentHash `json:"compositionHash,omitempty"`
}

// PlacedTile is one tile of a composition: grid coordinate plus the hash of
// the tile's source content.
type PlacedTile struct {
	X    int               `json:"x"`
	Y    int               `json:"y"`
	Hash types.ContentHash `json:"hash"`
}

// Extents is the bounding box of a composition's occupied coordinates.
type Extents struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Composition is the full tile layout of one map in one or more builds,
// keyed by the deterministic hash over its entries. Written once via
// POST /publish/composition and never updated.
type Composition struct {
	Hash    types.ContentHash `json:"hash"`
	Entries []PlacedTile      `json:"entries"`
	// Missing lists coordinates the grid references but whose tile content
	// could not be fetched.
	Missing []types.TileCoord `json:"missing,omitempty"`
	// LOD maps pyramid level (1..6) to the downsampled layout of that level.
	// Level 0 is Entries and is the only level the hash covers.
	LOD     map[int][]PlacedTile `json:"lod,omitempty"`
	Tiles   int                  `json:"tiles"`
	Extents *Extents             `json:"extents,omitempty"`
}

// TACTKey is one named decryption key, hex on the wire: 16 chars of key name
// and 32 chars of key bytes.
type TACTKey struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	// Discovered is when the catalog first saw the key. Zero on push.
	Discovered time.Time `json:"discovered,omitempty"`
}

// MapSummary is one row of the viewer's map listing.
type MapSummary struct {
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Parent    *int32 `json:"parent,omitempty"`
	// FirstMinimap and LastMinimap bound the builds for which the catalog
	// holds a composition of this map.
	FirstMinimap *types.BuildVersion `json:"firstMinimap,omitempty"`
	LastMinimap  *types.BuildVersion `json:"lastMinimap,omitempty"`
}

// MapVersion is one build's entry in a map's version history.
type MapVersion struct {
	Version         types.BuildVersion `json:"version"`
	VersionName     string             `json:"versionName"`
	Tiles           *int16             `json:"tiles,omitempty"`
	CompositionHash *types.ContentHash `json:"compositionHash,omitempty"`
}
