// Package schema describes the catalog's SQL tables as Go structs. The
// Schema constant below is the DDL applied by the migrate subcommand and is
// kept in sync with the structs by hand.
//
// Hash-valued columns are declared as []byte rather than a fixed array
// because the pgx driver only accepts slices; conversion to and from
// types.ContentHash happens at the store boundary.
package schema

import (
	"time"

	"go.minimaps.dev/infra/catalog/go/types"
)

// BuildRow is one uniquely versioned game build. Inserted once per
// BuildVersion, never updated.
type BuildRow struct {
	// ID is the bit-packed BuildVersion.
	ID types.BuildVersion `sql:"id INT8 PRIMARY KEY"`
	// VersionString is the raw upstream version name, e.g. "11.0.7.58238".
	VersionString string `sql:"version_string TEXT NOT NULL"`
	// Discovered is when the poller first reported the build.
	Discovered time.Time `sql:"discovered TIMESTAMPTZ NOT NULL"`
}

// ProductRow is a release channel pointing at a build. The same build is
// often reachable through several products (retail plus PTR, say), each of
// which gets its own row and its own scan.
type ProductRow struct {
	ID int64 `sql:"id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"`
	// BuildID references builds.id.
	BuildID     types.BuildVersion `sql:"build_id INT8 NOT NULL REFERENCES builds (id)"`
	ProductName string             `sql:"product_name TEXT NOT NULL"`
	// Regions is the union of upstream regions that served this pair.
	Regions   []string  `sql:"regions TEXT[] NOT NULL"`
	FirstSeen time.Time `sql:"first_seen TIMESTAMPTZ NOT NULL"`

	unique struct{} `sql:"UNIQUE (build_id, product_name)"`
}

// ProductSourceRow records one distinct (buildConfig, cdnConfig,
// productConfig) triple under which a product was served. A product has at
// least one source; regional rollouts can add more.
type ProductSourceRow struct {
	ID            int64     `sql:"id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"`
	ProductID     int64     `sql:"product_id INT8 NOT NULL REFERENCES products (id)"`
	ConfigBuild   string    `sql:"config_build TEXT NOT NULL"`
	ConfigCDN     string    `sql:"config_cdn TEXT NOT NULL"`
	ConfigProduct string    `sql:"config_product TEXT NOT NULL"`
	Regions       []string  `sql:"regions TEXT[] NOT NULL"`
	FirstSeen     time.Time `sql:"first_seen TIMESTAMPTZ NOT NULL"`

	unique struct{} `sql:"UNIQUE (product_id, config_build, config_cdn, config_product)"`
}

// ProductScanRow is the 1:1 scan state of a product. Created Pending when
// the product is first seen and advanced by the scanner.
type ProductScanRow struct {
	ProductID int64           `sql:"product_id INT8 PRIMARY KEY REFERENCES products (id)"`
	State     types.ScanState `sql:"state INT2 NOT NULL"`
	// LastScanned is when the most recent scan finished (or terminally
	// failed); NULL while still Pending.
	LastScanned *time.Time `sql:"last_scanned TIMESTAMPTZ"`
	// ScanSeconds is the wall-clock duration of the most recent scan.
	ScanSeconds *float64 `sql:"scan_seconds FLOAT8"`
	// Exception holds the error text in the Exception state.
	Exception *string `sql:"exception TEXT"`
	// EncryptedKey is the blocking key name in the two Encrypted states.
	EncryptedKey *string `sql:"encrypted_key TEXT"`
	// EncryptedMaps is a JSON object mapping key name to blocked map ids,
	// populated in the PartialDecrypt state.
	EncryptedMaps []byte `sql:"encrypted_maps JSONB"`
}

// MapRow is the latest-known identity of one map. Directory and Name track
// the most recent scanned build; NameHistory keeps every name a map has had,
// keyed by the decimal packed BuildVersion.
type MapRow struct {
	ID        int32  `sql:"id INT4 PRIMARY KEY"`
	Directory string `sql:"directory TEXT NOT NULL"`
	Name      string `sql:"name TEXT NOT NULL"`
	// Fields is the raw decoded map-table row as JSON. Parent is derived
	// from it so the worker does not hard-code the table layout: the game
	// uses -1 in CosmeticParentMapID to mean "unset".
	Fields []byte   `sql:"fields JSONB"`
	parent struct{} `sql:"parent INT4 GENERATED ALWAYS AS (COALESCE(NULLIF((fields->>'CosmeticParentMapID')::INT4, -1), NULLIF((fields->>'ParentMapID')::INT4, -1))) STORED"`
	// LatestVersion is the newest build that touched this row. Scans of
	// older builds merge into NameHistory but do not overwrite Directory,
	// Name or Fields.
	LatestVersion types.BuildVersion `sql:"latest_version INT8 NOT NULL"`
	// FirstMinimap and LastMinimap reference build_maps (map_id, build_id)
	// and bound the builds with a composition for this map. They only move
	// backward and forward respectively.
	FirstMinimap *types.BuildVersion `sql:"first_minimap INT8"`
	LastMinimap  *types.BuildVersion `sql:"last_minimap INT8"`
	NameHistory  []byte              `sql:"name_history JSONB NOT NULL"`
}

// BuildMapRow associates one map with one build. Tiles and CompositionHash
// stay NULL until the map's minimap has been captured; a map without a WDT
// gets tiles=0 and no composition.
type BuildMapRow struct {
	BuildID types.BuildVersion `sql:"build_id INT8 NOT NULL REFERENCES builds (id)"`
	MapID   int32              `sql:"map_id INT4 NOT NULL REFERENCES maps (id)"`
	Tiles   *int16             `sql:"tiles INT2"`
	// CompositionHash references compositions.hash.
	CompositionHash []byte `sql:"composition_hash BYTEA REFERENCES compositions (hash)"`

	primaryKey struct{} `sql:"PRIMARY KEY (build_id, map_id)"`
	// The viewer lists a map's distinct versions by walking this index.
	versionIndex struct{} `sql:"INDEX build_maps_by_composition (map_id, composition_hash) WHERE composition_hash IS NOT NULL"`
}

// CompositionRow is one content-addressed tile layout. Rows are written once
// and never updated; builds whose minimap did not change share the row.
type CompositionRow struct {
	Hash []byte `sql:"hash BYTEA PRIMARY KEY"`
	// Entries is the JSON array of {x, y, hash} placed tiles.
	Entries []byte `sql:"entries JSONB NOT NULL"`
	// Missing is the JSON array of coordinates whose tile content is
	// referenced by the grid but unobtainable.
	Missing []byte `sql:"missing JSONB"`
	// LOD maps pyramid level to its {x, y, hash} array.
	LOD   []byte `sql:"lod JSONB"`
	Tiles int32  `sql:"tiles INT4 NOT NULL"`
	// Extents is the JSON bounding box {x0, y0, x1, y1}.
	Extents []byte `sql:"extents JSONB"`
}

// MinimapTileRow asserts the blob store holds the tile body with this hash.
type MinimapTileRow struct {
	Hash     []byte    `sql:"hash BYTEA PRIMARY KEY"`
	Uploaded time.Time `sql:"uploaded TIMESTAMPTZ NOT NULL"`
}

// TACTKeyRow is one named decryption key.
type TACTKeyRow struct {
	// KeyName is 16 lowercase hex chars of the big-endian uint64 name.
	KeyName string `sql:"key_name TEXT PRIMARY KEY"`
	// Key is the raw 16-byte key.
	Key        []byte    `sql:"key BYTEA NOT NULL"`
	Discovered time.Time `sql:"discovered TIMESTAMPTZ NOT NULL"`
}

// SettingRow is a misc (key, value) pair: ribbit sequence ids, maintenance
// cursors and the like.
type SettingRow struct {
	Key   string `sql:"key TEXT PRIMARY KEY"`
	Value string `sql:"value TEXT NOT NULL"`
}

// Tables lists every table for reflection-based tooling and test data
// builders.
type Tables struct {
	Builds         []BuildRow
	Products       []ProductRow
	ProductSources []ProductSourceRow
	ProductScans   []ProductScanRow
	Maps           []MapRow
	BuildMaps      []BuildMapRow
	Compositions   []CompositionRow
	MinimapTiles   []MinimapTileRow
	TACTKeys       []TACTKeyRow
	Settings       []SettingRow
}

// Schema is the DDL for all tables. Statements are idempotent so migrate can
// be re-run against a live database.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
	id INT8 PRIMARY KEY,
	version_string TEXT NOT NULL,
	discovered TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
	id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	build_id INT8 NOT NULL REFERENCES builds (id),
	product_name TEXT NOT NULL,
	regions TEXT[] NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	UNIQUE (build_id, product_name)
);
CREATE TABLE IF NOT EXISTS product_sources (
	id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	product_id INT8 NOT NULL REFERENCES products (id),
	config_build TEXT NOT NULL,
	config_cdn TEXT NOT NULL,
	config_product TEXT NOT NULL,
	regions TEXT[] NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	UNIQUE (product_id, config_build, config_cdn, config_product)
);
CREATE TABLE IF NOT EXISTS product_scans (
	product_id INT8 PRIMARY KEY REFERENCES products (id),
	state INT2 NOT NULL,
	last_scanned TIMESTAMPTZ,
	scan_seconds FLOAT8,
	exception TEXT,
	encrypted_key TEXT,
	encrypted_maps JSONB
);
CREATE TABLE IF NOT EXISTS compositions (
	hash BYTEA PRIMARY KEY,
	entries JSONB NOT NULL,
	missing JSONB,
	lod JSONB,
	tiles INT4 NOT NULL,
	extents JSONB
);
CREATE TABLE IF NOT EXISTS maps (
	id INT4 PRIMARY KEY,
	directory TEXT NOT NULL,
	name TEXT NOT NULL,
	fields JSONB,
	parent INT4 GENERATED ALWAYS AS (COALESCE(NULLIF((fields->>'CosmeticParentMapID')::INT4, -1), NULLIF((fields->>'ParentMapID')::INT4, -1))) STORED,
	latest_version INT8 NOT NULL,
	first_minimap INT8,
	last_minimap INT8,
	name_history JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS build_maps (
	build_id INT8 NOT NULL REFERENCES builds (id),
	map_id INT4 NOT NULL REFERENCES maps (id),
	tiles INT2,
	composition_hash BYTEA REFERENCES compositions (hash),
	PRIMARY KEY (build_id, map_id)
);
CREATE INDEX IF NOT EXISTS build_maps_by_composition
	ON build_maps (map_id, composition_hash)
	WHERE composition_hash IS NOT NULL;
CREATE TABLE IF NOT EXISTS minimap_tiles (
	hash BYTEA PRIMARY KEY,
	uploaded TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tact_keys (
	key_name TEXT PRIMARY KEY,
	key BYTEA NOT NULL,
	discovered TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
