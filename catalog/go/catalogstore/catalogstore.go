// Package catalogstore defines the interface to the catalog's relational
// store. The SQL implementation lives in the sqlcatalogstore subpackage.
package catalogstore

import (
	"context"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
)

// Store is the catalog's view of builds, products, maps, compositions and
// tiles. All writes are idempotent upserts so the scanner can repeat any
// step after a crash without corrupting state.
type Store interface {
	// RegisterDiscovered upserts the given builds with their products and
	// sources, creating a Pending scan for products seen for the first
	// time. It returns the subset whose scan is still Pending, which is the
	// caller's work list for this tick.
	RegisterDiscovered(ctx context.Context, builds []rpc.DiscoveredBuild) ([]rpc.DiscoveredBuild, error)

	// PendingJobs returns every (product, build) pair whose scan state is
	// Pending, including pairs re-queued by key discovery.
	PendingJobs(ctx context.Context) ([]rpc.DiscoveredBuild, error)

	// UpdateScanState records the outcome of a scan.
	UpdateScanState(ctx context.Context, update rpc.ScanStateUpdate) error

	// MissingTiles returns the subset of hashes with no minimap_tiles row.
	MissingTiles(ctx context.Context, hashes []types.ContentHash) ([]types.ContentHash, error)

	// InsertTile records that the blob store now holds this tile.
	InsertTile(ctx context.Context, hash types.ContentHash) error

	// DeleteTile removes a tile pointer row (maintenance only).
	DeleteTile(ctx context.Context, hash types.ContentHash) error

	// AllTileHashes returns every recorded tile hash (maintenance only).
	AllTileHashes(ctx context.Context) ([]types.ContentHash, error)

	// UpsertMap records a map-table row as seen in one build. Name history
	// accumulates across builds; the identity columns track the newest
	// build that touched the row.
	UpsertMap(ctx context.Context, m rpc.MapUpsert) error

	// UpsertBuildMap links a map to a build. When the row carries a
	// composition hash the map's first/last minimap bounds are widened.
	UpsertBuildMap(ctx context.Context, bm rpc.BuildMapUpsert) error

	// UpsertComposition inserts a composition if absent. Compositions are
	// immutable except for the LOD levels, which may be filled in by a
	// later scan.
	UpsertComposition(ctx context.Context, comp rpc.Composition) error

	// UpsertTACTKeys inserts the given keys, returning the names that were
	// not previously known.
	UpsertTACTKeys(ctx context.Context, keys []rpc.TACTKey) ([]string, error)

	// ListTACTKeys returns all known keys.
	ListTACTKeys(ctx context.Context) ([]rpc.TACTKey, error)

	// RequeueScansBlockedOn moves scans blocked on the named key back to
	// Pending: the two Encrypted states matching encrypted_key and
	// PartialDecrypt scans whose encrypted_maps mention the key. Returns
	// the number of scans re-queued.
	RequeueScansBlockedOn(ctx context.Context, keyName string) (int, error)

	// ListMaps returns the viewer's map listing.
	ListMaps(ctx context.Context) ([]rpc.MapSummary, error)

	// MapVersions returns the builds holding a composition for the map,
	// newest first.
	MapVersions(ctx context.Context, mapID int32) ([]rpc.MapVersion, error)

	// GetComposition returns one composition, or false if absent.
	GetComposition(ctx context.Context, hash types.ContentHash) (rpc.Composition, bool, error)

	// GetSetting returns a misc setting value, or false if unset.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// PutSetting stores a misc setting value.
	PutSetting(ctx context.Context, key, value string) error
}
