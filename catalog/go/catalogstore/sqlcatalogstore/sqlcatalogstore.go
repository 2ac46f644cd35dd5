// Package sqlcatalogstore implements catalogstore.Store on PostgreSQL via
// pgx. Every write is an ON CONFLICT upsert keyed on the natural key of the
// row, so the scanner can replay any step.
package sqlcatalogstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.minimaps.dev/infra/catalog/go/catalogstore"
	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/now"
	"go.minimaps.dev/infra/go/sql/pool"
	"go.minimaps.dev/infra/go/sql/sqlutil"
	"go.minimaps.dev/infra/go/util"
)

// missingTilesChunkSize bounds the IN list of one existence query.
const missingTilesChunkSize = 500

// statement is an SQL statement or fragment of an SQL statement.
type statement int

const (
	upsertBuild statement = iota
	upsertProduct
	upsertProductSource
	ensureScan
	getScanState
	pendingJobs
	productID
	updateScanState
	insertTile
	deleteTile
	allTileHashes
	upsertMap
	upsertBuildMap
	widenMinimapBounds
	upsertComposition
	insertTACTKey
	listTACTKeys
	requeueByKey
	listMaps
	mapVersions
	getComposition
	getSetting
	putSetting
)

// Statements are all the SQL statements used in Store.
var Statements = map[statement]string{
	upsertBuild: `
INSERT INTO
	builds (id, version_string, discovered)
VALUES
	($1, $2, $3)
ON CONFLICT (id) DO NOTHING
`,
	// Region sets are unioned because different regions report the same
	// build across ticks, not all at once.
	upsertProduct: `
INSERT INTO
	products (build_id, product_name, regions, first_seen)
VALUES
	($1, $2, $3, $4)
ON CONFLICT (build_id, product_name) DO UPDATE
SET regions = ARRAY(SELECT DISTINCT r FROM unnest(products.regions || EXCLUDED.regions) AS r ORDER BY r)
RETURNING id
`,
	upsertProductSource: `
INSERT INTO
	product_sources (product_id, config_build, config_cdn, config_product, regions, first_seen)
VALUES
	($1, $2, $3, $4, $5, $6)
ON CONFLICT (product_id, config_build, config_cdn, config_product) DO UPDATE
SET regions = ARRAY(SELECT DISTINCT r FROM unnest(product_sources.regions || EXCLUDED.regions) AS r ORDER BY r)
`,
	ensureScan: `
INSERT INTO
	product_scans (product_id, state)
VALUES
	($1, 0)
ON CONFLICT (product_id) DO NOTHING
`,
	getScanState: `
SELECT
	state
FROM
	product_scans
WHERE
	product_id = $1
`,
	// One job per pending product, carrying the newest source's configs.
	pendingJobs: `
SELECT DISTINCT ON (p.id)
	p.product_name, p.build_id, b.version_string, s.config_build, s.config_cdn, s.config_product, p.regions
FROM
	products p
	JOIN product_scans ps ON ps.product_id = p.id
	JOIN builds b ON b.id = p.build_id
	JOIN product_sources s ON s.product_id = p.id
WHERE
	ps.state = 0
ORDER BY
	p.id, s.id DESC
`,
	productID: `
SELECT
	id
FROM
	products
WHERE
	build_id = $1 AND product_name = $2
`,
	updateScanState: `
UPDATE
	product_scans
SET
	state = $2, last_scanned = $3, scan_seconds = $4, exception = $5, encrypted_key = $6, encrypted_maps = $7
WHERE
	product_id = $1
`,
	insertTile: `
INSERT INTO
	minimap_tiles (hash, uploaded)
VALUES
	($1, $2)
ON CONFLICT (hash) DO NOTHING
`,
	deleteTile: `
DELETE FROM
	minimap_tiles
WHERE
	hash = $1
`,
	allTileHashes: `
SELECT
	hash
FROM
	minimap_tiles
`,
	// Identity columns only move forward: a rescan of an old build merges
	// its name into the history without clobbering the newest name.
	upsertMap: `
INSERT INTO
	maps (id, directory, name, fields, latest_version, name_history)
VALUES
	($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET
	directory = CASE WHEN EXCLUDED.latest_version >= maps.latest_version THEN EXCLUDED.directory ELSE maps.directory END,
	name = CASE WHEN EXCLUDED.latest_version >= maps.latest_version THEN EXCLUDED.name ELSE maps.name END,
	fields = CASE WHEN EXCLUDED.latest_version >= maps.latest_version THEN EXCLUDED.fields ELSE maps.fields END,
	latest_version = GREATEST(maps.latest_version, EXCLUDED.latest_version),
	name_history = maps.name_history || EXCLUDED.name_history
`,
	upsertBuildMap: `
INSERT INTO
	build_maps (build_id, map_id, tiles, composition_hash)
VALUES
	($1, $2, $3, $4)
ON CONFLICT (build_id, map_id) DO UPDATE
SET
	tiles = EXCLUDED.tiles, composition_hash = EXCLUDED.composition_hash
`,
	widenMinimapBounds: `
UPDATE
	maps
SET
	first_minimap = LEAST(COALESCE(first_minimap, $2), $2),
	last_minimap = GREATEST(COALESCE(last_minimap, $2), $2)
WHERE
	id = $1
`,
	// Compositions are content-addressed and immutable, except LOD levels
	// may be backfilled by a later scan that has LOD generation enabled.
	upsertComposition: `
INSERT INTO
	compositions (hash, entries, missing, lod, tiles, extents)
VALUES
	($1, $2, $3, $4, $5, $6)
ON CONFLICT (hash) DO UPDATE
SET
	lod = COALESCE(EXCLUDED.lod, compositions.lod)
`,
	insertTACTKey: `
INSERT INTO
	tact_keys (key_name, key, discovered)
VALUES
	($1, $2, $3)
ON CONFLICT (key_name) DO NOTHING
`,
	listTACTKeys: `
SELECT
	key_name, key, discovered
FROM
	tact_keys
ORDER BY
	key_name
`,
	requeueByKey: `
UPDATE
	product_scans
SET
	state = 0
WHERE
	(state IN (2, 3) AND encrypted_key = $1)
	OR (state = 4 AND encrypted_maps ? $1)
`,
	listMaps: `
SELECT
	id, name, directory, parent, first_minimap, last_minimap
FROM
	maps
ORDER BY
	id
`,
	mapVersions: `
SELECT
	bm.build_id, b.version_string, bm.tiles, bm.composition_hash
FROM
	build_maps bm
	JOIN builds b ON b.id = bm.build_id
WHERE
	bm.map_id = $1 AND bm.composition_hash IS NOT NULL
ORDER BY
	bm.build_id DESC
`,
	getComposition: `
SELECT
	entries, missing, lod, tiles, extents
FROM
	compositions
WHERE
	hash = $1
`,
	getSetting: `
SELECT
	value
FROM
	settings
WHERE
	key = $1
`,
	putSetting: `
INSERT INTO
	settings (key, value)
VALUES
	($1, $2)
ON CONFLICT (key) DO UPDATE
SET
	value = EXCLUDED.value
`,
}

// Store implements catalogstore.Store.
type Store struct {
	db pool.Pool
}

// New returns a Store backed by the given pool.
func New(db pool.Pool) *Store {
	return &Store{
		db: db,
	}
}

// wrappedError unwraps and re-wraps a pgconn.PgError to give more details on
// the failure.
func wrappedError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mmerr.Wrapf(err, "Msg: %s, Code: %s, Detail: %s, Hint: %s", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint)
	}
	return mmerr.Wrap(err)
}

// RegisterDiscovered implements catalogstore.Store.
func (s *Store) RegisterDiscovered(ctx context.Context, builds []rpc.DiscoveredBuild) ([]rpc.DiscoveredBuild, error) {
	ts := now.Now(ctx).UTC()
	ret := []rpc.DiscoveredBuild{}
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, b := range builds {
			if _, err := tx.Exec(ctx, Statements[upsertBuild], b.Version.ID(), b.VersionName, ts); err != nil {
				return wrappedError(err)
			}
			var pid int64
			if err := tx.QueryRow(ctx, Statements[upsertProduct], b.Version.ID(), b.Product, b.Regions, ts).Scan(&pid); err != nil {
				return wrappedError(err)
			}
			if _, err := tx.Exec(ctx, Statements[upsertProductSource], pid, b.BuildConfig, b.CDNConfig, b.ProductConfig, b.Regions, ts); err != nil {
				return wrappedError(err)
			}
			if _, err := tx.Exec(ctx, Statements[ensureScan], pid); err != nil {
				return wrappedError(err)
			}
			var state int
			if err := tx.QueryRow(ctx, Statements[getScanState], pid).Scan(&state); err != nil {
				return wrappedError(err)
			}
			if !types.ScanState(state).Terminal() {
				ret = append(ret, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// PendingJobs implements catalogstore.Store.
func (s *Store) PendingJobs(ctx context.Context) ([]rpc.DiscoveredBuild, error) {
	rows, err := s.db.Query(ctx, Statements[pendingJobs])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	ret := []rpc.DiscoveredBuild{}
	for rows.Next() {
		var job rpc.DiscoveredBuild
		var buildID int64
		if err := rows.Scan(&job.Product, &buildID, &job.VersionName, &job.BuildConfig, &job.CDNConfig, &job.ProductConfig, &job.Regions); err != nil {
			return nil, wrappedError(err)
		}
		job.Version = types.BuildVersion(buildID)
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}
	return ret, nil
}

// UpdateScanState implements catalogstore.Store.
func (s *Store) UpdateScanState(ctx context.Context, update rpc.ScanStateUpdate) error {
	var pid int64
	if err := s.db.QueryRow(ctx, Statements[productID], update.Version.ID(), update.Product).Scan(&pid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mmerr.Fmt("no product %q for build %s", update.Product, update.Version)
		}
		return wrappedError(err)
	}
	var exception, encryptedKey *string
	if update.Exception != "" {
		exception = &update.Exception
	}
	if update.EncryptedKey != "" {
		encryptedKey = &update.EncryptedKey
	}
	var encryptedMaps []byte
	if len(update.EncryptedMaps) > 0 {
		b, err := json.Marshal(update.EncryptedMaps)
		if err != nil {
			return mmerr.Wrap(err)
		}
		encryptedMaps = b
	}
	var seconds *float64
	if update.ScanSeconds > 0 {
		seconds = &update.ScanSeconds
	}
	ts := now.Now(ctx).UTC()
	if _, err := s.db.Exec(ctx, Statements[updateScanState], pid, int(update.State), ts, seconds, exception, encryptedKey, encryptedMaps); err != nil {
		return wrappedError(err)
	}
	return nil
}

// MissingTiles implements catalogstore.Store.
func (s *Store) MissingTiles(ctx context.Context, hashes []types.ContentHash) ([]types.ContentHash, error) {
	present := map[types.ContentHash]bool{}
	err := util.ChunkIter(len(hashes), missingTilesChunkSize, func(start, end int) error {
		chunk := hashes[start:end]
		q := fmt.Sprintf(`SELECT hash FROM minimap_tiles WHERE hash IN (%s)`, sqlutil.InPlaceholders(len(chunk)))
		args := make([]interface{}, 0, len(chunk))
		for _, h := range chunk {
			args = append(args, h.Bytes())
		}
		rows, err := s.db.Query(ctx, q, args...)
		if err != nil {
			return wrappedError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var b []byte
			if err := rows.Scan(&b); err != nil {
				return wrappedError(err)
			}
			h, err := types.ContentHashFromBytes(b)
			if err != nil {
				return mmerr.Wrap(err)
			}
			present[h] = true
		}
		return wrappedError(rows.Err())
	})
	if err != nil {
		return nil, err
	}

	missing := []types.ContentHash{}
	seen := map[types.ContentHash]bool{}
	for _, h := range hashes {
		if present[h] || seen[h] {
			continue
		}
		seen[h] = true
		missing = append(missing, h)
	}
	return missing, nil
}

// InsertTile implements catalogstore.Store.
func (s *Store) InsertTile(ctx context.Context, hash types.ContentHash) error {
	if _, err := s.db.Exec(ctx, Statements[insertTile], hash.Bytes(), now.Now(ctx).UTC()); err != nil {
		return wrappedError(err)
	}
	return nil
}

// DeleteTile implements catalogstore.Store.
func (s *Store) DeleteTile(ctx context.Context, hash types.ContentHash) error {
	if _, err := s.db.Exec(ctx, Statements[deleteTile], hash.Bytes()); err != nil {
		return wrappedError(err)
	}
	return nil
}

// AllTileHashes implements catalogstore.Store.
func (s *Store) AllTileHashes(ctx context.Context) ([]types.ContentHash, error) {
	rows, err := s.db.Query(ctx, Statements[allTileHashes])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	ret := []types.ContentHash{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, wrappedError(err)
		}
		h, err := types.ContentHashFromBytes(b)
		if err != nil {
			return nil, mmerr.Wrap(err)
		}
		ret = append(ret, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}
	return ret, nil
}

// UpsertMap implements catalogstore.Store.
func (s *Store) UpsertMap(ctx context.Context, m rpc.MapUpsert) error {
	var fields []byte
	if len(m.Fields) > 0 {
		b, err := json.Marshal(m.Fields)
		if err != nil {
			return mmerr.Wrap(err)
		}
		fields = b
	}
	history, err := json.Marshal(map[string]string{
		strconv.FormatInt(m.Version.ID(), 10): m.Name,
	})
	if err != nil {
		return mmerr.Wrap(err)
	}
	if _, err := s.db.Exec(ctx, Statements[upsertMap], m.ID, m.Directory, m.Name, fields, m.Version.ID(), history); err != nil {
		return wrappedError(err)
	}
	return nil
}

// UpsertBuildMap implements catalogstore.Store.
func (s *Store) UpsertBuildMap(ctx context.Context, bm rpc.BuildMapUpsert) error {
	var hash []byte
	if bm.CompositionHash != nil {
		hash = bm.CompositionHash.Bytes()
	}
	if _, err := s.db.Exec(ctx, Statements[upsertBuildMap], bm.Version.ID(), bm.MapID, bm.Tiles, hash); err != nil {
		return wrappedError(err)
	}
	if bm.CompositionHash == nil {
		return nil
	}
	if _, err := s.db.Exec(ctx, Statements[widenMinimapBounds], bm.MapID, bm.Version.ID()); err != nil {
		return wrappedError(err)
	}
	return nil
}

// UpsertComposition implements catalogstore.Store.
func (s *Store) UpsertComposition(ctx context.Context, comp rpc.Composition) error {
	entries, err := json.Marshal(comp.Entries)
	if err != nil {
		return mmerr.Wrap(err)
	}
	var missing, lod, extents []byte
	if len(comp.Missing) > 0 {
		if missing, err = json.Marshal(comp.Missing); err != nil {
			return mmerr.Wrap(err)
		}
	}
	if len(comp.LOD) > 0 {
		if lod, err = json.Marshal(comp.LOD); err != nil {
			return mmerr.Wrap(err)
		}
	}
	if comp.Extents != nil {
		if extents, err = json.Marshal(comp.Extents); err != nil {
			return mmerr.Wrap(err)
		}
	}
	if _, err := s.db.Exec(ctx, Statements[upsertComposition], comp.Hash.Bytes(), entries, missing, lod, comp.Tiles, extents); err != nil {
		return wrappedError(err)
	}
	return nil
}

// UpsertTACTKeys implements catalogstore.Store.
func (s *Store) UpsertTACTKeys(ctx context.Context, keys []rpc.TACTKey) ([]string, error) {
	ts := now.Now(ctx).UTC()
	newNames := []string{}
	for _, k := range keys {
		raw, err := parseKeyBytes(k.Key)
		if err != nil {
			return nil, mmerr.Wrapf(err, "key %q", k.Name)
		}
		tag, err := s.db.Exec(ctx, Statements[insertTACTKey], k.Name, raw, ts)
		if err != nil {
			return nil, wrappedError(err)
		}
		if tag.RowsAffected() > 0 {
			newNames = append(newNames, k.Name)
		}
	}
	return newNames, nil
}

// parseKeyBytes decodes the 32-hex-char key body.
func parseKeyBytes(s string) ([]byte, error) {
	if len(s) != 32 {
		return nil, mmerr.Fmt("expected 32 hex chars, got %d", len(s))
	}
	h, err := types.ParseContentHash(s)
	if err != nil {
		return nil, err
	}
	return h.Bytes(), nil
}

// ListTACTKeys implements catalogstore.Store.
func (s *Store) ListTACTKeys(ctx context.Context) ([]rpc.TACTKey, error) {
	rows, err := s.db.Query(ctx, Statements[listTACTKeys])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	ret := []rpc.TACTKey{}
	for rows.Next() {
		var k rpc.TACTKey
		var raw []byte
		if err := rows.Scan(&k.Name, &raw, &k.Discovered); err != nil {
			return nil, wrappedError(err)
		}
		k.Key = fmt.Sprintf("%x", raw)
		ret = append(ret, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}
	return ret, nil
}

// RequeueScansBlockedOn implements catalogstore.Store.
func (s *Store) RequeueScansBlockedOn(ctx context.Context, keyName string) (int, error) {
	tag, err := s.db.Exec(ctx, Statements[requeueByKey], keyName)
	if err != nil {
		return 0, wrappedError(err)
	}
	return int(tag.RowsAffected()), nil
}

// ListMaps implements catalogstore.Store.
func (s *Store) ListMaps(ctx context.Context) ([]rpc.MapSummary, error) {
	rows, err := s.db.Query(ctx, Statements[listMaps])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	ret := []rpc.MapSummary{}
	for rows.Next() {
		var m rpc.MapSummary
		var first, last *int64
		if err := rows.Scan(&m.ID, &m.Name, &m.Directory, &m.Parent, &first, &last); err != nil {
			return nil, wrappedError(err)
		}
		if first != nil {
			v := types.BuildVersion(*first)
			m.FirstMinimap = &v
		}
		if last != nil {
			v := types.BuildVersion(*last)
			m.LastMinimap = &v
		}
		ret = append(ret, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}
	return ret, nil
}

// MapVersions implements catalogstore.Store.
func (s *Store) MapVersions(ctx context.Context, mapID int32) ([]rpc.MapVersion, error) {
	rows, err := s.db.Query(ctx, Statements[mapVersions], mapID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	ret := []rpc.MapVersion{}
	for rows.Next() {
		var mv rpc.MapVersion
		var buildID int64
		var hash []byte
		if err := rows.Scan(&buildID, &mv.VersionName, &mv.Tiles, &hash); err != nil {
			return nil, wrappedError(err)
		}
		mv.Version = types.BuildVersion(buildID)
		if len(hash) > 0 {
			h, err := types.ContentHashFromBytes(hash)
			if err != nil {
				return nil, mmerr.Wrap(err)
			}
			mv.CompositionHash = &h
		}
		ret = append(ret, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}
	return ret, nil
}

// GetComposition implements catalogstore.Store.
func (s *Store) GetComposition(ctx context.Context, hash types.ContentHash) (rpc.Composition, bool, error) {
	comp := rpc.Composition{Hash: hash}
	var entries, missing, lod, extents []byte
	err := s.db.QueryRow(ctx, Statements[getComposition], hash.Bytes()).Scan(&entries, &missing, &lod, &comp.Tiles, &extents)
	if errors.Is(err, pgx.ErrNoRows) {
		return rpc.Composition{}, false, nil
	}
	if err != nil {
		return rpc.Composition{}, false, wrappedError(err)
	}
	if err := json.Unmarshal(entries, &comp.Entries); err != nil {
		return rpc.Composition{}, false, mmerr.Wrap(err)
	}
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &comp.Missing); err != nil {
			return rpc.Composition{}, false, mmerr.Wrap(err)
		}
	}
	if len(lod) > 0 {
		if err := json.Unmarshal(lod, &comp.LOD); err != nil {
			return rpc.Composition{}, false, mmerr.Wrap(err)
		}
	}
	if len(extents) > 0 {
		comp.Extents = &rpc.Extents{}
		if err := json.Unmarshal(extents, comp.Extents); err != nil {
			return rpc.Composition{}, false, mmerr.Wrap(err)
		}
	}
	return comp, true, nil
}

// GetSetting implements catalogstore.Store.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, Statements[getSetting], key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrappedError(err)
	}
	return value, true, nil
}

// PutSetting implements catalogstore.Store.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.Exec(ctx, Statements[putSetting], key, value); err != nil {
		return wrappedError(err)
	}
	return nil
}

var _ catalogstore.Store = (*Store)(nil)
