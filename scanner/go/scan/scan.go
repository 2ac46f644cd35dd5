// Package scan walks one discovered build end to end: it resolves the
// build's filesystem, reads the map table, parses every map's WDT, fetches
// and encodes each referenced minimap tile exactly once and publishes tiles,
// compositions and the final scan state to the catalog.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/now"
	"go.minimaps.dev/infra/scanner/go/blp"
	"go.minimaps.dev/infra/scanner/go/blte"
	"go.minimaps.dev/infra/scanner/go/dbtable"
	"go.minimaps.dev/infra/scanner/go/mapdb"
	"go.minimaps.dev/infra/scanner/go/tact"
	"go.minimaps.dev/infra/scanner/go/tactfs"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
	"go.minimaps.dev/infra/scanner/go/tileenc"
	"go.minimaps.dev/infra/scanner/go/wdt"
)

// maxLODLevel is the deepest downsampled pyramid level. A full 64x64 grid
// halves down to a single tile in six steps.
const maxLODLevel = 6

// Catalog is the slice of the catalog API the scanner publishes through.
// *catalogclient.Client implements it.
type Catalog interface {
	MissingTiles(ctx context.Context, hashes []types.ContentHash) ([]types.ContentHash, error)
	PutTile(ctx context.Context, hash types.ContentHash, contentType string, body []byte) error
	GetTile(ctx context.Context, hash types.ContentHash) ([]byte, string, error)
	UpdateScanState(ctx context.Context, update rpc.ScanStateUpdate) error
	UpsertMap(ctx context.Context, m rpc.MapUpsert) error
	UpsertBuildMap(ctx context.Context, bm rpc.BuildMapUpsert) error
	UpsertComposition(ctx context.Context, comp rpc.Composition) error
}

// Options tune a Scanner. The zero value scans every map of a build with one
// worker per CPU and no LOD pyramid.
type Options struct {
	// Workers bounds the map-scan and tile-encode fan-out. Defaults to
	// runtime.NumCPU().
	Workers int
	// Locale masks root manifest lookups. Defaults to tactfs.LocaleAll;
	// minimap content is locale-neutral.
	Locale uint32
	// FilterIDs restricts the scan to maps whose decimal id matches one of
	// the path.Match globs. Empty means all maps.
	FilterIDs []string
	// AllowMippedMaps lists map ids whose tiles may carry mip chains.
	AllowMippedMaps []int32
	// GenerateLOD builds and publishes the downsampled tile pyramid for
	// every composition.
	GenerateLOD bool
	// TileQuality is the lossless encoder effort, 1-100.
	TileQuality int
	// WebhookURL, when set, receives a JSON POST after every terminal state
	// transition. Failures are logged and otherwise ignored.
	WebhookURL    string
	WebhookClient *http.Client
	// Decoder reads the map table. Defaults to the WDBC reference decoder.
	Decoder dbtable.Decoder
}

// Scanner runs build scans. One Scanner may run scans concurrently; tile
// encodes are deduplicated across them by source content hash.
type Scanner struct {
	loc     *tact.Locator
	catalog Catalog
	dec     dbtable.Decoder
	enc     *tileenc.Encoder
	opts    Options

	allowMipped map[int32]bool
	encodes     singleflight.Group
}

// New returns a Scanner publishing through catalog and fetching through loc.
func New(loc *tact.Locator, catalog Catalog, opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Locale == 0 {
		opts.Locale = tactfs.LocaleAll
	}
	if opts.Decoder == nil {
		opts.Decoder = dbtable.WDBC{}
	}
	if opts.WebhookClient == nil {
		opts.WebhookClient = httputils.NewTimeoutClient()
	}
	allow := make(map[int32]bool, len(opts.AllowMippedMaps))
	for _, id := range opts.AllowMippedMaps {
		allow[id] = true
	}
	return &Scanner{
		loc:         loc,
		catalog:     catalog,
		dec:         opts.Decoder,
		enc:         tileenc.New(opts.TileQuality),
		opts:        opts,
		allowMipped: allow,
	}
}

// Result summarizes one finished scan.
type Result struct {
	State types.ScanState
	// Maps counts maps that produced a composition.
	Maps int
	// FailedMaps counts maps skipped for malformed or missing data.
	FailedMaps int
	// Tiles counts the distinct tile contents the build references.
	Tiles int
	// UploadedTiles counts source tiles this scan encoded and published;
	// the rest were already in the catalog. Pyramid tiles are not counted.
	UploadedTiles int
	// EncryptedMaps maps a blocking key name to the ids it blocks.
	EncryptedMaps map[string][]int32
	Elapsed       time.Duration
}

// mapResult is the outcome of the CDN phase for a single map row.
type mapResult struct {
	row mapdb.Map
	// encrypted is the key name blocking the map's WDT, 0 if none.
	encrypted uint64
	// failure is a data-level error that sank the map.
	failure error
	// placed maps occupied grid coordinates to the tile's content hash.
	placed map[types.TileCoord]types.ContentHash
	// missing lists coordinates the grid references but the build cannot
	// resolve to content.
	missing []types.TileCoord
	// refs carries the descriptor to fetch each distinct tile content.
	refs map[types.ContentHash]tactfs.FileDescriptor
}

// tileError marks a per-tile failure that should become a missing coordinate
// rather than abort the scan.
type tileError struct {
	err error
}

func (e *tileError) Error() string { return e.err.Error() }
func (e *tileError) Unwrap() error { return e.err }

// ScanBuild scans one discovered build to a terminal state and reports the
// outcome. An error return means no terminal state was recorded: the context
// was canceled or the catalog was unreachable, and the build stays pending
// for a later attempt.
func (s *Scanner) ScanBuild(ctx context.Context, job rpc.DiscoveredBuild) (*Result, error) {
	defer metrics2.NewTimer("minimap_scan_duration", map[string]string{"product": job.Product}).Stop()
	started := now.Now(ctx)
	mmlog.Infof("Scanning %s %s (%s)", job.Product, job.Version, job.VersionName)

	fs, err := tactfs.New(ctx, s.loc, job.Product, job.BuildConfig, job.CDNConfig, tactfs.Options{})
	if err != nil {
		return s.abort(ctx, job, started, err, types.ScanStateEncryptedBuild)
	}
	mmlog.Infof("Build %s resolved as %q", job.Version, fs.BuildName())

	maps, err := mapdb.Read(ctx, fs, s.dec)
	if err != nil {
		return s.abort(ctx, job, started, err, types.ScanStateEncryptedMapDatabase)
	}
	rows := mapdb.Filter(maps, s.opts.FilterIDs)
	mmlog.Infof("Map table has %d rows, %d after filtering", len(maps), len(rows))

	results := make([]*mapResult, len(rows))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Workers)
	for i, m := range rows {
		i, m := i, m
		eg.Go(func() error {
			res, err := s.scanMap(egCtx, fs, m)
			if err != nil {
				return mmerr.Wrapf(err, "map %d (%s)", m.ID, m.Directory)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return s.abort(ctx, job, started, err, types.ScanStateException)
	}

	failedTiles, uploaded, distinct, err := s.publishTiles(ctx, fs, results)
	if err != nil {
		return s.abort(ctx, job, started, err, types.ScanStateException)
	}

	res := &Result{
		Tiles:         distinct,
		UploadedTiles: uploaded,
		EncryptedMaps: map[string][]int32{},
	}
	var failures []string
	egc, egcCtx := errgroup.WithContext(ctx)
	egc.SetLimit(s.opts.Workers)
	var mtx sync.Mutex
	for _, r := range results {
		r := r
		egc.Go(func() error {
			composed, err := s.publishMap(egcCtx, job, r, failedTiles)
			if err != nil {
				return err
			}
			mtx.Lock()
			defer mtx.Unlock()
			switch {
			case r.encrypted != 0:
				name := tactkeys.FormatName(r.encrypted)
				res.EncryptedMaps[name] = append(res.EncryptedMaps[name], r.row.ID)
			case r.failure != nil:
				res.FailedMaps++
				failures = append(failures, "map "+strconv.Itoa(int(r.row.ID))+" ("+r.row.Directory+"): "+r.failure.Error())
			case composed:
				res.Maps++
			}
			return nil
		})
	}
	if err := egc.Wait(); err != nil {
		return s.abort(ctx, job, started, err, types.ScanStateException)
	}
	for _, ids := range res.EncryptedMaps {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	sort.Strings(failures)

	res.State = types.ScanStateFullDecrypt
	if len(res.EncryptedMaps) > 0 {
		res.State = types.ScanStatePartialDecrypt
	}
	res.Elapsed = now.Now(ctx).Sub(started)
	update := rpc.ScanStateUpdate{
		Product:       job.Product,
		Version:       job.Version,
		State:         res.State,
		Exception:     strings.Join(failures, "; "),
		EncryptedMaps: res.EncryptedMaps,
		ScanSeconds:   res.Elapsed.Seconds(),
	}
	if err := s.catalog.UpdateScanState(ctx, update); err != nil {
		return nil, mmerr.Wrapf(err, "recording %s for %s %s", res.State, job.Product, job.Version)
	}
	metrics2.GetCounter("minimap_scan_completed", map[string]string{
		"product": job.Product,
		"state":   res.State.String(),
	}).Inc(1)
	metrics2.GetCounter("minimap_scan_tiles_uploaded", map[string]string{"product": job.Product}).Inc(int64(uploaded))
	mmlog.Infof("Scan of %s %s finished: %s, %d maps (%d failed), %d tiles (%d uploaded) in %s",
		job.Product, job.Version, res.State, res.Maps, res.FailedMaps, res.Tiles, res.UploadedTiles, res.Elapsed)
	s.notify(job, res)
	return res, nil
}

// abort records a terminal state for a scan that cannot proceed. A missing
// decryption key maps to keyState; anything else is an Exception. Canceled
// scans record nothing so the build stays pending.
func (s *Scanner) abort(ctx context.Context, job rpc.DiscoveredBuild, started time.Time, scanErr error, keyState types.ScanState) (*Result, error) {
	if ctx.Err() != nil {
		return nil, mmerr.Wrap(scanErr)
	}
	res := &Result{Elapsed: now.Now(ctx).Sub(started)}
	update := rpc.ScanStateUpdate{
		Product:     job.Product,
		Version:     job.Version,
		ScanSeconds: res.Elapsed.Seconds(),
	}
	var mk *blte.MissingKeyError
	if errors.As(scanErr, &mk) {
		update.State = keyState
		update.EncryptedKey = tactkeys.FormatName(mk.KeyName)
		mmlog.Infof("Scan of %s %s blocked on key %s: %s", job.Product, job.Version, update.EncryptedKey, keyState)
	} else {
		update.State = types.ScanStateException
		update.Exception = scanErr.Error()
		mmlog.Errorf("Scan of %s %s aborted: %s", job.Product, job.Version, scanErr)
	}
	res.State = update.State
	if err := s.catalog.UpdateScanState(ctx, update); err != nil {
		return nil, mmerr.Wrapf(err, "recording %s for %s %s", update.State, job.Product, job.Version)
	}
	metrics2.GetCounter("minimap_scan_completed", map[string]string{
		"product": job.Product,
		"state":   update.State.String(),
	}).Inc(1)
	s.notify(job, res)
	return res, nil
}

// scanMap runs the CDN phase for one map: open its WDT, parse the tile grid
// and resolve every referenced tile to a content hash. Data-level problems
// land in the result; only infrastructure errors are returned.
func (s *Scanner) scanMap(ctx context.Context, fs *tactfs.FileSystem, m mapdb.Map) (*mapResult, error) {
	res := &mapResult{
		row:    m,
		placed: map[types.TileCoord]types.ContentHash{},
		refs:   map[types.ContentHash]tactfs.FileDescriptor{},
	}
	if m.WdtFileDataID == 0 {
		mmlog.Infof("Map %d (%s): no WDT", m.ID, m.Directory)
		return res, nil
	}
	descs := fs.OpenByFileID(m.WdtFileDataID, s.opts.Locale)
	if len(descs) == 0 {
		res.failure = mmerr.Fmt("WDT file %d not in build", m.WdtFileDataID)
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, res.failure)
		return res, nil
	}
	h, err := fs.Open(ctx, descs[0], true)
	if err != nil {
		var mk *blte.MissingKeyError
		switch {
		case errors.As(err, &mk):
			res.encrypted = mk.KeyName
			mmlog.Infof("Map %d (%s) is encrypted with key %s", m.ID, m.Directory, tactkeys.FormatName(mk.KeyName))
			return res, nil
		case isFetchDataError(err):
			res.failure = err
			mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
			return res, nil
		default:
			return nil, err
		}
	}
	body, err := h.ReadAll()
	if err != nil {
		return nil, err
	}
	f, err := wdt.Parse(body)
	if err != nil {
		res.failure = err
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
		return res, nil
	}
	for _, t := range f.Tiles {
		coord := types.TileCoord{X: t.Col, Y: t.Row}
		ds := fs.OpenByFileID(t.FileID, s.opts.Locale)
		if len(ds) == 0 {
			res.missing = append(res.missing, coord)
			continue
		}
		res.placed[coord] = ds[0].CKey
		if _, ok := res.refs[ds[0].CKey]; !ok {
			res.refs[ds[0].CKey] = ds[0]
		}
	}
	return res, nil
}

// tileRef pairs a tile's fetch descriptor with the decode options its
// referencing maps allow.
type tileRef struct {
	desc        tactfs.FileDescriptor
	allowMipped bool
}

// publishTiles uploads every referenced tile the catalog does not already
// hold. It returns the tiles that failed on data-level problems (those
// become missing coordinates in the affected compositions), the number of
// tiles uploaded and the number of distinct tiles the build references.
func (s *Scanner) publishTiles(ctx context.Context, fs *tactfs.FileSystem, results []*mapResult) (map[types.ContentHash]error, int, int, error) {
	needed := map[types.ContentHash]*tileRef{}
	for _, r := range results {
		allow := s.allowMipped[r.row.ID]
		for ck, desc := range r.refs {
			if ref, ok := needed[ck]; ok {
				ref.allowMipped = ref.allowMipped || allow
				continue
			}
			needed[ck] = &tileRef{desc: desc, allowMipped: allow}
		}
	}
	if len(needed) == 0 {
		return nil, 0, 0, nil
	}
	hashes := make([]types.ContentHash, 0, len(needed))
	for ck := range needed {
		hashes = append(hashes, ck)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	missing, err := s.catalog.MissingTiles(ctx, hashes)
	if err != nil {
		return nil, 0, 0, mmerr.Wrapf(err, "asking the catalog for missing tiles")
	}
	mmlog.Infof("Build references %d distinct tiles, %d not yet in the catalog", len(needed), len(missing))

	var mtx sync.Mutex
	failed := map[types.ContentHash]error{}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Workers)
	for _, ck := range missing {
		ck := ck
		ref := needed[ck]
		if ref == nil {
			continue
		}
		eg.Go(func() error {
			err := s.publishTile(egCtx, fs, ck, *ref)
			if err == nil {
				return nil
			}
			var te *tileError
			if errors.As(err, &te) {
				mmlog.Warningf("Tile %s: %s", ck, te.err)
				metrics2.GetCounter("minimap_scan_tiles_failed", nil).Inc(1)
				mtx.Lock()
				failed[ck] = te.err
				mtx.Unlock()
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, 0, err
	}
	return failed, len(missing) - len(failed), len(needed), nil
}

// publishTile fetches, decodes, encodes and uploads one tile. Concurrent
// requests for the same content collapse into a single encode, including
// across scans sharing this Scanner. Data-level failures come back as
// *tileError.
func (s *Scanner) publishTile(ctx context.Context, fs *tactfs.FileSystem, ck types.ContentHash, ref tileRef) error {
	_, err, _ := s.encodes.Do(ck.String(), func() (interface{}, error) {
		h, err := fs.Open(ctx, ref.desc, true)
		if err != nil {
			return nil, asTileError(err)
		}
		raw, err := h.ReadAll()
		if err != nil {
			return nil, err
		}
		img, err := blp.Decode(raw, blp.Options{AllowMipped: ref.allowMipped})
		if err != nil {
			return nil, &tileError{err: err}
		}
		body, _, err := s.enc.Encode(img.ToNRGBA())
		if err != nil {
			return nil, err
		}
		if err := s.catalog.PutTile(ctx, ck, tileenc.ContentType, body); err != nil {
			return nil, mmerr.Wrapf(err, "uploading tile %s", ck)
		}
		return nil, nil
	})
	return err
}

// asTileError wraps fetch failures that should sink only the tile, not the
// scan. An unknown tile key is such a failure: the coordinate is recorded as
// missing and picked up again on the key-discovery rescan.
func asTileError(err error) error {
	var mk *blte.MissingKeyError
	if errors.As(err, &mk) || isFetchDataError(err) {
		return &tileError{err: err}
	}
	return err
}

// publishMap upserts the map row and, when the map carries a minimap grid,
// its composition and build link. Reports whether a composition was written.
func (s *Scanner) publishMap(ctx context.Context, job rpc.DiscoveredBuild, r *mapResult, failedTiles map[types.ContentHash]error) (bool, error) {
	if err := s.catalog.UpsertMap(ctx, rpc.MapUpsert{
		ID:        r.row.ID,
		Version:   job.Version,
		Directory: r.row.Directory,
		Name:      r.row.Name,
		Fields:    r.row.Fields(),
	}); err != nil {
		return false, mmerr.Wrapf(err, "upserting map %d", r.row.ID)
	}
	bm := rpc.BuildMapUpsert{Version: job.Version, MapID: r.row.ID}
	if r.encrypted != 0 || r.failure != nil {
		if err := s.catalog.UpsertBuildMap(ctx, bm); err != nil {
			return false, mmerr.Wrapf(err, "linking map %d", r.row.ID)
		}
		return false, nil
	}

	entries := make([]types.CompositionEntry, 0, len(r.placed))
	missing := append([]types.TileCoord(nil), r.missing...)
	for coord, ck := range r.placed {
		if _, bad := failedTiles[ck]; bad {
			missing = append(missing, coord)
			continue
		}
		entries = append(entries, types.CompositionEntry{Coord: coord, Hash: ck})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Coord.Less(entries[j].Coord) })
	sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })

	tiles := int16(len(entries))
	bm.Tiles = &tiles
	if len(entries) == 0 && len(missing) == 0 {
		if err := s.catalog.UpsertBuildMap(ctx, bm); err != nil {
			return false, mmerr.Wrapf(err, "linking map %d", r.row.ID)
		}
		return false, nil
	}

	comp := rpc.Composition{
		Hash:    types.CompositionHashOf(entries),
		Entries: toPlaced(entries),
		Missing: missing,
		Tiles:   len(entries),
		Extents: extentsOf(entries, missing),
	}
	if s.opts.GenerateLOD && len(entries) > 0 {
		lod, err := s.buildLOD(ctx, entries)
		if err != nil {
			return false, mmerr.Wrapf(err, "building LOD for map %d", r.row.ID)
		}
		comp.LOD = lod
	}
	if err := s.catalog.UpsertComposition(ctx, comp); err != nil {
		return false, mmerr.Wrapf(err, "upserting composition %s for map %d", comp.Hash, r.row.ID)
	}
	bm.CompositionHash = &comp.Hash
	if err := s.catalog.UpsertBuildMap(ctx, bm); err != nil {
		return false, mmerr.Wrapf(err, "linking map %d", r.row.ID)
	}
	return true, nil
}

// buildLOD downsamples a composition into pyramid levels 1..maxLODLevel and
// publishes each level's tiles. Pyramid tiles have no source texture, so
// they are addressed by the hash of their own encoded bytes.
func (s *Scanner) buildLOD(ctx context.Context, entries []types.CompositionEntry) (map[int][]rpc.PlacedTile, error) {
	images := make(map[types.TileCoord]image.Image, len(entries))
	for _, e := range entries {
		body, _, err := s.catalog.GetTile(ctx, e.Hash)
		if err != nil {
			return nil, mmerr.Wrapf(err, "fetching tile %s", e.Hash)
		}
		img, err := tileenc.Decode(bytes.NewReader(body))
		if err != nil {
			return nil, mmerr.Wrapf(err, "decoding tile %s", e.Hash)
		}
		images[e.Coord] = img
	}

	lod := map[int][]rpc.PlacedTile{}
	for level := 1; level <= maxLODLevel; level++ {
		quads := map[types.TileCoord][4]image.Image{}
		for c, img := range images {
			parent := types.TileCoord{X: c.X / 2, Y: c.Y / 2}
			q := quads[parent]
			q[(c.Y%2)*2+c.X%2] = img
			quads[parent] = q
		}
		parents := make([]types.TileCoord, 0, len(quads))
		for c := range quads {
			parents = append(parents, c)
		}
		sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })

		next := make(map[types.TileCoord]image.Image, len(parents))
		placed := make([]rpc.PlacedTile, 0, len(parents))
		bodies := map[types.ContentHash][]byte{}
		hashes := make([]types.ContentHash, 0, len(parents))
		for _, p := range parents {
			q := quads[p]
			img, err := tileenc.DownsampleQuad(q[0], q[1], q[2], q[3])
			if err != nil {
				return nil, mmerr.Wrapf(err, "downsampling level %d cell (%d, %d)", level, p.X, p.Y)
			}
			body, hash, err := s.enc.Encode(img)
			if err != nil {
				return nil, err
			}
			next[p] = img
			placed = append(placed, rpc.PlacedTile{X: p.X, Y: p.Y, Hash: hash})
			if _, ok := bodies[hash]; !ok {
				bodies[hash] = body
				hashes = append(hashes, hash)
			}
		}
		missing, err := s.catalog.MissingTiles(ctx, hashes)
		if err != nil {
			return nil, mmerr.Wrapf(err, "asking the catalog for missing level-%d tiles", level)
		}
		for _, hash := range missing {
			if err := s.catalog.PutTile(ctx, hash, tileenc.ContentType, bodies[hash]); err != nil {
				return nil, mmerr.Wrapf(err, "uploading level-%d tile %s", level, hash)
			}
		}
		lod[level] = placed
		images = next
	}
	return lod, nil
}

// notify fires the configured webhook for a terminal state. Best effort.
func (s *Scanner) notify(job rpc.DiscoveredBuild, res *Result) {
	if s.opts.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(struct {
		Product     string `json:"product"`
		Version     string `json:"version"`
		VersionName string `json:"versionName"`
		State       string `json:"state"`
		Maps        int    `json:"maps"`
		Tiles       int    `json:"tiles"`
	}{
		Product:     job.Product,
		Version:     job.Version.String(),
		VersionName: job.VersionName,
		State:       res.State.String(),
		Maps:        res.Maps,
		Tiles:       res.Tiles,
	})
	if err != nil {
		mmlog.Errorf("Encoding webhook payload: %s", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := httputils.PostWithContext(ctx, s.opts.WebhookClient, s.opts.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		mmlog.Warningf("Webhook POST to %s failed: %s", s.opts.WebhookURL, err)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		mmlog.Warningf("Webhook POST to %s returned %s", s.opts.WebhookURL, resp.Status)
	}
}

// isFetchDataError reports whether a fetch failure is a property of the
// build's data rather than of our infrastructure. Such failures sink one map
// or tile; infrastructure failures abort the scan.
func isFetchDataError(err error) bool {
	var uc *blte.UnsupportedCipherError
	var ck *blte.ChecksumError
	var ie *tact.IntegrityError
	return errors.Is(err, tact.ErrNotFound) ||
		errors.Is(err, blte.ErrFrameDepth) ||
		errors.As(err, &uc) ||
		errors.As(err, &ck) ||
		errors.As(err, &ie)
}

func toPlaced(entries []types.CompositionEntry) []rpc.PlacedTile {
	out := make([]rpc.PlacedTile, 0, len(entries))
	for _, e := range entries {
		out = append(out, rpc.PlacedTile{X: e.Coord.X, Y: e.Coord.Y, Hash: e.Hash})
	}
	return out
}

func extentsOf(entries []types.CompositionEntry, missing []types.TileCoord) *rpc.Extents {
	coords := make([]types.TileCoord, 0, len(entries)+len(missing))
	for _, e := range entries {
		coords = append(coords, e.Coord)
	}
	coords = append(coords, missing...)
	if len(coords) == 0 {
		return nil
	}
	ext := &rpc.Extents{X0: coords[0].X, Y0: coords[0].Y, X1: coords[0].X, Y1: coords[0].Y}
	for _, c := range coords[1:] {
		if c.X < ext.X0 {
			ext.X0 = c.X
		}
		if c.Y < ext.Y0 {
			ext.Y0 = c.Y
		}
		if c.X > ext.X1 {
			ext.X1 = c.X
		}
		if c.Y > ext.Y1 {
			ext.Y1 = c.Y
		}
	}
	return ext
}
