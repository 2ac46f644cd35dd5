// Package web serves the catalog's HTTP surface: the publish protocol the
// scanner worker speaks and the small read-only API the map viewer uses.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.minimaps.dev/infra/catalog/go/catalogstore"
	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/util"
)

const (
	// ExpectedHashHeader carries the MD5 of the uploaded body on tile PUTs.
	ExpectedHashHeader = "X-Expected-Hash"

	// maxTileBytes bounds a tile upload body.
	maxTileBytes = 1 << 20

	defaultDatabaseTimeout = time.Minute

	// Tiles are content-addressed so they never change under their URL.
	tileCacheControl = "public, max-age=31536000, immutable"
)

// Handlers serves the publish protocol and the viewer API.
type Handlers struct {
	store catalogstore.Store
	tiles tilestore.TileStore

	tilesUploaded metrics2.Counter
	scansRequeued metrics2.Counter
}

// New returns Handlers backed by the given store and tile store.
func New(store catalogstore.Store, tiles tilestore.TileStore) *Handlers {
	return &Handlers{
		store:         store,
		tiles:         tiles,
		tilesUploaded: metrics2.GetCounter("catalog_tiles_uploaded"),
		scansRequeued: metrics2.GetCounter("catalog_scans_requeued"),
	}
}

// RegisterHandlers registers all routes on the router.
func (h *Handlers) RegisterHandlers(router *chi.Mux) {
	router.Post("/publish/discovered", h.discoveredHandler)
	router.Post("/publish/tiles", h.missingTilesHandler)
	router.Put("/publish/tile/{hash}", h.putTileHandler)
	router.Get("/publish/jobs", h.jobsHandler)
	router.Post("/publish/scan-state", h.scanStateHandler)
	router.Post("/publish/map", h.mapHandler)
	router.Post("/publish/build-map", h.buildMapHandler)
	router.Post("/publish/composition", h.compositionHandler)
	router.Post("/publish/keys", h.keysHandler)

	router.Get("/api/v1/maps", h.listMapsHandler)
	router.Get("/api/v1/maps/{id}/versions", h.mapVersionsHandler)
	router.Get("/api/v1/composition/{hash}", h.getCompositionHandler)
	router.Get("/tile/{hash}", h.getTileHandler)
}

// sendJSON writes v as the JSON response body.
func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		mmlog.Errorf("Error writing JSON response: %s", err)
	}
}

// discoveredHandler accepts the poller's batch of discovered builds and
// responds with the sub-batch whose scans are not yet terminal.
func (h *Handlers) discoveredHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var builds []rpc.DiscoveredBuild
	if err := json.NewDecoder(r.Body).Decode(&builds); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	pending, err := h.store.RegisterDiscovered(ctx, builds)
	if err != nil {
		httputils.ReportError(w, err, "Failed to register builds.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, pending)
}

// missingTilesHandler responds with the subset of the posted hashes the
// catalog has no tile for.
func (h *Handlers) missingTilesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var hashes []types.ContentHash
	if err := json.NewDecoder(r.Body).Decode(&hashes); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	missing, err := h.store.MissingTiles(ctx, hashes)
	if err != nil {
		httputils.ReportError(w, err, "Failed to query tiles.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, missing)
}

// putTileHandler stores one encoded tile. The URL carries the source content
// hash that addresses the tile; X-Expected-Hash carries the MD5 of the
// uploaded body so the transfer is verified end to end. Nothing is stored on
// a mismatch.
func (h *Handlers) putTileHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	hash, err := types.ParseContentHash(chi.URLParam(r, "hash"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid tile hash.", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		httputils.ReportError(w, mmerr.Fmt("no Content-Type"), "Content-Type is required.", http.StatusBadRequest)
		return
	}
	expected, err := types.ParseContentHash(r.Header.Get(ExpectedHashHeader))
	if err != nil {
		httputils.ReportError(w, err, ExpectedHashHeader+" is required.", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTileBytes))
	if err != nil {
		httputils.ReportError(w, err, "Failed to read tile body.", http.StatusRequestEntityTooLarge)
		return
	}
	if got := types.ContentHashOf(body); got != expected {
		httputils.ReportError(w, mmerr.Fmt("body hash %s != expected %s", got, expected), "Tile body does not match "+ExpectedHashHeader+".", http.StatusBadRequest)
		return
	}

	if err := h.tiles.Save(ctx, hash, contentType, bytes.NewReader(body)); err != nil {
		httputils.ReportError(w, err, "Failed to store tile.", http.StatusInternalServerError)
		return
	}
	if err := h.store.InsertTile(ctx, hash); err != nil {
		httputils.ReportError(w, err, "Failed to record tile.", http.StatusInternalServerError)
		return
	}
	h.tilesUploaded.Inc(1)
	w.WriteHeader(http.StatusOK)
}

// jobsHandler returns all pending scans, including key-discovery requeues.
func (h *Handlers) jobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	jobs, err := h.store.PendingJobs(ctx)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list jobs.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, jobs)
}

func (h *Handlers) scanStateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var update rpc.ScanStateUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	if err := h.store.UpdateScanState(ctx, update); err != nil {
		httputils.ReportError(w, err, "Failed to update scan state.", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) mapHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var m rpc.MapUpsert
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	if err := h.store.UpsertMap(ctx, m); err != nil {
		httputils.ReportError(w, err, "Failed to upsert map.", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) buildMapHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var bm rpc.BuildMapUpsert
	if err := json.NewDecoder(r.Body).Decode(&bm); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	if err := h.store.UpsertBuildMap(ctx, bm); err != nil {
		httputils.ReportError(w, err, "Failed to upsert build map.", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// compositionHandler stores a composition after re-deriving its hash from
// the posted entries, so a buggy worker cannot poison the content-addressed
// table.
func (h *Handlers) compositionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var comp rpc.Composition
	if err := json.NewDecoder(r.Body).Decode(&comp); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	entries := make([]types.CompositionEntry, 0, len(comp.Entries))
	for _, e := range comp.Entries {
		entries = append(entries, types.CompositionEntry{
			Coord: types.TileCoord{X: e.X, Y: e.Y},
			Hash:  e.Hash,
		})
	}
	if got := types.CompositionHashOf(entries); got != comp.Hash {
		httputils.ReportError(w, mmerr.Fmt("entries hash to %s, not %s", got, comp.Hash), "Composition hash does not match entries.", http.StatusBadRequest)
		return
	}
	if err := h.store.UpsertComposition(ctx, comp); err != nil {
		httputils.ReportError(w, err, "Failed to upsert composition.", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// keysHandler merges the posted keys into the catalog, requeues any scans
// the new keys unblock, and responds with the full key list so the worker
// can sync its registry.
func (h *Handlers) keysHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	var keys []rpc.TACTKey
	if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
		httputils.ReportError(w, err, "Failed to decode JSON.", http.StatusBadRequest)
		return
	}
	newNames, err := h.store.UpsertTACTKeys(ctx, keys)
	if err != nil {
		httputils.ReportError(w, err, "Failed to store keys.", http.StatusInternalServerError)
		return
	}
	for _, name := range newNames {
		n, err := h.store.RequeueScansBlockedOn(ctx, name)
		if err != nil {
			httputils.ReportError(w, err, "Failed to requeue scans.", http.StatusInternalServerError)
			return
		}
		if n > 0 {
			mmlog.Infof("Key %s requeued %d scans", name, n)
			h.scansRequeued.Inc(int64(n))
		}
	}
	all, err := h.store.ListTACTKeys(ctx)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list keys.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, all)
}

func (h *Handlers) listMapsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	maps, err := h.store.ListMaps(ctx)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list maps.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, maps)
}

func (h *Handlers) mapVersionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		httputils.ReportError(w, err, "Invalid map id.", http.StatusBadRequest)
		return
	}
	versions, err := h.store.MapVersions(ctx, int32(id))
	if err != nil {
		httputils.ReportError(w, err, "Failed to list versions.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, versions)
}

func (h *Handlers) getCompositionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultDatabaseTimeout)
	defer cancel()

	hash, err := types.ParseContentHash(chi.URLParam(r, "hash"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid composition hash.", http.StatusBadRequest)
		return
	}
	comp, ok, err := h.store.GetComposition(ctx, hash)
	if err != nil {
		httputils.ReportError(w, err, "Failed to load composition.", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	sendJSON(w, comp)
}

func (h *Handlers) getTileHandler(w http.ResponseWriter, r *http.Request) {
	hash, err := types.ParseContentHash(chi.URLParam(r, "hash"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid tile hash.", http.StatusBadRequest)
		return
	}
	body, contentType, err := h.tiles.Get(r.Context(), hash)
	if errors.Is(err, tilestore.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to load tile.", http.StatusInternalServerError)
		return
	}
	defer util.Close(body)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", tileCacheControl)
	if _, err := io.Copy(w, body); err != nil {
		mmlog.Errorf("Error streaming tile %s: %s", hash, err)
	}
}
