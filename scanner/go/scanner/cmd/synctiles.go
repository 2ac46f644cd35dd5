package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"go.minimaps.dev/infra/catalog/go/catalogstore"
	"go.minimaps.dev/infra/catalog/go/catalogstore/sqlcatalogstore"
	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/tilestore/fromenv"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/sql/pool"
)

var (
	syncTilesConnectionString string
	syncTilesHeal             bool
	syncTilesPrune            bool
)

// syncTilesCmd represents the sync-tiles command
var syncTilesCmd = &cobra.Command{
	Use:   "sync-tiles",
	Short: "Reconcile the catalog's tile rows against the blob store.",
	Long: `Lists every tile the catalog has a row for and every blob the tile
store holds, then reports the two differences: blobs with no row (the
publish path will re-upload them) and rows with no blob (compositions
referencing them cannot be served).

With --heal, rows are inserted for unrecorded blobs. With --prune, rows
whose blob is gone are deleted. Exits non-zero while any difference
remains.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncTilesConnectionString == "" {
			return mmerr.Fmt("--connection-string is required")
		}
		ctx := context.Background()
		db, err := pool.New(ctx, syncTilesConnectionString)
		if err != nil {
			return err
		}
		defer db.Close()
		tiles, err := fromenv.New(ctx)
		if err != nil {
			return err
		}
		return syncTiles(ctx, sqlcatalogstore.New(db), tiles, syncTilesHeal, syncTilesPrune)
	},
}

// syncTiles reconciles the catalog's tile rows against the blob store's
// contents, repairing what the flags allow.
func syncTiles(ctx context.Context, store catalogstore.Store, tiles tilestore.TileStore, heal, prune bool) error {
	rows, err := store.AllTileHashes(ctx)
	if err != nil {
		return err
	}
	blobs, err := tiles.GetAllHashes(ctx)
	if err != nil {
		return err
	}
	haveRow := make(map[types.ContentHash]bool, len(rows))
	for _, h := range rows {
		haveRow[h] = true
	}
	haveBlob := make(map[types.ContentHash]bool, len(blobs))
	for _, h := range blobs {
		haveBlob[h] = true
	}
	mmlog.Infof("Catalog records %d tiles, store holds %d blobs", len(rows), len(blobs))

	unrecorded, healed := 0, 0
	for _, h := range blobs {
		if haveRow[h] {
			continue
		}
		if heal {
			if err := store.InsertTile(ctx, h); err != nil {
				return mmerr.Wrapf(err, "recording tile %s", h)
			}
			healed++
			continue
		}
		mmlog.Warningf("Blob %s has no catalog row", h)
		unrecorded++
	}

	orphaned, pruned := 0, 0
	for _, h := range rows {
		if haveBlob[h] {
			continue
		}
		if prune {
			if err := store.DeleteTile(ctx, h); err != nil {
				return mmerr.Wrapf(err, "deleting tile row %s", h)
			}
			pruned++
			continue
		}
		mmlog.Warningf("Tile row %s has no blob", h)
		orphaned++
	}

	if healed > 0 || pruned > 0 {
		mmlog.Infof("Recorded %d blobs, deleted %d orphaned rows", healed, pruned)
	}
	if unrecorded > 0 || orphaned > 0 {
		return mmerr.Fmt("%d blobs unrecorded (re-run with --heal), %d rows missing blobs (re-run with --prune)", unrecorded, orphaned)
	}
	mmlog.Infof("Catalog and tile store agree.")
	return nil
}

func syncTilesInit() {
	rootCmd.AddCommand(syncTilesCmd)
	syncTilesCmd.Flags().StringVar(&syncTilesConnectionString, "connection-string", "", "Database connection string, e.g. 'postgresql://root@localhost:5432/catalog'. Required.")
	syncTilesCmd.Flags().BoolVar(&syncTilesHeal, "heal", false, "Insert catalog rows for blobs the store holds but the catalog does not record.")
	syncTilesCmd.Flags().BoolVar(&syncTilesPrune, "prune", false, "Delete catalog rows whose blob is gone from the store.")
}
