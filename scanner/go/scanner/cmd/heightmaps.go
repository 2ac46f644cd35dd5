package cmd

import (
	"context"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/util"
	"go.minimaps.dev/infra/scanner/go/config"
	"go.minimaps.dev/infra/scanner/go/dbtable"
	"go.minimaps.dev/infra/scanner/go/mapdb"
	"go.minimaps.dev/infra/scanner/go/tactfs"
	"go.minimaps.dev/infra/scanner/go/wdl"
	"go.minimaps.dev/infra/scanner/go/wdt"
)

var (
	heightmapsFlags  config.ScanFlags
	heightmapsOutDir string
)

// heightmapsCmd represents the generate-heightmaps command
var heightmapsCmd = &cobra.Command{
	Use:   "generate-heightmaps",
	Short: "Render each map's low-resolution terrain to a grayscale image.",
	Long: `For every watched product's current build, reads the map table, follows
each map's WDT to its WDL heightfield and renders the heights as an 8-bit
grayscale PNG under --out-dir/{product}/.

A preview tool: maps without terrain, and maps blocked by missing
decryption keys, are logged and skipped.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if heightmapsOutDir == "" {
			return mmerr.Fmt("--out-dir is required")
		}
		w, err := newWorker(&heightmapsFlags)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := w.newRefresher(nil).Refresh(ctx); err != nil {
			mmlog.Warningf("Key list refresh failed: %s", err)
		}
		if err := w.syncKeys(ctx, nil); err != nil {
			mmlog.Warningf("Catalog key sync failed: %s", err)
		}
		// One product failing must not stop the others; errors are
		// reported together at the end.
		g := util.NewNamedErrGroup(1)
		for _, product := range w.cfg.Products {
			product := product
			g.Go(product, func() error {
				return renderHeightmaps(ctx, w, product, heightmapsOutDir)
			})
		}
		return g.Wait()
	},
}

// renderHeightmaps renders every filtered map of the product's current build.
func renderHeightmaps(ctx context.Context, w *worker, product, outDir string) error {
	_, rows, err := w.versions.Versions(ctx, product)
	if err != nil {
		return mmerr.Wrapf(err, "resolving the current %s version", product)
	}
	if len(rows) == 0 {
		return mmerr.Fmt("product %q has no live version", product)
	}
	row := rows[0]
	for _, r := range rows {
		if r.Region == w.cfg.Region {
			row = r
			break
		}
	}
	mmlog.Infof("Rendering heightmaps for %s %s", product, row.VersionsName)

	fs, err := tactfs.New(ctx, w.loc, product, row.BuildConfig, row.CDNConfig, tactfs.Options{})
	if err != nil {
		return mmerr.Wrapf(err, "resolving the %s filesystem", product)
	}
	maps, err := mapdb.Read(ctx, fs, dbtable.WDBC{})
	if err != nil {
		return mmerr.Wrapf(err, "reading the %s map table", product)
	}
	maps = mapdb.Filter(maps, heightmapsFlags.FilterIDs)

	dir := filepath.Join(outDir, product)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return mmerr.Wrap(err)
	}

	rendered := 0
	var mtx sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.cfg.Workers)
	for _, m := range maps {
		m := m
		eg.Go(func() error {
			ok, err := renderHeightmap(egCtx, fs, m, dir)
			if err != nil {
				return err
			}
			if ok {
				mtx.Lock()
				rendered++
				mtx.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	mmlog.Infof("Rendered %d of %d maps for %s", rendered, len(maps), product)
	return nil
}

// renderHeightmap renders one map's WDL. Maps without heights, and maps
// whose data cannot be read, are logged and skipped; only write failures
// are returned.
func renderHeightmap(ctx context.Context, fs *tactfs.FileSystem, m mapdb.Map, dir string) (bool, error) {
	if m.WdtFileDataID == 0 {
		return false, nil
	}
	wdtBody, err := readByFileID(ctx, fs, m.WdtFileDataID)
	if err != nil {
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
		return false, nil
	}
	f, err := wdt.Parse(wdtBody)
	if err != nil {
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
		return false, nil
	}
	if f.WdlFileDataID == 0 {
		return false, nil
	}
	body, err := readByFileID(ctx, fs, f.WdlFileDataID)
	if err != nil {
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
		return false, nil
	}
	heights, err := wdl.Parse(body)
	if err != nil {
		mmlog.Warningf("Map %d (%s): %s", m.ID, m.Directory, err)
		return false, nil
	}
	img := wdl.Render(heights)
	if img.Bounds().Empty() {
		return false, nil
	}
	out := filepath.Join(dir, strconv.Itoa(int(m.ID))+"_"+m.Directory+".png")
	if err := util.WithWriteFile(out, func(w io.Writer) error {
		return png.Encode(w, img)
	}); err != nil {
		return false, mmerr.Wrapf(err, "writing %s", out)
	}
	return true, nil
}

// readByFileID fetches and decodes one file body.
func readByFileID(ctx context.Context, fs *tactfs.FileSystem, fdid uint32) ([]byte, error) {
	descs := fs.OpenByFileID(fdid, tactfs.LocaleAll)
	if len(descs) == 0 {
		return nil, mmerr.Fmt("file %d not in build", fdid)
	}
	h, err := fs.Open(ctx, descs[0], true)
	if err != nil {
		return nil, err
	}
	return h.ReadAll()
}

func heightmapsInit() {
	rootCmd.AddCommand(heightmapsCmd)
	heightmapsFlags.Register(heightmapsCmd.Flags())
	heightmapsCmd.Flags().StringVar(&heightmapsOutDir, "out-dir", "", "Directory the rendered images are written under. Required.")
}
