package cmd

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/scanner/go/catalogclient"
	"go.minimaps.dev/infra/scanner/go/config"
	"go.minimaps.dev/infra/scanner/go/poller"
	"go.minimaps.dev/infra/scanner/go/ribbit"
	"go.minimaps.dev/infra/scanner/go/scan"
	"go.minimaps.dev/infra/scanner/go/tact"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

// keyStoreSubdir is where the key list snapshot lives under the cache path.
const keyStoreSubdir = "keys"

// cdnStem is the data path every release channel shares on CDN mirrors.
const cdnStem = "tpr/wow"

// worker bundles everything a scanning subcommand needs.
type worker struct {
	cfg      *config.InstanceConfig
	client   *http.Client
	registry *tactkeys.Registry
	store    *tactkeys.Store
	catalog  *catalogclient.Client
	loc      *tact.Locator
	scanner  *scan.Scanner
	versions *ribbit.Client
	poller   *poller.Poller

	// scanMu serializes scans so the poll loop and the key discovery path
	// never scan the same build twice at once.
	scanMu sync.Mutex
}

// newWorker loads the instance config named by flags and assembles the
// scanning pipeline around it.
func newWorker(flags *config.ScanFlags) (*worker, error) {
	if flags.ConfigFile == "" {
		return nil, mmerr.Fmt("--config is required")
	}
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	flags.Apply(cfg)

	registry := tactkeys.NewRegistry()
	store, err := tactkeys.NewStore(filepath.Join(cfg.CachePath, keyStoreSubdir))
	if err != nil {
		return nil, err
	}
	if err := store.Load(registry); err != nil {
		return nil, err
	}

	endpoints := make([]tact.Endpoint, 0, len(cfg.AdditionalCDNs)+3)
	for _, host := range cfg.AdditionalCDNs {
		endpoints = append(endpoints, tact.Endpoint{Host: host, Stem: cdnStem})
	}
	endpoints = append(endpoints, tact.DefaultEndpoints()...)
	loc, err := tact.NewLocator(tact.Options{
		CacheDir:  cfg.CachePath,
		Endpoints: endpoints,
		Keys:      registry,
	})
	if err != nil {
		return nil, err
	}

	catalog := catalogclient.New(cfg.BackendURL, nil)
	scanner := scan.New(loc, catalog, scan.Options{
		Workers:         cfg.Workers,
		FilterIDs:       flags.FilterIDs,
		AllowMippedMaps: cfg.AllowMippedMaps,
		GenerateLOD:     cfg.GenerateLOD,
		TileQuality:     cfg.TileQuality,
		WebhookURL:      cfg.EventWebhook,
	})
	versions := ribbit.NewClient(ribbit.HostForRegion(cfg.Region), nil)
	return &worker{
		cfg:      cfg,
		client:   httputils.NewTimeoutClient(),
		registry: registry,
		store:    store,
		catalog:  catalog,
		loc:      loc,
		scanner:  scanner,
		versions: versions,
		poller:   poller.New(versions, catalog, cfg.Products),
	}, nil
}

// keyListURL returns the configured upstream key list.
func (w *worker) keyListURL() string {
	if w.cfg.KeyListURL != "" {
		return w.cfg.KeyListURL
	}
	return tactkeys.DefaultListURL
}

// newRefresher wires the upstream key list refresher. onNew, when non-nil,
// receives the names of the keys each refresh learns.
func (w *worker) newRefresher(onNew func(names []uint64)) *tactkeys.Refresher {
	return tactkeys.NewRefresher(w.keyListURL(), w.client, w.store, w.registry, onNew)
}

// syncKeys pushes keys to the catalog and merges the catalog's full list
// back into the registry. A nil names pushes everything the registry holds,
// otherwise only the named keys.
func (w *worker) syncKeys(ctx context.Context, names []uint64) error {
	var push []rpc.TACTKey
	if names == nil {
		for name, key := range w.registry.All() {
			push = append(push, rpc.TACTKey{Name: tactkeys.FormatName(name), Key: key.String()})
		}
	} else {
		for _, name := range names {
			if key, ok := w.registry.Lookup(name); ok {
				push = append(push, rpc.TACTKey{Name: tactkeys.FormatName(name), Key: key.String()})
			}
		}
	}
	all, err := w.catalog.SyncKeys(ctx, push)
	if err != nil {
		return err
	}
	merged := make(map[uint64]tactkeys.Key, len(all))
	for _, k := range all {
		name, err := tactkeys.ParseName(k.Name)
		if err != nil {
			mmlog.Warningf("Catalog key %q has a bad name: %s", k.Name, err)
			continue
		}
		key, err := tactkeys.ParseKey(k.Key)
		if err != nil {
			mmlog.Warningf("Catalog key %q has a bad value: %s", k.Name, err)
			continue
		}
		merged[name] = key
	}
	if added := w.registry.SetAll(merged); len(added) > 0 {
		mmlog.Infof("Catalog sync added %d keys (%d known)", len(added), w.registry.Len())
	}
	return nil
}

// scanJobs runs the given scans one at a time and returns how many did not
// reach a terminal state. Outcomes are logged by the scanner itself.
func (w *worker) scanJobs(ctx context.Context, jobs []rpc.DiscoveredBuild) int {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	unfinished := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			return unfinished + len(jobs) - i
		}
		if _, err := w.scanner.ScanBuild(ctx, job); err != nil {
			unfinished++
			mmlog.Errorf("Scan of %s %s did not finish: %s", job.Product, job.VersionName, err)
		}
	}
	return unfinished
}

// pendingJobs asks the catalog for every pending scan of a watched product.
// Scans requeued by key discovery come back through here.
func (w *worker) pendingJobs(ctx context.Context) ([]rpc.DiscoveredBuild, error) {
	jobs, err := w.catalog.PendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	return onlyProducts(jobs, w.cfg.Products), nil
}

type jobKey struct {
	product string
	version types.BuildVersion
}

// mergeJobs appends the entries of more that jobs does not already contain,
// keyed by (product, version).
func mergeJobs(jobs, more []rpc.DiscoveredBuild) []rpc.DiscoveredBuild {
	seen := make(map[jobKey]bool, len(jobs))
	for _, b := range jobs {
		seen[jobKey{b.Product, b.Version}] = true
	}
	for _, b := range more {
		k := jobKey{b.Product, b.Version}
		if seen[k] {
			continue
		}
		seen[k] = true
		jobs = append(jobs, b)
	}
	return jobs
}

// onlyProducts filters jobs down to the given products.
func onlyProducts(jobs []rpc.DiscoveredBuild, products []string) []rpc.DiscoveredBuild {
	want := make(map[string]bool, len(products))
	for _, p := range products {
		want[p] = true
	}
	var out []rpc.DiscoveredBuild
	for _, b := range jobs {
		if want[b.Product] {
			out = append(out, b)
		}
	}
	return out
}
