// Package poller drives the discovery side of the scanner: on a fixed
// interval it asks the upstream version service what every configured
// product currently serves, collapses the per-region rows into one
// DiscoveredBuild per (product, version), and reports the batch to the
// catalog. The catalog answers with the sub-batch it has not yet terminally
// scanned, which becomes this tick's work list.
package poller

import (
	"context"
	"sort"
	"time"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/util"
	"go.minimaps.dev/infra/scanner/go/catalogclient"
	"go.minimaps.dev/infra/scanner/go/ribbit"
)

// versionService is the subset of ribbit.Client the poller calls, split out
// so tests can script responses without an HTTP server.
type versionService interface {
	Summary(ctx context.Context) (int64, []ribbit.SummaryRow, error)
	Versions(ctx context.Context, product string) (int64, []ribbit.VersionsRow, error)
}

// discoveredSink is the subset of catalogclient.Client the poller calls.
type discoveredSink interface {
	Discovered(ctx context.Context, builds []rpc.DiscoveredBuild) ([]rpc.DiscoveredBuild, error)
}

// Poller polls the version service for a fixed set of products.
type Poller struct {
	versions versionService
	catalog  discoveredSink
	products []string

	liveness   metrics2.Liveness
	discovered metrics2.Counter
	pending    metrics2.Counter
}

// New returns a Poller watching the given products.
func New(versions *ribbit.Client, catalog *catalogclient.Client, products []string) *Poller {
	return newPoller(versions, catalog, products)
}

func newPoller(versions versionService, catalog discoveredSink, products []string) *Poller {
	return &Poller{
		versions:   versions,
		catalog:    catalog,
		products:   products,
		liveness:   metrics2.NewLiveness("scanner_poll"),
		discovered: metrics2.GetCounter("scanner_builds_discovered"),
		pending:    metrics2.GetCounter("scanner_builds_pending"),
	}
}

// groupKey identifies one (product, version) group within a tick.
type groupKey struct {
	product string
	version types.BuildVersion
}

// Tick runs one poll round and returns the builds the catalog still wants
// scanned. A product the version service does not know, or cannot currently
// serve, is logged and skipped; a response that parses but breaks the
// grouping assumptions fails the whole tick.
func (p *Poller) Tick(ctx context.Context) ([]rpc.DiscoveredBuild, error) {
	seqn, summary, err := p.versions.Summary(ctx)
	if err != nil {
		return nil, mmerr.Wrapf(err, "fetching product summary")
	}
	known := make(map[string]bool, len(summary))
	for _, row := range summary {
		known[row.Product] = true
	}
	mmlog.Debugf("Summary seqn %d lists %d products", seqn, len(summary))

	discovered := []rpc.DiscoveredBuild{}
	for _, product := range p.products {
		if !known[product] {
			mmlog.Warningf("Product %q is not in the summary; skipping", product)
			continue
		}
		builds, err := p.pollProduct(ctx, product)
		if err != nil {
			if ctx.Err() != nil {
				return nil, mmerr.Wrap(ctx.Err())
			}
			return nil, err
		}
		discovered = append(discovered, builds...)
	}

	p.discovered.Inc(int64(len(discovered)))
	pending, err := p.catalog.Discovered(ctx, discovered)
	if err != nil {
		return nil, mmerr.Wrapf(err, "reporting %d discovered builds", len(discovered))
	}
	p.pending.Inc(int64(len(pending)))
	p.liveness.Reset()
	mmlog.Infof("Poll tick: %d discovered, %d pending scan", len(discovered), len(pending))
	return pending, nil
}

// pollProduct fetches one product's version rows and collapses them into one
// DiscoveredBuild per version. Unreachable products return no builds and no
// error; rows that group inconsistently return an error that fails the tick.
func (p *Poller) pollProduct(ctx context.Context, product string) ([]rpc.DiscoveredBuild, error) {
	_, rows, err := p.versions.Versions(ctx, product)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mmerr.Wrap(ctx.Err())
		}
		// A missing or unreachable product must not starve the others.
		mmlog.Warningf("Skipping product %q this tick: %s", product, err)
		return nil, nil
	}

	groups := map[groupKey]*rpc.DiscoveredBuild{}
	var order []groupKey
	for _, row := range rows {
		version, err := types.ParseBuildVersion(row.VersionsName)
		if err != nil {
			return nil, mmerr.Wrapf(err, "product %q region %q", product, row.Region)
		}
		key := groupKey{product: product, version: version}
		b, ok := groups[key]
		if !ok {
			groups[key] = &rpc.DiscoveredBuild{
				Product:       product,
				Version:       version,
				VersionName:   row.VersionsName,
				BuildConfig:   row.BuildConfig,
				CDNConfig:     row.CDNConfig,
				ProductConfig: row.ProductConfig,
				Regions:       []string{row.Region},
			}
			order = append(order, key)
			continue
		}
		// The scanner dedups on (product, version); that only holds if every
		// region agrees on the configs behind the version.
		if b.BuildConfig != row.BuildConfig || b.CDNConfig != row.CDNConfig || b.ProductConfig != row.ProductConfig {
			return nil, mmerr.Fmt("product %q version %s: region %q serves configs (%s, %s, %s), %q serves (%s, %s, %s)",
				product, row.VersionsName,
				row.Region, row.BuildConfig, row.CDNConfig, row.ProductConfig,
				b.Regions[0], b.BuildConfig, b.CDNConfig, b.ProductConfig)
		}
		b.Regions = append(b.Regions, row.Region)
	}

	builds := make([]rpc.DiscoveredBuild, 0, len(order))
	for _, key := range order {
		b := groups[key]
		sort.Strings(b.Regions)
		b.Regions = dedupSorted(b.Regions)
		builds = append(builds, *b)
	}
	return builds, nil
}

// Start runs ticks every interval until ctx is canceled, handing each tick's
// pending builds to handle. Ticks never overlap: a tick that outruns the
// interval is followed immediately by the next one.
func (p *Poller) Start(ctx context.Context, interval time.Duration, handle func(context.Context, []rpc.DiscoveredBuild)) {
	util.RepeatCtx(interval, ctx, func() {
		pending, err := p.Tick(ctx)
		if err != nil {
			if ctx.Err() == nil {
				mmlog.Errorf("Poll tick failed: %s", err)
			}
			return
		}
		if len(pending) > 0 {
			handle(ctx, pending)
		}
	})
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || s[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}
