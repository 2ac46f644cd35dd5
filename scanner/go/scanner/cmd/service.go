package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/scanner/go/config"
)

// keyRefreshInterval is how often the upstream key list is re-checked. The
// fetch is ETag-conditional, so an unchanged list costs a 304.
const keyRefreshInterval = 15 * time.Minute

var serviceFlags config.ScanFlags

// serviceCmd represents the service command
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run the scanner as a long-lived service.",
	Long: `Polls the version service on the configured interval and scans every
build the catalog reports pending. The upstream decryption key list is
refreshed in the background; newly learned keys are pushed to the catalog,
which requeues the scans they unblock, and those are scanned right away.

Runs until SIGINT or SIGTERM. An in-flight scan is abandoned without
recording a state, so the build stays pending for the next run.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWorker(&serviceFlags)
		if err != nil {
			return err
		}
		metrics2.InitPrometheus(serviceFlags.PromPort)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// The catalog may hold keys from other workers; merge before the
		// first tick. A failure is not fatal, the poll loop will surface a
		// down catalog on its own.
		if err := w.syncKeys(ctx, nil); err != nil {
			mmlog.Warningf("Initial key sync failed: %s", err)
		}

		refresher := w.newRefresher(func(names []uint64) {
			if err := w.syncKeys(ctx, names); err != nil {
				mmlog.Errorf("Key sync after discovery failed: %s", err)
				return
			}
			jobs, err := w.pendingJobs(ctx)
			if err != nil {
				mmlog.Errorf("Fetching requeued scans failed: %s", err)
				return
			}
			if len(jobs) == 0 {
				return
			}
			mmlog.Infof("Key discovery requeued %d scans", len(jobs))
			w.scanJobs(ctx, jobs)
		})
		refresher.Start(ctx, keyRefreshInterval)

		w.poller.Start(ctx, w.cfg.PollInterval.Duration, func(ctx context.Context, jobs []rpc.DiscoveredBuild) {
			w.scanJobs(ctx, jobs)
		})
		mmlog.Info("Shutting down.")
		return nil
	},
}

func serviceInit() {
	rootCmd.AddCommand(serviceCmd)
	serviceFlags.Register(serviceCmd.Flags())
}
