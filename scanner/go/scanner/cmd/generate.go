package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/scanner/go/config"
)

var generateFlags config.ScanFlags

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Poll once and scan every pending build.",
	Long: `Runs a single poll of the version service, merges in any builds the
catalog still has pending, and scans them all. Exits non-zero if the poll
fails or any scan does not reach a terminal state.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWorker(&generateFlags)
		if err != nil {
			return err
		}
		ctx := context.Background()

		// Scans can proceed on a stale key list; they cannot proceed
		// without the catalog.
		if err := w.newRefresher(nil).Refresh(ctx); err != nil {
			mmlog.Warningf("Key list refresh failed: %s", err)
		}
		if err := w.syncKeys(ctx, nil); err != nil {
			return err
		}

		jobs, err := w.poller.Tick(ctx)
		if err != nil {
			return err
		}
		pending, err := w.pendingJobs(ctx)
		if err != nil {
			return err
		}
		jobs = mergeJobs(jobs, pending)
		if len(jobs) == 0 {
			mmlog.Infof("Nothing to scan.")
			return nil
		}
		if unfinished := w.scanJobs(ctx, jobs); unfinished > 0 {
			return mmerr.Fmt("%d of %d scans did not finish", unfinished, len(jobs))
		}
		return nil
	},
}

func generateInit() {
	rootCmd.AddCommand(generateCmd)
	generateFlags.Register(generateCmd.Flags())
}
