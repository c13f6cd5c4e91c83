package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/watcher"
)

var (
	watchProcess bool
	watchMaxJobs int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll official sources for new documents",
}

var watchRunCmd = &cobra.Command{
	Use:   "run [watcher...]",
	Short: "Run watchers once and enqueue what they find",
	Long:  "Polls the named watchers (all enabled watchers when none are named) from their last checkpoint and enqueues new or changed documents. A failing watcher does not stop the others.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		reports, err := env.Watchers.Run(ctx, args)
		if err != nil {
			return err
		}
		formatWatchReports(os.Stdout, reports)

		if watchProcess {
			stats, err := env.processQueue(ctx, watchMaxJobs)
			if err != nil {
				return err
			}
			zap.L().Info("queue drained", zap.Int64("claimed", stats.Claimed), zap.Int64("errors", stats.Errors))
		}
		return nil
	},
}

var watchHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the last run of every watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		health, err := env.Watchers.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, health)
	},
}

func init() {
	watchRunCmd.Flags().BoolVar(&watchProcess, "process", false, "drain the queue after polling")
	watchRunCmd.Flags().IntVar(&watchMaxJobs, "max-jobs", 0, "stop draining after this many jobs (0 = all due)")
	watchCmd.AddCommand(watchRunCmd, watchHealthCmd)
	rootCmd.AddCommand(watchCmd)
}

func formatWatchReports(out io.Writer, reports []watcher.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WATCHER\tRUN\tDISCOVERED\tENQUEUED\tCHECKPOINT\tELAPSED\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t---\t----------\t--------\t----------\t-------\t-----")
	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Watcher,
			r.RunID,
			r.Discovered,
			r.Enqueued,
			truncate(r.Checkpoint, 24),
			r.Elapsed.Round(time.Millisecond),
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}
