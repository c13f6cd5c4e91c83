package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
)

var (
	queueMaxJobs int
	queueFollow  bool
	queueStatus  string
	queueSource  string
	queueLimit   int
	queueAfter   time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the ingest queue",
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process due ingest jobs",
	Long:  "Claims due jobs and runs them through fetch, render, extract, validate and commit. Exits when nothing is due unless --follow is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		var stats queue.Stats
		if queueFollow {
			stats, err = queue.NewPool(env.Queue, env.Pipeline, queue.PoolOptions{
				Workers: cfg.Queue.Workers,
				Poll:    time.Duration(cfg.Queue.PollSecs) * time.Second,
				MaxJobs: queueMaxJobs,
			}).Run(ctx)
		} else {
			stats, err = env.processQueue(ctx, queueMaxJobs)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "claimed %d jobs, %d errors\n", stats.Claimed, stats.Errors)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingest jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Queue.List(ctx, queue.Filter{
			Status: model.JobStatus(queueStatus),
			Source: queueSource,
			Limit:  queueLimit,
		})
		if err != nil {
			return err
		}
		formatJobs(os.Stdout, jobs)
		return nil
	},
}

var queueStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List active jobs that stopped making progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		after := queueAfter
		if after <= 0 {
			after = stuckAfter()
		}
		jobs, err := env.Queue.Stuck(ctx, after)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			zap.L().Info("no stuck jobs", zap.Duration("after", after))
			return nil
		}
		formatJobs(os.Stdout, jobs)
		return nil
	},
}

// jobActionCmd builds a subcommand that applies action to one job id.
func jobActionCmd(use, short string, action func(q queue.Queue, ctx context.Context, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return eris.Errorf("invalid job id %q", args[0])
			}

			env, err := initEnv(ctx, "pipeline")
			if err != nil {
				return err
			}
			defer env.Close()

			if err := action(env.Queue, ctx, id); err != nil {
				return err
			}
			job, err := env.Queue.Get(ctx, id)
			if err != nil {
				return err
			}
			zap.L().Info("job "+use, zap.Int64("job_id", id), zap.String("status", string(job.Status)))
			return printJSON(os.Stdout, job)
		},
	}
}

func init() {
	queueProcessCmd.Flags().IntVar(&queueMaxJobs, "max-jobs", 0, "stop after this many jobs (0 = unlimited)")
	queueProcessCmd.Flags().BoolVar(&queueFollow, "follow", false, "keep polling for new jobs until interrupted")

	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "filter by status")
	queueListCmd.Flags().StringVar(&queueSource, "source", "", "filter by source")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 50, "maximum jobs to list")

	queueStuckCmd.Flags().DurationVar(&queueAfter, "after", 0, "idle threshold (default queue.stuck_after_mins)")

	queueCmd.AddCommand(
		queueProcessCmd,
		queueListCmd,
		queueStuckCmd,
		jobActionCmd("reclaim", "Return a stuck active job to the queue", queue.Queue.Reclaim),
		jobActionCmd("cancel", "Request cancellation of a job", queue.Queue.Cancel),
		jobActionCmd("retry", "Requeue a failed job with a fresh attempt budget", queue.Queue.Retry),
	)
	rootCmd.AddCommand(queueCmd)
}

func formatJobs(out io.Writer, jobs []model.IngestJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tEXTERNAL ID\tSTATUS\tATTEMPTS\tUPDATED\tWORKER\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----------\t------\t--------\t-------\t------\t-----")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID,
			j.Source,
			truncate(j.ExternalID, 32),
			j.Status,
			j.Attempts,
			j.MaxAttempts,
			j.UpdatedAt.Format("2006-01-02 15:04"),
			j.ClaimedBy,
			truncate(j.LastError, 50),
		)
	}
	_ = w.Flush()
}
