package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/monitoring"
)

var (
	freshnessJSON  bool
	freshnessAlert bool
)

var freshnessCmd = &cobra.Command{
	Use:   "freshness",
	Short: "Report rule data freshness and ingestion health",
	Long:  "Shows the last commit per program, watcher health, queue depth and the review backlog. With --alert, evaluates the monitoring thresholds and sends any alerts to the configured webhook.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "evaluate")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Collector.Freshness(ctx)
		if err != nil {
			return err
		}
		if freshnessJSON {
			if err := printJSON(os.Stdout, rep); err != nil {
				return err
			}
		} else {
			formatFreshness(os.Stdout, rep)
		}

		if freshnessAlert {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerts := alerter.Evaluate(rep)
			sent := alerter.SendAlerts(ctx, alerts)
			for _, a := range alerts {
				_, _ = fmt.Fprintf(os.Stdout, "ALERT [%s] %s\n", a.Severity, a.Message)
			}
			_, _ = fmt.Fprintf(os.Stdout, "%d alerts, %d sent\n", len(alerts), sent)
		}
		return nil
	},
}

func init() {
	freshnessCmd.Flags().BoolVar(&freshnessJSON, "json", false, "print the report as JSON")
	freshnessCmd.Flags().BoolVar(&freshnessAlert, "alert", false, "evaluate alert thresholds and send alerts")
	rootCmd.AddCommand(freshnessCmd)
}

func since(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return now.Sub(*t).Round(time.Minute).String() + " ago"
}

func formatFreshness(out io.Writer, rep *monitoring.FreshnessReport) {
	now := rep.CollectedAt
	if now.IsZero() {
		now = time.Now()
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROGRAM\tNAME\tLAST COMMIT")
	_, _ = fmt.Fprintln(w, "-------\t----\t-----------")
	for _, p := range rep.Programs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.ProgramID, truncate(p.Name, 40), since(p.LastCommittedAt, now))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WATCHER\tSTATUS\tLAST RUN\tLAST SUCCESS\tBREAKER\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t------\t--------\t------------\t-------\t-----")
	for _, h := range rep.Watchers {
		status := h.LastStatus
		if status == "" {
			status = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.Watcher, status, since(h.LastRunAt, now), since(h.LastSuccessAt, now), h.Breaker, truncate(h.LastError, 50))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)

	statuses := make([]string, 0, len(rep.Queue))
	for s := range rep.Queue {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	_, _ = fmt.Fprint(out, "queue:")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(out, " %s=%d", s, rep.Queue[s])
	}
	_, _ = fmt.Fprintln(out)
	if len(rep.StuckJobs) > 0 {
		_, _ = fmt.Fprintf(out, "stuck jobs: %v\n", rep.StuckJobs)
	}
	_, _ = fmt.Fprintf(out, "review backlog: %d\n", rep.ReviewBacklog)
}
