package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/model"
)

var (
	reviewLimit    int
	reviewOffset   int
	reviewJSON     bool
	reviewReviewer string
	reviewNote     string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Resolve extraction candidates waiting for a human",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		cands, err := env.Review.List(ctx, reviewLimit, reviewOffset)
		if err != nil {
			return err
		}
		if reviewJSON {
			return printJSON(os.Stdout, cands)
		}
		formatCandidates(os.Stdout, cands)
		return nil
	},
}

func decisionCmd(use, short string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <candidate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if reviewReviewer == "" {
				return eris.New("--reviewer is required")
			}
			env, err := initEnv(ctx, "pipeline")
			if err != nil {
				return err
			}
			defer env.Close()

			decide := env.Review.Reject
			if approve {
				decide = env.Review.Approve
			}
			res, err := decide(ctx, args[0], reviewReviewer, reviewNote)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, res)
		},
	}
}

var reviewSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply decisions recorded in the Notion review database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Mirror == nil {
			return eris.New("review sync requires notion.token and notion.review_db")
		}
		rep, err := env.Review.Sync(ctx, env.Mirror)
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
		if len(rep.Errors) > 0 {
			return eris.Errorf("%d decisions failed", len(rep.Errors))
		}
		return nil
	},
}

func formatCandidates(out io.Writer, cands []model.Candidate) {
	if len(cands) == 0 {
		_, _ = fmt.Fprintln(out, "No candidates awaiting review.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tKIND\tPROGRAM\tHTS\tCONF\tQUOTE")
	for _, c := range cands {
		program := c.ProgramCode
		if program == "" {
			program = c.ProgramID
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%.2f\t%s\n",
			c.ID, c.JobID, c.Kind, program, c.HTS, c.Confidence, truncate(c.Quote, 60))
	}
	_ = w.Flush()
}

func init() {
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "maximum candidates to list")
	reviewListCmd.Flags().IntVar(&reviewOffset, "offset", 0, "candidates to skip")
	reviewListCmd.Flags().BoolVar(&reviewJSON, "json", false, "print JSON")

	approveCmd := decisionCmd("approve", "Approve a candidate and commit it", true)
	rejectCmd := decisionCmd("reject", "Reject a candidate", false)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&reviewReviewer, "reviewer", "", "reviewer recorded in the audit trail")
		c.Flags().StringVar(&reviewNote, "note", "", "review note")
	}

	reviewCmd.AddCommand(reviewListCmd, approveCmd, rejectCmd, reviewSyncCmd)
	rootCmd.AddCommand(reviewCmd)
}
