package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/evidence"
)

var (
	auditProgram string
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the committed rule ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify the evidence behind every committed fact and claim",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, _, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := evidence.Audit(ctx, st, auditProgram)
		if err != nil {
			return err
		}
		if auditJSON {
			if err := printJSON(os.Stdout, rep); err != nil {
				return err
			}
		} else {
			formatAudit(os.Stdout, rep)
		}
		if !rep.OK() {
			return eris.Errorf("%d evidence checks failed", len(rep.Failures))
		}
		return nil
	},
}

func formatAudit(out io.Writer, rep *evidence.Report) {
	_, _ = fmt.Fprintf(out, "Facts: %d  Claims: %d  Packets: %d\n", rep.Facts, rep.Claims, rep.Packets)
	for _, f := range rep.Failures {
		_, _ = fmt.Fprintf(out, "  FAIL %s %s (evidence %s): %s\n", f.Entity, f.EntityID, f.EvidenceID, f.Error)
	}
	if rep.OK() {
		_, _ = fmt.Fprintln(out, "All evidence verified.")
	}
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditProgram, "program", "", "limit the audit to one program id")
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "print JSON")
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
