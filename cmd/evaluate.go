package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

var (
	evalHTS      string
	evalCountry  string
	evalDate     string
	evalToday    string
	evalValue    int64
	evalContents []string
	evalJSON     bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the additional duties on one import",
	Long:  "Resolves the programs that apply to an HTS code, country of origin and entry date, and prints the ordered filing lines and total duty.",
	Example: `  tariff-cli evaluate --hts 8544.42.90 --country CN --date 2025-03-10 --value-cents 1000000
  tariff-cli evaluate --hts 7408.11.30 --country MX --date 2025-08-01 --value-cents 500000 --content copper=60%`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := evaluateRequest(time.Now())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "evaluate")
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		res, err := env.Evaluator.Evaluate(ctx, req)
		if err != nil {
			env.Metrics.ObserveEvaluate("error", time.Since(start))
			return err
		}
		env.Metrics.ObserveEvaluate("ok", time.Since(start))

		if evalJSON {
			return printJSON(os.Stdout, res)
		}
		formatResult(os.Stdout, res)
		return nil
	},
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalHTS, "hts", "", "10-digit HTS code, dots optional")
	f.StringVar(&evalCountry, "country", "", "ISO 3166-1 alpha-2 country of origin")
	f.StringVar(&evalDate, "date", "", "entry date (YYYY-MM-DD)")
	f.StringVar(&evalToday, "today", "", "reference date for future-dated confidence (default today)")
	f.Int64Var(&evalValue, "value-cents", 0, "customs value in cents")
	f.StringArrayVar(&evalContents, "content", nil, "declared content as key=cents or key=percent% (repeatable)")
	f.BoolVar(&evalJSON, "json", false, "print the full result as JSON")
	_ = evaluateCmd.MarkFlagRequired("hts")
	_ = evaluateCmd.MarkFlagRequired("country")
	_ = evaluateCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(evaluateCmd)
}

func evaluateRequest(now time.Time) (engine.Request, error) {
	entry, err := model.ParseDate(evalDate)
	if err != nil {
		return engine.Request{}, eris.Wrap(err, "--date")
	}
	today := model.Day(now)
	if evalToday != "" {
		if today, err = model.ParseDate(evalToday); err != nil {
			return engine.Request{}, eris.Wrap(err, "--today")
		}
	}
	contents, err := parseContents(evalContents)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		HTS:         evalHTS,
		Country:     evalCountry,
		EntryDate:   entry,
		Today:       today,
		ValueCents:  evalValue,
		Composition: contents,
	}, nil
}

// parseContents parses key=cents and key=percent% declarations.
func parseContents(specs []string) ([]engine.Content, error) {
	out := make([]engine.Content, 0, len(specs))
	for _, s := range specs {
		key, val, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return nil, eris.Errorf("--content %q: want key=cents or key=percent%%", s)
		}
		c := engine.Content{Key: key}
		if pct, isPct := strings.CutSuffix(val, "%"); isPct {
			v, err := strconv.ParseFloat(pct, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "--content %q", s)
			}
			c.Percent = v
		} else {
			v, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "--content %q", s)
			}
			c.ValueCents = v
		}
		out = append(out, c)
	}
	return out, nil
}

func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// formatResult writes the filing lines of res as a table.
func formatResult(out io.Writer, res *engine.Result) {
	_, _ = fmt.Fprintf(out, "%s from %s entered %s, value %s\n",
		engine.FormatHTS(res.HTS), res.Country, res.EntryDate.Format(model.DateLayout), cents(res.ValueCents))
	if res.IsFutureDate {
		_, _ = fmt.Fprintln(out, "entry date is in the future; scheduled rates may still change")
	}
	if res.VerificationRequired {
		_, _ = fmt.Fprintln(out, "an exclusion may apply; verification required")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tCODE\tPROGRAM\tACTION\tBASE\tRATE\tDUTY\tCONFIDENCE")
	_, _ = fmt.Fprintln(w, "---\t----\t-------\t------\t----\t----\t----\t----------")
	for _, l := range res.Lines {
		rate := "-"
		if l.Rate != nil {
			rate = strconv.FormatFloat(*l.Rate, 'f', -1, 64) + "%"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Sequence,
			l.Code,
			truncate(l.ProgramName, 40),
			l.Action,
			cents(l.BaseCents),
			rate,
			cents(l.AmountCents),
			l.Confidence,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "total duty: %s\n", cents(res.TotalDutyCents))
}
