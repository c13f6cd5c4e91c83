package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/render"
)

// TableExtractorName identifies candidates from TableExtractor.
const TableExtractorName = "table"

// Confidence adjustments for table candidates.
const (
	tableBaseConfidence = 0.95
	penaltyDocCode      = 0.05 // provision taken from outside the row
	penaltyFallbackDate = 0.15 // date announced by the watcher, not the text
	penaltyNoDate       = 0.35
)

var (
	hdrHTS       = regexp.MustCompile(`(?i)\bhts|subheading|heading|tariff (?:item|number|classification)`)
	hdrCode      = regexp.MustCompile(`(?i)chapter 99|9903|provision`)
	hdrRate      = regexp.MustCompile(`(?i)\brate|duty|percent|ad valorem`)
	hdrStart     = regexp.MustCompile(`(?i)effective|start|begin|from`)
	hdrEnd       = regexp.MustCompile(`(?i)\bend|expir|through|until`)
	hdrDesc      = regexp.MustCompile(`(?i)description|product|article`)
	hdrOld       = regexp.MustCompile(`(?i)\b(?:old|former|deleted|superseded)\b`)
	hdrNew       = regexp.MustCompile(`(?i)\b(?:new|replacement|successor)\b`)
	hdrExclusion = regexp.MustCompile(`(?i)exclu`)
	hdrCountry   = regexp.MustCompile(`(?i)country`)
)

// TableExtractor parses rendered tables deterministically. It never calls
// a model.
type TableExtractor struct{}

func (TableExtractor) Name() string { return TableExtractorName }

// layout is the column assignment of one table.
type layout struct {
	hts, code, start, end, desc, country int
	rates                                []rateColumn
	oldHTS, newHTS                       int
	exclusion                            bool
}

type rateColumn struct {
	idx   int
	start time.Time // from the header, e.g. "Rate effective January 1, 2026"
}

func (TableExtractor) Extract(ctx context.Context, in Input) ([]model.Candidate, error) {
	log := zap.L().With(zap.String("component", "extract.table"), zap.Int64("job_id", in.JobID))
	if in.Doc == nil || len(in.Doc.Tables) == 0 {
		return nil, nil
	}

	programs := newProgramIndex(in.Programs)
	lines := in.Lines()
	docCode := documentCode(in.Doc.Text)
	docDate, hasDocDate := EffectiveDate(in.Doc.Text)

	var cands []model.Candidate
	for ti, t := range in.Doc.Tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lay, ok := detectLayout(t)
		if !ok {
			log.Debug("table skipped: no hts column", zap.Int("table", ti), zap.String("name", t.Name))
			continue
		}
		tableCode := tableLevelCode(t)
		if tableCode == "" {
			tableCode = docCode
		}

		for _, row := range t.Rows {
			c, ok := lay.candidate(row, programs, tableCode)
			if !ok {
				continue
			}
			c.Quote = lines[row.Line-1]
			c.LineStart, c.LineEnd = row.Line, row.Line

			conf := tableBaseConfidence
			if !rowHasCode(lay, row) && c.ProgramCode != "" {
				conf -= penaltyDocCode
			}
			switch {
			case datesSet(c.Schedule):
			case hasDocDate:
				setStart(c.Schedule, docDate.Date)
			case !in.EffectiveAt.IsZero():
				setStart(c.Schedule, model.Day(in.EffectiveAt))
				conf -= penaltyFallbackDate
			default:
				conf -= penaltyNoDate
			}
			c.Confidence = clamp(conf)
			cands = append(cands, c)
		}
	}

	out := finalize(in, TableExtractorName, cands)
	log.Info("table extraction complete", zap.Int("tables", len(in.Doc.Tables)), zap.Int("candidates", len(out)))
	return out, nil
}

func detectLayout(t render.Table) (layout, bool) {
	lay := layout{hts: -1, code: -1, start: -1, end: -1, desc: -1, country: -1, oldHTS: -1, newHTS: -1}
	lay.exclusion = hdrExclusion.MatchString(t.Name) || hdrExclusion.MatchString(strings.Join(t.Header, " "))

	for i, h := range t.Header {
		switch {
		case hdrCode.MatchString(h):
			if lay.code < 0 {
				lay.code = i
			}
		case hdrHTS.MatchString(h) && hdrOld.MatchString(h):
			lay.oldHTS = i
		case hdrHTS.MatchString(h) && hdrNew.MatchString(h):
			lay.newHTS = i
		case hdrHTS.MatchString(h):
			if lay.hts < 0 {
				lay.hts = i
			}
		case hdrRate.MatchString(h):
			col := rateColumn{idx: i}
			if d, ok := ParseDateCell(h); ok {
				col.start = d
			}
			lay.rates = append(lay.rates, col)
		case hdrEnd.MatchString(h):
			lay.end = i
		case hdrStart.MatchString(h):
			lay.start = i
		case hdrDesc.MatchString(h):
			lay.desc = i
		case hdrCountry.MatchString(h):
			lay.country = i
		}
	}

	// Header-less or unusual tables: fall back to cell shapes.
	if lay.hts < 0 && lay.newHTS < 0 {
		lay.hts = majorityColumn(t, func(c string) bool { return len(FindHTS(c)) == 1 && len(FindCodes(c)) == 0 }, lay.code)
	}
	if lay.code < 0 {
		lay.code = majorityColumn(t, func(c string) bool { return len(FindCodes(c)) == 1 }, lay.hts)
	}
	if len(lay.rates) == 0 {
		if i := majorityColumn(t, func(c string) bool { _, ok := ParseRateCell(c); return ok && len(FindHTS(c)) == 0 }, lay.hts); i >= 0 && i != lay.code {
			lay.rates = []rateColumn{{idx: i}}
		}
	}
	if lay.oldHTS >= 0 && lay.newHTS >= 0 {
		return lay, true
	}
	return lay, lay.hts >= 0
}

// majorityColumn returns the column where most non-empty cells satisfy ok.
func majorityColumn(t render.Table, ok func(string) bool, skip int) int {
	best, bestHits := -1, 0
	width := 0
	for _, r := range t.Rows {
		width = max(width, len(r.Cells))
	}
	for col := 0; col < width; col++ {
		if col == skip {
			continue
		}
		hits, filled := 0, 0
		for _, r := range t.Rows {
			if col >= len(r.Cells) || r.Cells[col] == "" {
				continue
			}
			filled++
			if ok(r.Cells[col]) {
				hits++
			}
		}
		if filled > 0 && hits*10 >= filled*6 && hits > bestHits {
			best, bestHits = col, hits
		}
	}
	return best
}

func (l layout) candidate(row render.Row, programs programIndex, tableCode string) (model.Candidate, bool) {
	cell := func(i int) string {
		if i < 0 || i >= len(row.Cells) {
			return ""
		}
		return row.Cells[i]
	}

	if l.oldHTS >= 0 && l.newHTS >= 0 {
		oldCode, okOld := NormalizeCode(cell(l.oldHTS))
		newCode, okNew := NormalizeCode(cell(l.newHTS))
		if !okNew {
			return model.Candidate{}, false
		}
		c := model.Candidate{Kind: model.CandidateHTSChange, HTS: newCode, Description: cell(l.desc)}
		if okOld {
			c.HTS, c.ReplacedBy = oldCode, newCode
		}
		c.Schedule = []model.RateWindow{{Window: l.window(cell)}}
		return c, true
	}

	hts, ok := NormalizeCode(cell(l.hts))
	if !ok {
		return model.Candidate{}, false
	}

	code := tableCode
	if rc := FindCodes(cell(l.code)); len(rc) > 0 {
		code = rc[0].Text
	}
	c := model.Candidate{HTS: hts, ProgramCode: code, Country: strings.ToUpper(strings.TrimSpace(cell(l.country)))}
	if len(c.Country) != 2 {
		c.Country = ""
	}
	if p, ok := programs.lookup(code); ok {
		c.ProgramID = p.ID
	}

	if l.exclusion {
		if p, ok := programs.family(code); ok && c.ProgramID == "" {
			c.ProgramID = p.ID
		}
		c.Kind = model.CandidateExclusion
		c.Role = model.RoleExclude
		c.Description = cell(l.desc)
		if c.Description == "" {
			c.Description = strings.Join(row.Cells, " ")
		}
		c.Schedule = []model.RateWindow{{Window: l.window(cell)}}
		return c, true
	}

	c.Kind = model.CandidateRate
	c.Role = model.RoleImpose
	base := l.window(cell)
	for _, rc := range l.rates {
		r, ok := ParseRateCell(cell(rc.idx))
		if !ok {
			continue
		}
		w := base
		if !rc.start.IsZero() {
			w = model.Window{Start: rc.start}
		}
		if c.RateToken == "" {
			c.RateToken = r.Text
		}
		c.Schedule = append(c.Schedule, model.RateWindow{Rate: model.Rate(r.Value), Window: w})
	}
	if len(c.Schedule) == 0 {
		// A row listing a code without a rate still moves the code into the
		// program; the rate comes from the program's existing facts.
		if c.ProgramCode == "" {
			return model.Candidate{}, false
		}
		c.Schedule = []model.RateWindow{{Window: base}}
	}
	return c, true
}

func (l layout) window(cell func(int) string) model.Window {
	var w model.Window
	if d, ok := ParseDateCell(cell(l.start)); ok {
		w.Start = d
	}
	if d, ok := ParseDateCell(cell(l.end)); ok {
		w.End = &d
	}
	return w
}

func rowHasCode(l layout, row render.Row) bool {
	return l.code >= 0 && l.code < len(row.Cells) && len(FindCodes(row.Cells[l.code])) > 0
}

// tableLevelCode returns the single provision named in a table's title or
// header, if exactly one.
func tableLevelCode(t render.Table) string {
	return single(FindCodes(t.Name + " " + strings.Join(t.Header, " ")))
}

// documentCode returns the provision a document is about when it names
// exactly one.
func documentCode(text string) string {
	return single(FindCodes(text))
}

func single(toks []Token) string {
	seen := ""
	for _, t := range toks {
		if seen != "" && t.Text != seen {
			return ""
		}
		seen = t.Text
	}
	return seen
}

func datesSet(s []model.RateWindow) bool {
	if len(s) == 0 {
		return false
	}
	for _, w := range s {
		if w.Start.IsZero() {
			return false
		}
	}
	return true
}

// setStart fills missing starts. Only the earliest window may lack a start.
func setStart(s []model.RateWindow, d time.Time) {
	for i := range s {
		if s[i].Start.IsZero() {
			s[i].Start = d
		}
	}
}
