package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// NormalizeHTS strips punctuation from an HTS code and checks that it is an
// 8- or 10-digit statistical code.
func NormalizeHTS(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ' ' || r == '-':
		default:
			return "", invalid("hts", "unexpected character %q in %q", r, raw)
		}
	}
	code := b.String()
	if len(code) != 8 && len(code) != 10 {
		return "", invalid("hts", "%q must have 8 or 10 digits, got %d", raw, len(code))
	}
	return code, nil
}

// NormalizeHTSPrefix strips punctuation from a scope or fact code, which
// may be any of the chapter, heading, subheading or statistical levels.
func NormalizeHTSPrefix(raw string) (string, error) {
	code := strings.NewReplacer(".", "", " ", "", "-", "").Replace(strings.TrimSpace(raw))
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", invalid("hts", "unexpected character %q in %q", r, raw)
		}
	}
	switch len(code) {
	case 2, 4, 6, 8, 10:
		return code, nil
	}
	return "", invalid("hts", "%q must have 2, 4, 6, 8 or 10 digits, got %d", raw, len(code))
}

// FormatHTS renders a digit-only code in dotted form (8544.42.90 or
// 8544.42.9090). Codes of other lengths are returned unchanged.
func FormatHTS(code string) string {
	switch len(code) {
	case 8, 10:
		return code[:4] + "." + code[4:6] + "." + code[6:]
	case 6:
		return code[:4] + "." + code[4:]
	}
	return code
}

// MatchHTS applies a scope match rule. pattern is the stored code; the query
// code is never shortened.
func MatchHTS(pattern, hts string, match model.MatchKind) bool {
	if match == model.MatchExact {
		return pattern == hts
	}
	return strings.HasPrefix(hts, pattern)
}

// HTSPrefixes returns every prefix of hts from "" up to hts itself. Stores
// use it to turn a prefix match into an indexed equality lookup.
func HTSPrefixes(hts string) []string {
	out := make([]string, 0, len(hts)+1)
	for i := 0; i <= len(hts); i++ {
		out = append(out, hts[:i])
	}
	return out
}

// MatchCandidates returns the stored codes that can match hts under match.
func MatchCandidates(hts string, match model.MatchKind) []string {
	if match == model.MatchExact {
		return []string{hts}
	}
	return HTSPrefixes(hts)
}

// CheckHTSDate verifies that hts is valid on date. A 10-digit code is
// checked directly; history for its 8-digit parent is used only when the
// schedule carries no statistical suffixes under that subheading.
func CheckHTSDate(ctx context.Context, src RuleSource, hts string, date time.Time) error {
	codes := []string{hts}
	if len(hts) == 10 {
		codes = append(codes, hts[:8])
	}
	rows, err := src.HTSHistory(ctx, codes)
	if err != nil {
		return eris.Wrap(err, "engine: hts history")
	}

	own, parent := splitHistory(rows, hts)
	check := own
	if len(check) == 0 && len(parent) > 0 {
		siblings, err := src.HTSCodesWithPrefix(ctx, hts[:8], date)
		if err != nil {
			return eris.Wrap(err, "engine: hts siblings")
		}
		if !hasStatistical(siblings) {
			check = parent
		}
	}
	if len(check) == 0 {
		sugg, err := suggestions(ctx, src, hts, date, nil)
		if err != nil {
			return err
		}
		return &HTSDateError{HTS: hts, Date: date, Reason: HTSUnknown, Suggestions: sugg}
	}

	windows := make([]model.Window, 0, len(check))
	for _, row := range check {
		if row.Covers(date) {
			return nil
		}
		windows = append(windows, row.Window)
	}
	sugg, err := suggestions(ctx, src, hts, date, check)
	if err != nil {
		return err
	}
	return &HTSDateError{HTS: hts, Date: date, Reason: HTSOutOfWindow, Windows: windows, Suggestions: sugg}
}

func hasStatistical(codes []model.HTSCode) bool {
	for _, c := range codes {
		if len(c.Code) == 10 {
			return true
		}
	}
	return false
}

func splitHistory(rows []model.HTSCode, hts string) (own, parent []model.HTSCode) {
	for _, r := range rows {
		switch {
		case r.Code == hts:
			own = append(own, r)
		case len(hts) == 10 && r.Code == hts[:8]:
			parent = append(parent, r)
		}
	}
	return own, parent
}

// suggestions lists replacement codes first, then codes of the same length
// under the same 8-digit subheading that are valid on date.
func suggestions(ctx context.Context, src RuleSource, hts string, date time.Time, history []model.HTSCode) ([]string, error) {
	seen := map[string]bool{hts: true}
	var out []string

	sort.Slice(history, func(i, j int) bool { return history[i].Start.After(history[j].Start) })
	for _, h := range history {
		if h.ReplacedBy != "" && !seen[h.ReplacedBy] {
			seen[h.ReplacedBy] = true
			out = append(out, h.ReplacedBy)
		}
	}

	siblings, err := src.HTSCodesWithPrefix(ctx, hts[:8], date)
	if err != nil {
		return nil, eris.Wrap(err, "engine: hts suggestions")
	}
	codes := make([]string, 0, len(siblings))
	for _, s := range siblings {
		if len(s.Code) == len(hts) && !seen[s.Code] {
			seen[s.Code] = true
			codes = append(codes, s.Code)
		}
	}
	sort.Strings(codes)
	return append(out, codes...), nil
}
