package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/tariff-cli/internal/engine"
)

var (
	// htsPattern matches dotted HTS numbers: 6, 8 or 10 digits, with the
	// statistical suffix written 8544.42.9090 or 8544.42.90.90.
	htsPattern = regexp.MustCompile(`\b\d{4}\.\d{2}(?:\.\d{2}(?:\.?\d{2})?)?\b`)
	// codePattern matches Chapter 99 filing provisions.
	codePattern = regexp.MustCompile(`\b99\d{2}\.\d{2}\.\d{2}\b`)
	// ratePattern matches "25%", "25 percent", "7.5 percent ad valorem".
	ratePattern = regexp.MustCompile(`(?i)\b(\d{1,3}(?:\.\d+)?)\s*(?:%|percent\b|per\s*cent\b)`)
	freePattern = regexp.MustCompile(`(?i)^\s*free\s*$`)
	freeWord    = regexp.MustCompile(`(?i)\bfree\b`)

	datePatterns = []struct {
		re     *regexp.Regexp
		layout []string
	}{
		{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), []string{"2006-01-02"}},
		{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`), []string{"1/2/2006"}},
		{
			regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`),
			[]string{"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006"},
		},
	}

	// effectivePattern anchors the document's effective date phrase.
	effectivePattern = regexp.MustCompile(`(?i)\b(?:effective|entered[^.]{0,80}?on or after|beginning)\b`)
)

// Token is a matched substring and its byte offset within the searched text.
type Token struct {
	Text   string
	Offset int
}

// FindHTS returns dotted HTS numbers in s, excluding Chapter 99 provisions.
func FindHTS(s string) []Token {
	var out []Token
	for _, m := range htsPattern.FindAllStringIndex(s, -1) {
		text := s[m[0]:m[1]]
		if strings.HasPrefix(text, "99") {
			continue
		}
		out = append(out, Token{Text: text, Offset: m[0]})
	}
	return out
}

// FindCodes returns Chapter 99 provisions in s.
func FindCodes(s string) []Token {
	var out []Token
	for _, m := range codePattern.FindAllStringIndex(s, -1) {
		out = append(out, Token{Text: s[m[0]:m[1]], Offset: m[0]})
	}
	return out
}

// RateToken is a parsed rate and its literal text.
type RateToken struct {
	Token
	Value float64
}

// FindRates returns percentage rates in s.
func FindRates(s string) []RateToken {
	var out []RateToken
	for _, m := range ratePattern.FindAllStringSubmatchIndex(s, -1) {
		v, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
		if err != nil || v > 1000 {
			continue
		}
		out = append(out, RateToken{Token: Token{Text: s[m[0]:m[1]], Offset: m[0]}, Value: v})
	}
	return out
}

// ParseRateCell reads a table cell holding a rate ("25%", "25", "Free").
func ParseRateCell(cell string) (RateToken, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return RateToken{}, false
	}
	if freePattern.MatchString(cell) {
		return RateToken{Token: Token{Text: cell}, Value: 0}, true
	}
	if rates := FindRates(cell); len(rates) > 0 {
		return rates[0], true
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil || v < 0 || v > 1000 {
		return RateToken{}, false
	}
	return RateToken{Token: Token{Text: cell}, Value: v}, true
}

// DateToken is a parsed calendar date and its literal text.
type DateToken struct {
	Token
	Date time.Time
}

// FindDates returns dates in s ordered by position.
func FindDates(s string) []DateToken {
	var out []DateToken
	for _, p := range datePatterns {
		for _, m := range p.re.FindAllStringIndex(s, -1) {
			text := s[m[0]:m[1]]
			if d, ok := parseDate(text, p.layout); ok {
				out = append(out, DateToken{Token: Token{Text: text, Offset: m[0]}, Date: d})
			}
		}
	}
	sortByOffset(out)
	return out
}

// ParseDateCell reads a table cell holding one date.
func ParseDateCell(cell string) (time.Time, bool) {
	if ds := FindDates(cell); len(ds) > 0 {
		return ds[0].Date, true
	}
	return time.Time{}, false
}

// EffectiveDate finds the first date following an "effective ..." phrase.
func EffectiveDate(text string) (DateToken, bool) {
	for _, m := range effectivePattern.FindAllStringIndex(text, -1) {
		window := text[m[1]:min(len(text), m[1]+200)]
		if ds := FindDates(window); len(ds) > 0 {
			d := ds[0]
			d.Offset += m[1]
			return d, true
		}
	}
	return DateToken{}, false
}

// NormalizeCode returns the HTS digits of a dotted or bare number.
func NormalizeCode(s string) (string, bool) {
	code, err := engine.NormalizeHTSPrefix(strings.TrimSpace(s))
	if err != nil || len(code) < 4 {
		return "", false
	}
	return code, true
}

// ContainsHTS reports whether quote mentions hts at the same level, dotted
// or as bare digits.
func ContainsHTS(quote, hts string) bool {
	fields := strings.FieldsFunc(quote, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	for _, f := range fields {
		if code, ok := NormalizeCode(strings.Trim(f, ".")); ok && code == hts {
			return true
		}
	}
	return false
}

// ContainsCode reports whether quote mentions the Chapter 99 provision.
func ContainsCode(quote, code string) bool {
	if code == "" {
		return false
	}
	want, ok := NormalizeCode(code)
	for _, tok := range FindCodes(quote) {
		if tok.Text == code {
			return true
		}
		if got, gok := NormalizeCode(tok.Text); ok && gok && got == want {
			return true
		}
	}
	return false
}

// ContainsRate reports whether quote states rate.
func ContainsRate(quote string, rate float64) bool {
	for _, r := range FindRates(quote) {
		if r.Value == rate {
			return true
		}
	}
	if rate == 0 && freeWord.MatchString(quote) {
		return true
	}
	// Table rows may carry a bare number in the rate column.
	for _, f := range strings.Split(quote, "|") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil && v == rate {
			return true
		}
	}
	return false
}

func parseDate(text string, layouts []string) (time.Time, bool) {
	t := strings.Join(strings.Fields(strings.ReplaceAll(text, ".", "")), " ")
	t = strings.Replace(t, "Sept ", "Sep ", 1)
	for _, l := range layouts {
		if d, err := time.Parse(l, t); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

func sortByOffset(ds []DateToken) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Offset < ds[j].Offset })
}
