package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func TestFindHTS_SkipsChapter99(t *testing.T) {
	toks := FindHTS("Products of 8544.42.90 and 7308.90.9590 under 9903.88.03 and heading 8544.")
	require.Len(t, toks, 2)
	assert.Equal(t, "8544.42.90", toks[0].Text)
	assert.Equal(t, "7308.90.9590", toks[1].Text)
}

func TestFindCodes(t *testing.T) {
	toks := FindCodes("see 9903.88.03 and 9903.01.25; not 8544.42.90")
	require.Len(t, toks, 2)
	assert.Equal(t, "9903.01.25", toks[1].Text)
}

func TestFindRates(t *testing.T) {
	toks := FindRates("an additional 25 percent ad valorem, rising to 7.5% and 50 per cent")
	require.Len(t, toks, 3)
	assert.Equal(t, 25.0, toks[0].Value)
	assert.Equal(t, "25 percent", toks[0].Text)
	assert.Equal(t, 7.5, toks[1].Value)
	assert.Equal(t, 50.0, toks[2].Value)
}

func TestParseRateCell(t *testing.T) {
	tests := []struct {
		cell string
		want float64
		ok   bool
	}{
		{"25%", 25, true},
		{" 7.5 ", 7.5, true},
		{"Free", 0, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"5000", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRateCell(tt.cell)
		assert.Equal(t, tt.ok, ok, tt.cell)
		if ok {
			assert.Equal(t, tt.want, got.Value, tt.cell)
		}
	}
}

func TestFindDates(t *testing.T) {
	ds := FindDates("from March 4, 2025 until 2025-06-04, or Sept. 24, 2018 and 01/15/2026")
	require.Len(t, ds, 4)
	assert.Equal(t, model.MustDate("2025-03-04"), ds[0].Date)
	assert.Equal(t, model.MustDate("2025-06-04"), ds[1].Date)
	assert.Equal(t, model.MustDate("2018-09-24"), ds[2].Date)
	assert.Equal(t, model.MustDate("2026-01-15"), ds[3].Date)
}

func TestEffectiveDate(t *testing.T) {
	d, ok := EffectiveDate("Published February 1, 2025. The duty applies to goods entered for consumption on or after March 4, 2025.")
	require.True(t, ok)
	assert.Equal(t, model.MustDate("2025-03-04"), d.Date)

	_, ok = EffectiveDate("Published February 1, 2025.")
	assert.False(t, ok)
}

func TestContainsHTS(t *testing.T) {
	assert.True(t, ContainsHTS("articles of 8544.42.90 are subject", "85444290"))
	assert.True(t, ContainsHTS("8544429090 | 25%", "8544429090"))
	assert.True(t, ContainsHTS("articles in heading 8544, other", "8544"))
	assert.False(t, ContainsHTS("articles of 8544.42.90", "8544"))
	assert.False(t, ContainsHTS("articles of 8544.49.30", "85444290"))
}

func TestContainsRateAndCode(t *testing.T) {
	assert.True(t, ContainsRate("an additional 25 percent duty", 25))
	assert.True(t, ContainsRate("8544.42.90 | 25", 25))
	assert.True(t, ContainsRate("duty-free treatment", 0))
	assert.False(t, ContainsRate("an additional 25 percent duty", 50))

	assert.True(t, ContainsCode("under 9903.88.03 the", "9903.88.03"))
	assert.False(t, ContainsCode("under 9903.88.03 the", "9903.88.04"))
	assert.False(t, ContainsCode("anything", ""))
}
