package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func TestPickFact_Ordering(t *testing.T) {
	q := Query{HTS: "8544429090", Country: "CN", Date: d("2024-06-01")}

	general := fact(1, "p", "8544", model.RoleImpose, model.Rate(10), "2024-01-01", nil)
	specific := fact(2, "p", "85444290", model.RoleImpose, model.Rate(20), "2024-01-01", nil)
	newer := fact(3, "p", "8544", model.RoleImpose, model.Rate(30), "2024-03-01", nil)
	excl := fact(4, "p", "8544", model.RoleExclude, nil, "2023-01-01", nil)
	country := fact(5, "p", "85444290", model.RoleImpose, model.Rate(40), "2024-01-01", nil)
	country.Country = "CN"
	closed := fact(6, "p", "8544429090", model.RoleImpose, model.Rate(99), "2024-05-01", dp("2024-06-01"))

	got := PickFact([]model.TemporalFact{general, specific}, q)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID, "longer hts wins a start tie")

	got = PickFact([]model.TemporalFact{general, specific, newer}, q)
	assert.Equal(t, int64(3), got.ID, "latest start wins")

	got = PickFact([]model.TemporalFact{newer, excl}, q)
	assert.Equal(t, int64(4), got.ID, "exclude wins regardless of start")

	got = PickFact([]model.TemporalFact{specific, country}, q)
	assert.Equal(t, int64(5), got.ID, "country-specific wins")

	got = PickFact([]model.TemporalFact{closed}, q)
	assert.Nil(t, got, "closed on the query date")
}

func TestPickFact_IgnoresZeroWidthRows(t *testing.T) {
	q := Query{Date: d("2024-01-01")}
	voided := fact(1, "p", "", model.RoleExclude, nil, "2024-01-01", dp("2024-01-01"))
	live := fact(2, "p", "", model.RoleImpose, model.Rate(5), "2023-01-01", nil)

	got := PickFact([]model.TemporalFact{voided, live}, q)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}
