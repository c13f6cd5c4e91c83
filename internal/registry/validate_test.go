package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func validRegistry() model.Registry {
	since := model.Window{Start: model.MustDate("2025-01-01")}
	return model.Registry{
		Countries: []model.Country{{ISO2: "CN", Name: "China"}},
		Groups:    []model.CountryGroup{{ID: "g", Name: "G"}},
		Members:   []model.CountryGroupMember{{GroupID: "g", Country: "CN", Window: since}},
		Programs: []model.Program{
			{ID: "a", Code: "9903.00.01", Active: since, DutyMethod: model.DutyAdditive,
				CountryScope: model.CountryScope{Kind: model.CountryScopeGroup, Value: "g"},
				HTSScope:     model.HTSScope{Table: "t", Match: model.MatchPrefix}},
			{ID: "b", Code: "9903.00.02", Active: since, DutyMethod: model.DutyAdditive,
				CountryScope: model.CountryScope{Kind: model.CountryScopeAll},
				HTSScope:     model.HTSScope{Table: model.ScopeTableAll, Match: model.MatchPrefix}},
		},
		Suppressions: []model.Suppression{{SuppressorID: "a", SuppressedID: "b", Window: since}},
		Scopes:       []model.ScopeEntry{{Table: "t", Code: "8544"}},
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, Validate(validRegistry()))
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Registry)
		want   string
	}{
		{"unknown group", func(r *model.Registry) { r.Programs[0].CountryScope.Value = "nope" }, "unknown group"},
		{"unknown country", func(r *model.Registry) {
			r.Programs[0].CountryScope = model.CountryScope{Kind: model.CountryScopeCountry, Value: "ZZ"}
		}, "unknown country"},
		{"bad scope kind", func(r *model.Registry) { r.Programs[1].CountryScope.Kind = "planet" }, "country scope kind"},
		{"empty scope table", func(r *model.Registry) { r.Programs[0].HTSScope.Table = "missing" }, "empty scope table"},
		{"bad match", func(r *model.Registry) { r.Programs[0].HTSScope.Match = "fuzzy" }, "hts match"},
		{"bad method", func(r *model.Registry) { r.Programs[0].DutyMethod = "magic" }, "duty method"},
		{"bad formula", func(r *model.Registry) {
			r.Programs[0].DutyMethod = model.DutyFormula
			r.Programs[0].Formula = "rate +"
		}, "formula"},
		{"bad condition", func(r *model.Registry) {
			r.Programs[0].Conditions = []model.ConditionSpec{{Kind: "moon_phase"}}
		}, "unknown condition kind"},
		{"self suppression", func(r *model.Registry) { r.Suppressions[0].SuppressedID = "a" }, "suppresses itself"},
		{"dangling suppression", func(r *model.Registry) { r.Suppressions[0].SuppressedID = "zz" }, "unknown program zz"},
		{"duplicate program", func(r *model.Registry) { r.Programs[1].ID = "a" }, "duplicate program a"},
		{"member of unknown country", func(r *model.Registry) { r.Members[0].Country = "XX" }, "unknown country XX"},
		{"reserved table", func(r *model.Registry) {
			r.Scopes = append(r.Scopes, model.ScopeEntry{Table: model.ScopeTableAll, Code: "85"})
		}, "reserved"},
		{"lowercase iso", func(r *model.Registry) { r.Countries[0].ISO2 = "cn" }, "ISO alpha-2"},
		{"subtracts without content", func(r *model.Registry) { r.Programs[1].SubtractsFromRemaining = true }, "without a content key"},
		{"base rate self", func(r *model.Registry) { r.Programs[1].BaseRateProgram = "b" }, "base rate program"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := validRegistry()
			tt.mutate(&reg)
			err := Validate(reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	reg := validRegistry()
	reg.Programs[0].Code = ""
	reg.Programs[1].DutyMethod = "magic"
	err := Validate(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s)")
}
