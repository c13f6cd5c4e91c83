package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// fixtureSource is a minimal in-memory RuleSource for engine tests.
type fixtureSource struct {
	programs  []model.Program
	countries map[string]bool
	members   []model.CountryGroupMember
	scopes    []model.ScopeEntry
	edges     []model.Suppression
	facts     []model.TemporalFact
	claims    []model.ExclusionClaim
	hts       []model.HTSCode

	suppressionCalls int
}

func (f *fixtureSource) ActivePrograms(_ context.Context, date time.Time) ([]model.Program, error) {
	var out []model.Program
	for _, p := range f.programs {
		if p.Active.Covers(date) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fixtureSource) CountryKnown(_ context.Context, iso2 string) (bool, error) {
	return f.countries[iso2], nil
}

func (f *fixtureSource) GroupsForCountry(_ context.Context, iso2 string, date time.Time) ([]string, error) {
	var out []string
	for _, m := range f.members {
		if m.Country == iso2 && m.Covers(date) {
			out = append(out, m.GroupID)
		}
	}
	return out, nil
}

func (f *fixtureSource) ScopeContains(_ context.Context, table, hts string, match model.MatchKind) (bool, error) {
	for _, s := range f.scopes {
		if s.Table == table && MatchHTS(s.Code, hts, match) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fixtureSource) SuppressionsAmong(_ context.Context, ids []string, date time.Time) ([]model.Suppression, error) {
	f.suppressionCalls++
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	var out []model.Suppression
	for _, e := range f.edges {
		if in[e.SuppressorID] && in[e.SuppressedID] && e.Covers(date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fixtureSource) FactsFor(_ context.Context, q FactQuery) ([]model.TemporalFact, error) {
	var out []model.TemporalFact
	for _, fact := range f.facts {
		if fact.ProgramID != q.ProgramID || !fact.Covers(q.Date) {
			continue
		}
		if fact.Country != "" && fact.Country != q.Country {
			continue
		}
		if !MatchHTS(fact.HTS, q.HTS, q.Match) {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}

func (f *fixtureSource) ExclusionClaimsFor(_ context.Context, programID, hts string, date time.Time) ([]model.ExclusionClaim, error) {
	var out []model.ExclusionClaim
	for _, c := range f.claims {
		if c.ProgramID == programID && strings.HasPrefix(hts, c.HTS) && c.Covers(date) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fixtureSource) HTSHistory(_ context.Context, codes []string) ([]model.HTSCode, error) {
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var out []model.HTSCode
	for _, h := range f.hts {
		if want[h.Code] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fixtureSource) HTSCodesWithPrefix(_ context.Context, prefix string, date time.Time) ([]model.HTSCode, error) {
	var out []model.HTSCode
	for _, h := range f.hts {
		if strings.HasPrefix(h.Code, prefix) && h.Covers(date) {
			out = append(out, h)
		}
	}
	return out, nil
}

func d(s string) time.Time { return model.MustDate(s) }

func dp(s string) *time.Time {
	t := model.MustDate(s)
	return &t
}

func fact(id int64, program, hts string, role model.Role, rate *float64, start string, end *time.Time) model.TemporalFact {
	return model.TemporalFact{
		ID:         id,
		FactKey:    model.FactKey{ProgramID: program, HTS: hts, Role: role},
		Rate:       rate,
		Window:     model.Window{Start: d(start), End: end},
		Tier:       model.TierBinding,
		EvidenceID: "ev-" + program,
	}
}

// scenarioSource reproduces a copper cable import from China subject to six
// stacked programs.
func scenarioSource() *fixtureSource {
	since := model.Window{Start: d("2018-07-06")}
	return &fixtureSource{
		countries: map[string]bool{"CN": true, "HK": true, "MX": true, "DE": true},
		members: []model.CountryGroupMember{
			{GroupID: "greater_china", Country: "CN", Window: since},
			{GroupID: "greater_china", Country: "HK", Window: since},
		},
		programs: []model.Program{
			{ID: "s301", Name: "Section 301 List 3", Code: "9903.88.03",
				CountryScope: model.CountryScope{Kind: model.CountryScopeCountry, Value: "CN"},
				HTSScope:     model.HTSScope{Table: "s301_list3", Match: model.MatchPrefix},
				FilingSequence: 10, Active: since, DutyMethod: model.DutyAdditive},
			{ID: "ieepa_fentanyl", Name: "IEEPA Fentanyl", Code: "9903.01.24",
				CountryScope: model.CountryScope{Kind: model.CountryScopeGroup, Value: "greater_china"},
				HTSScope:     model.HTSScope{Table: model.ScopeTableAll, Match: model.MatchPrefix},
				FilingSequence: 20, Active: since, DutyMethod: model.DutyAdditive},
			{ID: "s232_copper", Name: "Section 232 Copper", Code: "9903.78.01",
				CountryScope: model.CountryScope{Kind: model.CountryScopeAll},
				HTSScope:     model.HTSScope{Table: "copper_derivatives", Match: model.MatchPrefix},
				FilingSequence: 30, Active: since, DutyMethod: model.DutyAdditive,
				ContentKey: "copper", SubtractsFromRemaining: true},
			{ID: "s232_steel", Name: "Section 232 Steel", Code: "9903.81.91",
				CountryScope: model.CountryScope{Kind: model.CountryScopeAll},
				HTSScope:     model.HTSScope{Table: "steel_derivatives", Match: model.MatchPrefix},
				FilingSequence: 40, Active: since, DutyMethod: model.DutyAdditive,
				ContentKey: "steel", SubtractsFromRemaining: true},
			{ID: "s232_aluminum", Name: "Section 232 Aluminum", Code: "9903.85.08",
				CountryScope: model.CountryScope{Kind: model.CountryScopeAll},
				HTSScope:     model.HTSScope{Table: "aluminum_derivatives", Match: model.MatchPrefix},
				FilingSequence: 50, Active: since, DutyMethod: model.DutyAdditive,
				ContentKey: "aluminum", SubtractsFromRemaining: true},
			{ID: "ieepa_reciprocal", Name: "IEEPA Reciprocal", Code: "9903.01.25",
				CountryScope: model.CountryScope{Kind: model.CountryScopeAll},
				HTSScope:     model.HTSScope{Table: model.ScopeTableAll, Match: model.MatchPrefix},
				FilingSequence: 60, Active: since, DutyMethod: model.DutyAdditive,
				BasedOnRemaining: true},
		},
		scopes: []model.ScopeEntry{
			{Table: "s301_list3", Code: "85444290"},
			{Table: "copper_derivatives", Code: "8544"},
			{Table: "steel_derivatives", Code: "8544"},
			{Table: "aluminum_derivatives", Code: "8544"},
		},
		facts: []model.TemporalFact{
			fact(1, "s301", "85444290", model.RoleImpose, model.Rate(25), "2018-09-24", nil),
			fact(2, "ieepa_fentanyl", "", model.RoleImpose, model.Rate(10), "2025-03-04", nil),
			fact(3, "s232_copper", "8544", model.RoleImpose, model.Rate(50), "2025-08-01", nil),
			fact(4, "s232_steel", "8544", model.RoleImpose, model.Rate(50), "2025-06-04", nil),
			fact(5, "s232_aluminum", "8544", model.RoleImpose, model.Rate(25), "2025-03-12", nil),
			fact(6, "ieepa_reciprocal", "", model.RoleImpose, model.Rate(10), "2025-04-05", nil),
		},
		hts: []model.HTSCode{
			{Code: "85444290", Window: model.Window{Start: d("2017-01-01")}},
			{Code: "8544429090", Window: model.Window{Start: d("2017-01-01")}},
			{Code: "8544429010", Window: model.Window{Start: d("2017-01-01")}},
		},
	}
}

func scenarioRequest() Request {
	return Request{
		HTS:        "8544.42.9090",
		Country:    "CN",
		EntryDate:  d("2025-09-15"),
		Today:      d("2025-09-15"),
		ValueCents: 1_000_000,
		Composition: []Content{
			{Key: "copper", ValueCents: 300_000},
			{Key: "steel", ValueCents: 100_000},
			{Key: "aluminum", ValueCents: 100_000},
		},
	}
}
