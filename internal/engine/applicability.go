package engine

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// ResolveApplicable is pass 1: every program active on the query date whose
// country scope, HTS scope and conditions all match. The result is sorted
// by program id.
func ResolveApplicable(ctx context.Context, src RuleSource, q Query) ([]model.Program, error) {
	programs, err := src.ActivePrograms(ctx, q.Date)
	if err != nil {
		return nil, eris.Wrap(err, "engine: active programs")
	}
	groups, err := src.GroupsForCountry(ctx, q.Country, q.Date)
	if err != nil {
		return nil, eris.Wrap(err, "engine: country groups")
	}
	inGroup := make(map[string]bool, len(groups))
	for _, g := range groups {
		inGroup[g] = true
	}

	var out []model.Program
	for _, p := range programs {
		if !p.Active.Covers(q.Date) {
			continue
		}
		if !countryMatches(p.CountryScope, q.Country, inGroup) {
			continue
		}
		ok, err := htsMatches(ctx, src, p, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		conds, err := BuildConditions(p.Conditions)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: program %s", p.ID)
		}
		if !allHold(conds, q) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func countryMatches(s model.CountryScope, country string, inGroup map[string]bool) bool {
	var match bool
	switch s.Kind {
	case model.CountryScopeAll:
		match = true
	case model.CountryScopeCountry:
		match = s.Value == country
	case model.CountryScopeGroup:
		match = inGroup[s.Value]
	}
	if s.Exclude {
		// "all" with exclude never matches; anything else inverts.
		return !match
	}
	return match
}

func htsMatches(ctx context.Context, src RuleSource, p model.Program, q Query) (bool, error) {
	switch p.HTSScope.Table {
	case model.ScopeTableAll:
		return true, nil
	case model.ScopeTableFacts:
		facts, err := src.FactsFor(ctx, FactQuery{
			ProgramID: p.ID,
			HTS:       q.HTS,
			Country:   q.Country,
			Match:     p.HTSScope.Match,
			Date:      q.Date,
		})
		if err != nil {
			return false, eris.Wrapf(err, "engine: facts scope for %s", p.ID)
		}
		return len(facts) > 0, nil
	default:
		ok, err := src.ScopeContains(ctx, p.HTSScope.Table, q.HTS, p.HTSScope.Match)
		if err != nil {
			return false, eris.Wrapf(err, "engine: scope %s", p.HTSScope.Table)
		}
		return ok, nil
	}
}

func allHold(conds []Condition, q Query) bool {
	for _, c := range conds {
		if !c.Holds(q) {
			return false
		}
	}
	return true
}
