package registry

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Validate checks a registry for internal consistency: unique ids, known
// enum values, resolvable references, buildable conditions and compilable
// formulas. All problems are reported together.
func Validate(reg model.Registry) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	countries := make(map[string]bool, len(reg.Countries))
	for _, c := range reg.Countries {
		if len(c.ISO2) != 2 || strings.ToUpper(c.ISO2) != c.ISO2 {
			add("country %q is not an upper-case ISO alpha-2 code", c.ISO2)
		}
		if countries[c.ISO2] {
			add("duplicate country %s", c.ISO2)
		}
		countries[c.ISO2] = true
	}

	groups := make(map[string]bool, len(reg.Groups))
	for _, g := range reg.Groups {
		if g.ID == "" {
			add("group with empty id")
		}
		if groups[g.ID] {
			add("duplicate group %s", g.ID)
		}
		groups[g.ID] = true
	}
	for _, m := range reg.Members {
		if !groups[m.GroupID] {
			add("member %s references unknown group %s", m.Country, m.GroupID)
		}
		if !countries[m.Country] {
			add("group %s lists unknown country %s", m.GroupID, m.Country)
		}
	}

	tables := make(map[string]bool)
	for _, s := range reg.Scopes {
		tables[s.Table] = true
		if s.Table == model.ScopeTableAll || s.Table == model.ScopeTableFacts {
			add("scope table name %q is reserved", s.Table)
		}
	}

	formulas, err := engine.NewFormulaMethod()
	if err != nil {
		return eris.Wrap(err, "registry: formula environment")
	}

	programs := make(map[string]model.Program, len(reg.Programs))
	for _, p := range reg.Programs {
		if p.ID == "" {
			add("program with empty id")
			continue
		}
		if _, dup := programs[p.ID]; dup {
			add("duplicate program %s", p.ID)
		}
		programs[p.ID] = p
	}

	for _, p := range reg.Programs {
		if p.Code == "" {
			add("program %s has no filing code", p.ID)
		}
		switch p.CountryScope.Kind {
		case model.CountryScopeAll:
		case model.CountryScopeCountry:
			if !countries[p.CountryScope.Value] {
				add("program %s scoped to unknown country %q", p.ID, p.CountryScope.Value)
			}
		case model.CountryScopeGroup:
			if !groups[p.CountryScope.Value] {
				add("program %s scoped to unknown group %q", p.ID, p.CountryScope.Value)
			}
		default:
			add("program %s has unknown country scope kind %q", p.ID, p.CountryScope.Kind)
		}

		switch p.HTSScope.Match {
		case model.MatchPrefix, model.MatchExact:
		default:
			add("program %s has unknown hts match %q", p.ID, p.HTSScope.Match)
		}
		switch t := p.HTSScope.Table; {
		case t == model.ScopeTableAll || t == model.ScopeTableFacts:
		case t == "":
			add("program %s has no hts scope table", p.ID)
		case !tables[t]:
			add("program %s references empty scope table %s", p.ID, t)
		}

		switch p.DutyMethod {
		case model.DutyAdditive, model.DutyCompound, model.DutyOnPortion:
		case model.DutyFormula:
			if err := formulas.Compile(p.Formula); err != nil {
				add("program %s formula: %v", p.ID, err)
			}
		default:
			add("program %s has unknown duty method %q", p.ID, p.DutyMethod)
		}
		if p.BaseRateProgram != "" {
			if _, ok := programs[p.BaseRateProgram]; !ok || p.BaseRateProgram == p.ID {
				add("program %s has invalid base rate program %q", p.ID, p.BaseRateProgram)
			}
		}
		if p.SubtractsFromRemaining && !p.IsContent() {
			add("program %s subtracts from remaining without a content key", p.ID)
		}
		if _, err := engine.BuildConditions(p.Conditions); err != nil {
			add("program %s: %v", p.ID, err)
		}
	}

	for _, e := range reg.Suppressions {
		if e.SuppressorID == e.SuppressedID {
			add("program %s suppresses itself", e.SuppressorID)
		}
		for _, id := range []string{e.SuppressorID, e.SuppressedID} {
			if _, ok := programs[id]; !ok {
				add("suppression %s>%s references unknown program %s", e.SuppressorID, e.SuppressedID, id)
			}
		}
	}

	seen := make(map[string]bool, len(reg.HTSCodes))
	for _, h := range reg.HTSCodes {
		key := h.Code + "@" + h.Start.Format(model.DateLayout)
		if seen[key] {
			add("duplicate hts row %s", key)
		}
		seen[key] = true
	}

	if len(problems) > 0 {
		return eris.Errorf("registry: %d problem(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}
