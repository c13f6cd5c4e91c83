// Package registry loads operator-authored rule data (programs, country
// groups, suppressions, scope tables and the HTS baseline) from YAML seed
// files and checks it before it reaches the store.
package registry

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Seed is the on-disk registry document. Dates are YYYY-MM-DD strings.
type Seed struct {
	Countries    []SeedCountry          `yaml:"countries"`
	Groups       []SeedGroup            `yaml:"groups"`
	Programs     []SeedProgram          `yaml:"programs"`
	Suppressions []SeedSuppression      `yaml:"suppressions"`
	Scopes       map[string][]string    `yaml:"scopes"`
	HTSCodes     []SeedHTSCode          `yaml:"hts_codes"`
	Extra        map[string]any           `yaml:",inline"`
}

// SeedCountry is one country row.
type SeedCountry struct {
	ISO2 string `yaml:"iso2"`
	Name string `yaml:"name"`
}

// SeedGroup is a country group with its membership windows.
type SeedGroup struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Members []SeedMember `yaml:"members"`
}

// SeedMember places a country in the enclosing group.
type SeedMember struct {
	Country string `yaml:"country"`
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
}

// SeedWindow is a start/end pair.
type SeedWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// SeedProgram is one program definition.
type SeedProgram struct {
	ID                     string                `yaml:"id"`
	Name                   string                `yaml:"name"`
	Code                   string                `yaml:"code"`
	CountryScope           model.CountryScope    `yaml:"country_scope"`
	HTSScope               model.HTSScope        `yaml:"hts_scope"`
	FilingSequence         int                   `yaml:"filing_sequence"`
	Active                 SeedWindow            `yaml:"active"`
	DutyMethod             model.DutyMethodKind  `yaml:"duty_method"`
	Formula                string                `yaml:"formula"`
	BaseRateProgram        string                `yaml:"base_rate_program"`
	ContentKey             string                `yaml:"content_key"`
	SubtractsFromRemaining bool                  `yaml:"subtracts_from_remaining"`
	BasedOnRemaining       bool                  `yaml:"based_on_remaining"`
	Conditions             []model.ConditionSpec `yaml:"conditions"`
}

// SeedSuppression is a suppression edge.
type SeedSuppression struct {
	Suppressor string `yaml:"suppressor"`
	Suppressed string `yaml:"suppressed"`
	Reason     string `yaml:"reason"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
}

// SeedHTSCode is one baseline HTS validity row.
type SeedHTSCode struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	ReplacedBy  string `yaml:"replaced_by"`
}

// LoadSeed reads a registry seed file and converts it to a checked
// model.Registry.
func LoadSeed(path string) (model.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Registry{}, eris.Wrap(err, "registry: read seed")
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML, converts it and runs Validate.
func ParseSeed(data []byte) (model.Registry, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return model.Registry{}, eris.Wrap(err, "registry: decode seed")
	}
	if len(s.Extra) > 0 {
		keys := make([]string, 0, len(s.Extra))
		for k := range s.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return model.Registry{}, eris.Errorf("registry: unknown seed sections %v", keys)
	}
	reg, err := s.Registry()
	if err != nil {
		return model.Registry{}, err
	}
	if err := Validate(reg); err != nil {
		return model.Registry{}, err
	}
	return reg, nil
}

// Registry converts the seed into model types, normalizing HTS codes and
// parsing dates. It does not check references; see Validate.
func (s Seed) Registry() (model.Registry, error) {
	var reg model.Registry

	for _, c := range s.Countries {
		reg.Countries = append(reg.Countries, model.Country{ISO2: c.ISO2, Name: c.Name})
	}

	for _, g := range s.Groups {
		reg.Groups = append(reg.Groups, model.CountryGroup{ID: g.ID, Name: g.Name})
		for _, m := range g.Members {
			w, err := window(m.Start, m.End)
			if err != nil {
				return model.Registry{}, eris.Wrapf(err, "registry: group %s member %s", g.ID, m.Country)
			}
			reg.Members = append(reg.Members, model.CountryGroupMember{GroupID: g.ID, Country: m.Country, Window: w})
		}
	}

	for _, p := range s.Programs {
		w, err := window(p.Active.Start, p.Active.End)
		if err != nil {
			return model.Registry{}, eris.Wrapf(err, "registry: program %s", p.ID)
		}
		method := p.DutyMethod
		if method == "" {
			method = model.DutyAdditive
		}
		scope := p.HTSScope
		if scope.Match == "" {
			scope.Match = model.MatchPrefix
		}
		reg.Programs = append(reg.Programs, model.Program{
			ID:                     p.ID,
			Name:                   p.Name,
			Code:                   p.Code,
			CountryScope:           p.CountryScope,
			HTSScope:               scope,
			FilingSequence:         p.FilingSequence,
			Active:                 w,
			DutyMethod:             method,
			Formula:                p.Formula,
			BaseRateProgram:        p.BaseRateProgram,
			ContentKey:             p.ContentKey,
			SubtractsFromRemaining: p.SubtractsFromRemaining,
			BasedOnRemaining:       p.BasedOnRemaining,
			Conditions:             p.Conditions,
		})
	}

	for _, e := range s.Suppressions {
		w, err := window(e.Start, e.End)
		if err != nil {
			return model.Registry{}, eris.Wrapf(err, "registry: suppression %s>%s", e.Suppressor, e.Suppressed)
		}
		reg.Suppressions = append(reg.Suppressions, model.Suppression{
			SuppressorID: e.Suppressor,
			SuppressedID: e.Suppressed,
			Reason:       e.Reason,
			Window:       w,
		})
	}

	tables := make([]string, 0, len(s.Scopes))
	for t := range s.Scopes {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		for _, raw := range s.Scopes[t] {
			code, err := engine.NormalizeHTSPrefix(raw)
			if err != nil {
				return model.Registry{}, eris.Wrapf(err, "registry: scope %s", t)
			}
			reg.Scopes = append(reg.Scopes, model.ScopeEntry{Table: t, Code: code})
		}
	}

	for _, h := range s.HTSCodes {
		code, err := engine.NormalizeHTS(h.Code)
		if err != nil {
			return model.Registry{}, eris.Wrap(err, "registry: hts_codes")
		}
		var replaced string
		if h.ReplacedBy != "" {
			if replaced, err = engine.NormalizeHTS(h.ReplacedBy); err != nil {
				return model.Registry{}, eris.Wrapf(err, "registry: hts %s replaced_by", h.Code)
			}
		}
		w, err := window(h.Start, h.End)
		if err != nil {
			return model.Registry{}, eris.Wrapf(err, "registry: hts %s", h.Code)
		}
		reg.HTSCodes = append(reg.HTSCodes, model.HTSCode{
			Code:        code,
			Description: h.Description,
			ReplacedBy:  replaced,
			Window:      w,
		})
	}

	return reg, nil
}

func window(start, end string) (model.Window, error) {
	if start == "" {
		return model.Window{}, eris.New("missing start date")
	}
	s, err := model.ParseDate(start)
	if err != nil {
		return model.Window{}, err
	}
	e, err := model.DatePtr(end)
	if err != nil {
		return model.Window{}, err
	}
	if e != nil && e.Before(s) {
		return model.Window{}, eris.Errorf("end %s before start %s", end, start)
	}
	return model.Window{Start: s, End: e}, nil
}
