package model

// CountryScopeKind selects how a program's country scope is matched.
type CountryScopeKind string

const (
	CountryScopeCountry CountryScopeKind = "country"
	CountryScopeGroup   CountryScopeKind = "group"
	CountryScopeAll     CountryScopeKind = "all"
)

// CountryScope restricts a program to one country, a named group, or all
// countries. Exclude inverts the match.
type CountryScope struct {
	Kind    CountryScopeKind `json:"kind" yaml:"kind"`
	Value   string           `json:"value,omitempty" yaml:"value"`
	Exclude bool             `json:"exclude,omitempty" yaml:"exclude"`
}

// MatchKind is how an HTS code is compared against scope entries.
type MatchKind string

const (
	MatchPrefix MatchKind = "prefix"
	MatchExact  MatchKind = "exact"
)

// Reserved HTS scope tables.
const (
	// ScopeTableAll matches every HTS code.
	ScopeTableAll = "all"
	// ScopeTableFacts matches codes that have an active fact for the program.
	ScopeTableFacts = "facts"
)

// HTSScope names the scope table a program is enumerated in.
type HTSScope struct {
	Table string    `json:"table" yaml:"table"`
	Match MatchKind `json:"match" yaml:"match"`
}

// DutyMethodKind names a duty arithmetic.
type DutyMethodKind string

const (
	DutyAdditive  DutyMethodKind = "additive"
	DutyCompound  DutyMethodKind = "compound"
	DutyOnPortion DutyMethodKind = "on_portion"
	DutyFormula   DutyMethodKind = "formula"
)

// ConditionSpec is the stored form of an applicability condition.
type ConditionSpec struct {
	Kind   string         `json:"kind" yaml:"kind"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// Program is a tariff program (Section 301, Section 232 steel, IEEPA ...).
type Program struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Code           string       `json:"code"`
	CountryScope   CountryScope `json:"country_scope"`
	HTSScope       HTSScope     `json:"hts_scope"`
	FilingSequence int          `json:"filing_sequence"`
	Active         Window       `json:"active"`

	DutyMethod      DutyMethodKind `json:"duty_method"`
	Formula         string         `json:"formula,omitempty"`
	BaseRateProgram string         `json:"base_rate_program,omitempty"`

	// ContentKey marks a content program (copper, steel ...) whose duty is
	// levied on the declared value of that content only.
	ContentKey             string `json:"content_key,omitempty"`
	SubtractsFromRemaining bool   `json:"subtracts_from_remaining,omitempty"`
	BasedOnRemaining       bool   `json:"based_on_remaining,omitempty"`

	Conditions []ConditionSpec `json:"conditions,omitempty"`
}

// IsContent reports whether the program is levied on a content slice.
func (p Program) IsContent() bool { return p.ContentKey != "" }

// Country is an ISO 3166-1 alpha-2 country.
type Country struct {
	ISO2 string `json:"iso2"`
	Name string `json:"name"`
}

// CountryGroup is a named set of countries.
type CountryGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CountryGroupMember places a country in a group for a window.
type CountryGroupMember struct {
	GroupID string `json:"group_id"`
	Country string `json:"country"`
	Window
}

// Suppression is a directed edge: while active, Suppressor removes
// Suppressed from the resolved program set.
type Suppression struct {
	SuppressorID string `json:"suppressor_id"`
	SuppressedID string `json:"suppressed_id"`
	Reason       string `json:"reason,omitempty"`
	Window
}

// ScopeEntry is one code in a named HTS scope table.
type ScopeEntry struct {
	Table string `json:"table"`
	Code  string `json:"code"`
}
