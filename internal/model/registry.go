package model

// Registry is the operator-maintained rule data: programs, country groups,
// interaction edges, scope tables and the HTS schedule baseline.
type Registry struct {
	Programs     []Program            `json:"programs"`
	Countries    []Country            `json:"countries"`
	Groups       []CountryGroup       `json:"groups"`
	Members      []CountryGroupMember `json:"members"`
	Suppressions []Suppression        `json:"suppressions"`
	Scopes       []ScopeEntry         `json:"scopes"`
	HTSCodes     []HTSCode            `json:"hts_codes"`
}
