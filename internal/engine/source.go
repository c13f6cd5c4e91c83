// Package engine evaluates which tariff programs apply to an import and
// what duty each contributes, as of an explicit date.
package engine

import (
	"context"
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// FactQuery selects the facts of one program that could govern an import.
type FactQuery struct {
	ProgramID string
	HTS       string
	Country   string
	Match     model.MatchKind
	Date      time.Time
}

// RuleSource is the read-only query surface the engine needs. Rules live as
// data behind it; the engine never writes.
type RuleSource interface {
	// ActivePrograms returns programs whose active window covers date.
	ActivePrograms(ctx context.Context, date time.Time) ([]model.Program, error)
	CountryKnown(ctx context.Context, iso2 string) (bool, error)
	// GroupsForCountry returns the ids of groups iso2 belongs to on date.
	GroupsForCountry(ctx context.Context, iso2 string, date time.Time) ([]string, error)
	// ScopeContains reports whether a named scope table lists hts. With
	// MatchPrefix an entry matches when it is a prefix of hts.
	ScopeContains(ctx context.Context, table, hts string, match model.MatchKind) (bool, error)
	// SuppressionsAmong returns every edge whose endpoints are both in ids
	// and whose window covers date, in a single read.
	SuppressionsAmong(ctx context.Context, ids []string, date time.Time) ([]model.Suppression, error)
	// FactsFor returns facts of either role covering q.Date whose country is
	// q.Country or unset and whose HTS matches q.HTS under q.Match.
	FactsFor(ctx context.Context, q FactQuery) ([]model.TemporalFact, error)
	// ExclusionClaimsFor returns claims whose HTS constraint is a prefix of hts.
	ExclusionClaimsFor(ctx context.Context, programID, hts string, date time.Time) ([]model.ExclusionClaim, error)
	// HTSHistory returns every validity row for the given codes.
	HTSHistory(ctx context.Context, codes []string) ([]model.HTSCode, error)
	// HTSCodesWithPrefix returns codes starting with prefix valid on date.
	HTSCodesWithPrefix(ctx context.Context, prefix string, date time.Time) ([]model.HTSCode, error)
}
