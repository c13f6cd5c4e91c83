package model

import (
	"strings"
	"time"
)

// Role distinguishes facts that impose a program from those that exclude
// a code from it.
type Role string

const (
	RoleImpose  Role = "impose"
	RoleExclude Role = "exclude"
)

// RateStatus describes the state of a resolved rate.
type RateStatus string

const (
	RatePublished RateStatus = "published"
	RatePending   RateStatus = "pending"
	RateMissing   RateStatus = "missing"
)

// FactKey identifies a temporal fact series. Country is empty when the fact
// applies to every country in the program's scope.
type FactKey struct {
	ProgramID string `json:"program_id"`
	HTS       string `json:"hts"`
	Country   string `json:"country,omitempty"`
	Role      Role   `json:"role"`
}

// String renders the key for lock hashing and logs.
func (k FactKey) String() string {
	return strings.Join([]string{k.ProgramID, k.HTS, k.Country, string(k.Role)}, "|")
}

// TemporalFact is one versioned row of a fact series. Rate is nil while the
// rate is pending publication.
type TemporalFact struct {
	ID int64 `json:"id"`
	FactKey
	Rate       *float64 `json:"rate"`
	FilingCode string   `json:"filing_code,omitempty"`
	LegalBasis string   `json:"legal_basis,omitempty"`
	Window

	SourceVersionID   int64     `json:"source_version_id"`
	SourcePublishedAt time.Time `json:"source_published_at"`
	Tier              Tier      `json:"tier"`
	EvidenceID        string    `json:"evidence_id"`
	CommittedAt       time.Time `json:"committed_at"`
}

// Status derives the rate status from the stored rate.
func (f TemporalFact) Status() RateStatus {
	if f.Rate == nil {
		return RatePending
	}
	return RatePublished
}

// SameValue reports whether two facts carry the same rate and filing code.
func (f TemporalFact) SameValue(o TemporalFact) bool {
	if f.FilingCode != o.FilingCode {
		return false
	}
	if f.Rate == nil || o.Rate == nil {
		return f.Rate == nil && o.Rate == nil
	}
	return *f.Rate == *o.Rate
}

// ExclusionClaim describes a product exclusion an importer may claim. The
// system never decides a claim is valid; VerificationRequired is always set.
type ExclusionClaim struct {
	ID                   int64  `json:"id"`
	ProgramID            string `json:"program_id"`
	HTS                  string `json:"hts"`
	Description          string `json:"description"`
	FilingCode           string `json:"filing_code,omitempty"`
	VerificationRequired bool   `json:"verification_required"`
	Window
	SourceVersionID int64  `json:"source_version_id"`
	EvidenceID      string `json:"evidence_id"`
}

// HTSCode is one validity window of an 8- or 10-digit HTS code.
type HTSCode struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	ReplacedBy  string `json:"replaced_by,omitempty"`
	Window
	SourceVersionID int64 `json:"source_version_id,omitempty"`
}

// Level is the number of digits in the code.
func (h HTSCode) Level() int { return len(h.Code) }

// Rate helper for literals.
func Rate(v float64) *float64 { return &v }
