// Package store persists rule data, the temporal fact ledger and the
// ingestion artifacts that justify it.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
)

// ErrNotFound is returned by Get methods when no row matches.
var ErrNotFound = eris.New("store: not found")

// ErrStaleStatus is returned when a conditional status update finds the
// row in a different state than expected.
var ErrStaleStatus = eris.New("store: status changed concurrently")

// CommitKind selects what a commit writes.
type CommitKind string

const (
	CommitRate      CommitKind = "rate"
	CommitExclusion CommitKind = "exclusion"
	CommitHTSChange CommitKind = "hts_change"
)

// HTSChange replaces (or introduces) a code. OldCode is closed at
// Code.Start with replaced_by set when non-empty.
type HTSChange struct {
	OldCode string
	Code    model.HTSCode
}

// CommitRequest is one fact to append to the ledger together with the
// evidence that justifies it.
type CommitRequest struct {
	Kind      CommitKind
	Fact      *model.TemporalFact
	Claim     *model.ExclusionClaim
	HTSChange *HTSChange
	Evidence  model.EvidencePacket
	JobID     *int64
	Actor     string
}

// CommitResult reports what a commit did.
type CommitResult struct {
	Outcome    Outcome `json:"outcome"`
	FactID     int64   `json:"fact_id,omitempty"`
	Closed     []int64 `json:"closed,omitempty"`
	ConflictID int64   `json:"conflict_id,omitempty"`
	EvidenceID string  `json:"evidence_id,omitempty"`
}

func (r CommitRequest) validate() error {
	if r.Evidence.ID == "" || r.Evidence.Quote == "" {
		return eris.New("store: commit requires an evidence packet with a quote")
	}
	if r.Actor == "" {
		return eris.New("store: commit requires an actor")
	}
	switch r.Kind {
	case CommitRate:
		if r.Fact == nil {
			return eris.New("store: rate commit without fact")
		}
		if r.Fact.ProgramID == "" || r.Fact.Role == "" {
			return eris.Errorf("store: incomplete fact key %s", r.Fact.FactKey)
		}
		if !r.Fact.Tier.Valid() {
			return eris.Errorf("store: invalid tier %q", r.Fact.Tier)
		}
		if r.Fact.Start.IsZero() {
			return eris.New("store: fact without effective start")
		}
	case CommitExclusion:
		if r.Claim == nil || r.Claim.ProgramID == "" || r.Claim.HTS == "" {
			return eris.New("store: incomplete exclusion claim")
		}
	case CommitHTSChange:
		if r.HTSChange == nil || r.HTSChange.Code.Code == "" {
			return eris.New("store: incomplete hts change")
		}
	default:
		return eris.Errorf("store: unknown commit kind %q", r.Kind)
	}
	return nil
}

// CandidateFilter selects extraction candidates.
type CandidateFilter struct {
	JobID  int64                 `json:"job_id,omitempty"`
	Status model.CandidateStatus `json:"status,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// FactFilter selects ledger rows.
type FactFilter struct {
	ProgramID string `json:"program_id,omitempty"`
	HTS       string `json:"hts,omitempty"`
	OpenOnly  bool   `json:"open_only,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AuditFilter selects audit entries.
type AuditFilter struct {
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	JobID    int64  `json:"job_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Store is the persistence interface shared by the engine, the ingestion
// pipeline and the operator surfaces. Commit is the only writer of fact
// tables.
type Store interface {
	engine.RuleSource

	Commit(ctx context.Context, req CommitRequest) (*CommitResult, error)

	// Registry
	ApplyRegistry(ctx context.Context, reg model.Registry, actor string) error
	ListPrograms(ctx context.Context) ([]model.Program, error)

	// Source versions
	FindSourceVersion(ctx context.Context, source, externalID, contentHash string) (*model.SourceVersion, error)
	CreateSourceVersion(ctx context.Context, sv model.SourceVersion) (*model.SourceVersion, bool, error)
	GetSourceVersion(ctx context.Context, id int64) (*model.SourceVersion, error)
	SaveRender(ctx context.Context, id int64, format, text string, structured bool) error

	// Candidates
	SaveCandidates(ctx context.Context, cands []model.Candidate) error
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Candidate, error)
	UpdateCandidate(ctx context.Context, id string, from, to model.CandidateStatus, reasons []string, reviewer, note string) error

	// Ledger
	GetEvidence(ctx context.Context, id string) (*model.EvidencePacket, error)
	ListFacts(ctx context.Context, filter FactFilter) ([]model.TemporalFact, error)
	ListClaims(ctx context.Context, programID string) ([]model.ExclusionClaim, error)
	ListConflicts(ctx context.Context, limit int) ([]model.FactConflict, error)
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)
	// LastCommitted returns the latest commit time per program.
	LastCommitted(ctx context.Context) (map[string]time.Time, error)
	// Revision increases whenever rule data or facts change.
	Revision(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

func commitAudit(req CommitRequest, res *CommitResult, entity, entityID string, detail map[string]any) model.AuditEntry {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["outcome"] = string(res.Outcome)
	detail["evidence_id"] = res.EvidenceID
	if len(res.Closed) > 0 {
		detail["closed"] = res.Closed
	}
	return model.AuditEntry{
		Action:   "commit_" + string(req.Kind),
		Entity:   entity,
		EntityID: entityID,
		JobID:    req.JobID,
		Actor:    req.Actor,
		Detail:   detail,
	}
}
