package model

import "time"

// CandidateKind is the kind of change an extractor proposes.
type CandidateKind string

const (
	CandidateRate      CandidateKind = "rate"
	CandidateExclusion CandidateKind = "exclusion"
	CandidateHTSChange CandidateKind = "hts_change"
)

// CandidateStatus tracks a candidate through gate and review.
type CandidateStatus string

const (
	CandidatePending     CandidateStatus = "pending"
	CandidateNeedsReview CandidateStatus = "needs_review"
	CandidateApproved    CandidateStatus = "approved"
	CandidateRejected    CandidateStatus = "rejected"
	CandidateCommitted   CandidateStatus = "committed"
)

// RateWindow is one step of a (possibly staged) rate schedule.
type RateWindow struct {
	Rate *float64 `json:"rate"`
	Window
}

// Candidate is a proposed change extracted from a document.
type Candidate struct {
	ID              string        `json:"id"`
	JobID           int64         `json:"job_id"`
	SourceVersionID int64         `json:"source_version_id"`
	Kind            CandidateKind `json:"kind"`

	ProgramID      string `json:"program_id,omitempty"`
	ProgramCode    string `json:"program_code,omitempty"`
	OldProgramCode string `json:"old_program_code,omitempty"`
	HTS            string `json:"hts"`
	Country        string `json:"country,omitempty"`
	Role           Role   `json:"role,omitempty"`

	Schedule    []RateWindow `json:"schedule,omitempty"`
	Description string       `json:"description,omitempty"`
	ReplacedBy  string       `json:"replaced_by,omitempty"`

	Quote     string `json:"quote"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	// RateToken is the literal rate text as it appears in the quote.
	RateToken string `json:"rate_token,omitempty"`

	Extractor   string          `json:"extractor"`
	Confidence  float64         `json:"confidence"`
	Status      CandidateStatus `json:"status"`
	GateReasons []string        `json:"gate_reasons,omitempty"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	ReviewNote  string          `json:"review_note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EffectiveStart is the earliest start in the schedule.
func (c Candidate) EffectiveStart() time.Time {
	var first time.Time
	for i, w := range c.Schedule {
		if i == 0 || w.Start.Before(first) {
			first = w.Start
		}
	}
	return first
}
