package model

import "time"

// EvidenceClaims is what an evidence packet proves.
type EvidenceClaims struct {
	HTS            string     `json:"hts"`
	ProgramCode    string     `json:"program_code,omitempty"`
	Rate           *float64   `json:"rate,omitempty"`
	EffectiveStart time.Time  `json:"effective_start"`
	EffectiveEnd   *time.Time `json:"effective_end,omitempty"`
}

// EvidencePacket links a committed fact to its exact source text. Packets
// are insert-only.
type EvidencePacket struct {
	ID              string         `json:"id"`
	SourceVersionID int64          `json:"source_version_id"`
	DocumentHash    string         `json:"document_hash"`
	LineStart       int            `json:"line_start"`
	LineEnd         int            `json:"line_end"`
	Quote           string         `json:"quote"`
	Claims          EvidenceClaims `json:"claims"`
	Confidence      float64        `json:"confidence"`
	Validator       string         `json:"validator"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	JobID     *int64         `json:"job_id,omitempty"`
	Actor     string         `json:"actor"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FactConflict records two sources disagreeing on the same key and date.
type FactConflict struct {
	ID             int64     `json:"id"`
	Key            FactKey   `json:"key"`
	ExistingFactID int64     `json:"existing_fact_id"`
	NewFactID      int64     `json:"new_fact_id"`
	Winner         string    `json:"winner"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}
