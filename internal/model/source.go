package model

import "time"

// Tier ranks source authority.
type Tier string

const (
	TierBinding       Tier = "binding"
	TierAuthoritative Tier = "authoritative"
	TierGuidance      Tier = "guidance"
)

// Rank orders tiers; higher wins conflicts.
func (t Tier) Rank() int {
	switch t {
	case TierBinding:
		return 3
	case TierAuthoritative:
		return 2
	case TierGuidance:
		return 1
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// Descriptor is a discovered document as reported by a watcher or operator.
type Descriptor struct {
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	URLs        []string  `json:"urls"`
	Title       string    `json:"title,omitempty"`
	Tier        Tier      `json:"tier"`
	PublishedAt time.Time `json:"published_at"`
	EffectiveAt time.Time `json:"effective_at,omitempty"`
	// ContentHash identifies the document version being enqueued. Watchers
	// that cannot hash the body hash a version fingerprint instead.
	ContentHash string `json:"content_hash"`
}

// SourceVersion is one distinct retrieved artifact.
type SourceVersion struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	ContentHash string    `json:"content_hash"`
	URL         string    `json:"url"`
	Tier        Tier      `json:"tier"`
	BlobKey     string    `json:"blob_key"`
	Format      string    `json:"format"`
	SizeBytes   int64     `json:"size_bytes"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`

	// CanonicalText is the line-numbered render; empty until rendered.
	CanonicalText string     `json:"canonical_text,omitempty"`
	Structured    bool       `json:"structured"`
	RenderedAt    *time.Time `json:"rendered_at,omitempty"`
}
