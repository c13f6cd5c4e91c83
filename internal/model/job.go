package model

import "time"

// JobStatus is the ingest job state.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobFetching    JobStatus = "fetching"
	JobFetched     JobStatus = "fetched"
	JobRendering   JobStatus = "rendering"
	JobRendered    JobStatus = "rendered"
	JobChunking    JobStatus = "chunking"
	JobChunked     JobStatus = "chunked"
	JobExtracting  JobStatus = "extracting"
	JobExtracted   JobStatus = "extracted"
	JobValidating  JobStatus = "validating"
	JobValidated   JobStatus = "validated"
	JobCommitting  JobStatus = "committing"
	JobCommitted   JobStatus = "committed"
	JobNeedsReview JobStatus = "needs_review"
	JobFailed      JobStatus = "failed"
)

// happyPath is the forward order of non-terminal states.
var happyPath = []JobStatus{
	JobQueued, JobFetching, JobFetched, JobRendering, JobRendered,
	JobChunking, JobChunked, JobExtracting, JobExtracted,
	JobValidating, JobValidated, JobCommitting, JobCommitted,
}

// Terminal reports whether no worker will pick the job up again.
func (s JobStatus) Terminal() bool {
	return s == JobCommitted || s == JobFailed || s == JobNeedsReview
}

// Active reports whether a worker currently holds the job.
func (s JobStatus) Active() bool {
	return s != JobQueued && !s.Terminal()
}

// Next returns the state following s on the happy path.
func (s JobStatus) Next() (JobStatus, bool) {
	for i, st := range happyPath {
		if st == s && i+1 < len(happyPath) {
			return happyPath[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to JobStatus) bool {
	if next, ok := from.Next(); ok && next == to {
		return true
	}
	switch to {
	case JobFailed:
		return !from.Terminal() || from == JobNeedsReview
	case JobNeedsReview:
		return from.Active()
	case JobQueued:
		// retry after backoff, reclaim of a stuck job, or operator requeue
		return from.Active() || from == JobFailed
	case JobCommitted:
		// review resolved, or the fetched document was already known
		return from == JobNeedsReview || from == JobFetching
	}
	return false
}

// IngestJob is one discovery-to-commit attempt.
type IngestJob struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	// URLs are tried in order until one downloads.
	URLs        []string   `json:"urls"`
	Title       string     `json:"title,omitempty"`
	Tier        Tier       `json:"tier"`
	ContentHash string     `json:"content_hash"`
	PublishedAt time.Time  `json:"published_at"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
	Status      JobStatus  `json:"status"`

	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`

	CancelRequested bool   `json:"cancel_requested"`
	ParentJobID     *int64 `json:"parent_job_id,omitempty"`
	SourceVersionID *int64 `json:"source_version_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor returns the discovery record the job was created from.
func (j IngestJob) Descriptor() Descriptor {
	d := Descriptor{
		Source:      j.Source,
		ExternalID:  j.ExternalID,
		URLs:        j.URLs,
		Title:       j.Title,
		Tier:        j.Tier,
		PublishedAt: j.PublishedAt,
		ContentHash: j.ContentHash,
	}
	if j.EffectiveAt != nil {
		d.EffectiveAt = *j.EffectiveAt
	}
	return d
}
