package watcher

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
)

// ManualSource is the default source name of operator submissions.
const ManualSource = "manual"

// Submission is a document an operator hands to the queue directly.
type Submission struct {
	Source      string     `json:"source,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	URL         string     `json:"url" validate:"required,url"`
	Title       string     `json:"title,omitempty"`
	Tier        model.Tier `json:"tier" validate:"required,oneof=binding authoritative guidance"`
	PublishedAt time.Time  `json:"published_at"`
	EffectiveAt time.Time  `json:"effective_at,omitempty"`
}

// Descriptor converts s into a queue descriptor. The external id defaults
// to the URL and the content hash fingerprints the submitted metadata, so
// submitting the same document twice is deduplicated like a watcher hit.
func (s Submission) Descriptor(now time.Time) (model.Descriptor, error) {
	raw := strings.TrimSpace(s.URL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" && u.Scheme != "file" {
		return model.Descriptor{}, eris.Errorf("watcher: submission url %q is not absolute", s.URL)
	}
	if !s.Tier.Valid() {
		return model.Descriptor{}, eris.Errorf("watcher: unknown tier %q", s.Tier)
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = ManualSource
	}
	id := strings.TrimSpace(s.ExternalID)
	if id == "" {
		id = raw
	}
	published := s.PublishedAt
	if published.IsZero() {
		published = now
	}
	published = published.UTC()

	var effective string
	if !s.EffectiveAt.IsZero() {
		effective = s.EffectiveAt.UTC().Format(model.DateLayout)
	}
	return model.Descriptor{
		Source:      source,
		ExternalID:  id,
		URLs:        []string{raw},
		Title:       strings.TrimSpace(s.Title),
		Tier:        s.Tier,
		PublishedAt: published,
		EffectiveAt: s.EffectiveAt,
		ContentHash: Fingerprint(id, raw, published.Format(model.DateLayout), effective, string(s.Tier)),
	}, nil
}

// Submit enqueues s. created is false when an identical submission is
// already queued or done.
func Submit(ctx context.Context, q Enqueuer, s Submission, now time.Time) (*model.IngestJob, bool, error) {
	d, err := s.Descriptor(now)
	if err != nil {
		return nil, false, err
	}
	job, created, err := q.Enqueue(ctx, d, queue.EnqueueOptions{})
	if err != nil {
		return nil, false, eris.Wrap(err, "watcher: submit")
	}
	zap.L().Info("watcher: manual submission",
		zap.String("component", "watcher"),
		zap.String("source", d.Source),
		zap.String("external_id", d.ExternalID),
		zap.Int64("job_id", job.ID),
		zap.Bool("created", created),
	)
	return job, created, nil
}
