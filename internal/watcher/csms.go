package watcher

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/blob"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
)

// CSMSName is the source name of CBP Cargo Systems Messaging Service
// bulletins.
const CSMSName = "csms"

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
}

// DefaultCSMSLookback is how far before the checkpoint bulletins are
// re-hashed to catch silent republication.
const DefaultCSMSLookback = 14 * 24 * time.Hour

// CSMS reads the CSMS bulletin feed. Bulletins are operational guidance:
// they are ingested and extracted but never pass the write gate alone.
type CSMS struct {
	f     fetcher.Fetcher
	feed  string
	terms []string

	// Lookback widens each poll to bulletins published this long before
	// the checkpoint. Unchanged pages hash the same and dedup in the queue.
	Lookback time.Duration
}

// NewCSMS creates the CSMS watcher.
func NewCSMS(f fetcher.Fetcher, feed string, terms []string) *CSMS {
	return &CSMS{f: f, feed: feed, terms: terms, Lookback: DefaultCSMSLookback}
}

func (w *CSMS) Name() string     { return CSMSName }
func (w *CSMS) Tier() model.Tier { return model.TierGuidance }

// Poll returns bulletins published at or after the checkpoint (RFC 3339),
// less the lookback, whose title or summary mentions a tariff term. The
// content hash of each descriptor is the hash of the bulletin page.
func (w *CSMS) Poll(ctx context.Context, checkpoint string) (*Poll, error) {
	var since time.Time
	if checkpoint != "" {
		t, err := time.Parse(time.RFC3339, checkpoint)
		if err != nil {
			return nil, eris.Wrapf(err, "csms: bad checkpoint %q", checkpoint)
		}
		since = t
	}

	items, err := fetcher.ReadXML[rssItem](ctx, w.f, w.feed, "item")
	if err != nil {
		return nil, eris.Wrap(err, "csms: read feed")
	}

	from := since
	if !since.IsZero() {
		from = since.Add(-w.Lookback)
	}

	out := &Poll{Checkpoint: checkpoint}
	latest := since
	for _, it := range items {
		published, ok := parsePubDate(it.PubDate)
		if !ok || published.Before(from) {
			continue
		}
		if published.After(latest) {
			latest = published
		}
		if !matchesAny(it.Title+" "+it.Description, w.terms) {
			continue
		}
		link := strings.TrimSpace(it.Link)
		id := strings.TrimSpace(it.GUID)
		if id == "" {
			id = link
		}
		if id == "" || link == "" {
			continue
		}
		out.Documents = append(out.Documents, model.Descriptor{
			Source:      CSMSName,
			ExternalID:  id,
			URLs:        []string{link},
			Title:       strings.TrimSpace(it.Title),
			Tier:        model.TierGuidance,
			PublishedAt: published,
			ContentHash: w.pageHash(ctx, link, Fingerprint(id, it.PubDate, it.Title)),
		})
	}
	if !latest.IsZero() {
		out.Checkpoint = latest.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// pageHash hashes the bulletin page. A failed fetch falls back to the
// metadata fingerprint; the pipeline reports the fetch error itself.
func (w *CSMS) pageHash(ctx context.Context, link, fallback string) string {
	doc, err := w.f.Fetch(ctx, link)
	if err != nil {
		zap.L().Warn("csms: bulletin hash falls back to metadata",
			zap.String("component", "watcher.csms"),
			zap.String("url", link),
			zap.Error(err),
		)
		return fallback
	}
	return blob.Hash(doc.Body)
}

func parsePubDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
