package watcher

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
)

// USITCName is the source name of Harmonized Tariff Schedule releases.
const USITCName = "usitc"

type htsRelease struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ReleaseStartDate string `json:"releaseStartDate"`
	Status           string `json:"status"`
}

// USITC lists HTS editions and revisions. Each release is authoritative
// reference data, fetched as CSV with XLSX as the fallback.
type USITC struct {
	f        fetcher.Fetcher
	releases string
}

// NewUSITC creates the HTS release watcher. releases is the release list
// endpoint; exports are addressed relative to it.
func NewUSITC(f fetcher.Fetcher, releases string) *USITC {
	return &USITC{f: f, releases: releases}
}

func (w *USITC) Name() string     { return USITCName }
func (w *USITC) Tier() model.Tier { return model.TierAuthoritative }

// Poll returns releases starting on or after the checkpoint date.
func (w *USITC) Poll(ctx context.Context, checkpoint string) (*Poll, error) {
	rels, err := fetcher.ReadJSONArray[htsRelease](ctx, w.f, w.releases)
	if err != nil {
		return nil, eris.Wrap(err, "usitc: list releases")
	}

	out := &Poll{Checkpoint: checkpoint}
	for _, r := range rels {
		start, err := model.ParseDate(r.ReleaseStartDate)
		if err != nil || r.Name == "" {
			continue
		}
		day := start.Format(model.DateLayout)
		if checkpoint != "" && day < checkpoint {
			continue
		}
		if day > out.Checkpoint {
			out.Checkpoint = day
		}
		out.Documents = append(out.Documents, model.Descriptor{
			Source:      USITCName,
			ExternalID:  r.Name,
			URLs:        []string{w.export(r.Name, "csv"), w.export(r.Name, "xlsx")},
			Title:       r.Description,
			Tier:        model.TierAuthoritative,
			PublishedAt: start,
			EffectiveAt: start,
			ContentHash: Fingerprint(r.Name, r.ReleaseStartDate, r.Description),
		})
	}
	return out, nil
}

func (w *USITC) export(release, format string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(w.releases, "/"), "/releases")
	q := url.Values{}
	q.Set("release", release)
	q.Set("format", format)
	return base + "/export?" + q.Encode()
}
