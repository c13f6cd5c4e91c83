package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// SuppressionLogEntry records one program removed by pass 2.
type SuppressionLogEntry struct {
	SuppressedID string `json:"suppressed_id"`
	SuppressorID string `json:"suppressor_id"`
	Reason       string `json:"reason,omitempty"`
}

// ResolveInteractions is pass 2. All edges among the candidate set are read
// at once and applied together: an edge fires when both endpoints are
// candidates, whether or not the suppressor is itself suppressed. The
// result depends only on the set of candidates and the date.
func ResolveInteractions(ctx context.Context, src RuleSource, candidates []model.Program, date time.Time) ([]model.Program, []SuppressionLogEntry, error) {
	byID := make(map[string]model.Program, len(candidates))
	for _, p := range candidates {
		byID[p.ID] = p
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) < 2 {
		return programsByID(byID, ids), nil, nil
	}

	edges, err := src.SuppressionsAmong(ctx, ids, date)
	if err != nil {
		return nil, nil, eris.Wrap(err, "engine: suppressions")
	}

	suppressed := make(map[string]bool)
	var log []SuppressionLogEntry
	for _, e := range edges {
		_, okA := byID[e.SuppressorID]
		_, okB := byID[e.SuppressedID]
		if !okA || !okB || e.SuppressorID == e.SuppressedID || !e.Covers(date) {
			continue
		}
		suppressed[e.SuppressedID] = true
		log = append(log, SuppressionLogEntry{
			SuppressedID: e.SuppressedID,
			SuppressorID: e.SuppressorID,
			Reason:       e.Reason,
		})
	}

	sort.Slice(log, func(i, j int) bool {
		if log[i].SuppressedID != log[j].SuppressedID {
			return log[i].SuppressedID < log[j].SuppressedID
		}
		return log[i].SuppressorID < log[j].SuppressorID
	})

	kept := ids[:0:0]
	for _, id := range ids {
		if !suppressed[id] {
			kept = append(kept, id)
		}
	}
	return programsByID(byID, kept), log, nil
}

func programsByID(byID map[string]model.Program, ids []string) []model.Program {
	out := make([]model.Program, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}
