package store

import (
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Outcome is what a commit did to a fact series.
type Outcome string

const (
	OutcomeInserted     Outcome = "inserted"
	OutcomeSuperseded   Outcome = "superseded"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeConflictWon  Outcome = "conflict_won"
	OutcomeConflictLost Outcome = "conflict_lost"
)

// Conflict winners.
const (
	WinnerIncoming = "incoming"
	WinnerExisting = "existing"
)

// Closure ends an existing row at End.
type Closure struct {
	FactID int64
	End    time.Time
}

// Decision is the plan for committing one fact against the rows already in
// its series. Both stores apply it verbatim.
type Decision struct {
	Outcome Outcome
	// ExistingID is the matched row for unchanged outcomes and the opposing
	// row for conflicts.
	ExistingID int64
	Close      []Closure
	Insert     bool
	Window     model.Window
	Winner     string
	Reason     string
}

// Decide plans how incoming joins a series. rows must hold every open row
// of the key plus any row starting on incoming's start date.
func Decide(rows []model.TemporalFact, incoming model.TemporalFact) Decision {
	for _, r := range rows {
		// A voided row only absorbs a re-commit of its own source version.
		if r.Empty() && r.SourceVersionID != incoming.SourceVersionID {
			continue
		}
		if sameDay(r.Start, incoming.Start) && r.SameValue(incoming) && endCompatible(r, incoming) {
			return Decision{Outcome: OutcomeUnchanged, ExistingID: r.ID}
		}
	}

	var cur *model.TemporalFact
	for i := range rows {
		if rows[i].End != nil {
			continue
		}
		if cur == nil || rows[i].Start.After(cur.Start) {
			cur = &rows[i]
		}
	}
	if cur == nil {
		return Decision{Outcome: OutcomeInserted, Insert: true, Window: incoming.Window}
	}

	start := model.Day(incoming.Start)
	curStart := model.Day(cur.Start)

	switch {
	case start.After(curStart) && incoming.End == nil && cur.SameValue(incoming):
		return Decision{Outcome: OutcomeUnchanged, ExistingID: cur.ID}

	case start.After(curStart):
		return Decision{
			Outcome: OutcomeSuperseded,
			Close:   []Closure{{FactID: cur.ID, End: start}},
			Insert:  true,
			Window:  incoming.Window,
		}

	case incoming.End != nil && !model.Day(*incoming.End).After(curStart):
		// Closed backfill entirely before the open row.
		return Decision{Outcome: OutcomeInserted, Insert: true, Window: incoming.Window}

	case start.Before(curStart):
		// Late arrival of an earlier fact: it governs until the open row starts.
		return Decision{Outcome: OutcomeInserted, Insert: true, Window: incoming.Window.ClosedAt(curStart)}
	}

	// Same start day with a different value.
	if Outranks(incoming, *cur) {
		return Decision{
			Outcome:    OutcomeConflictWon,
			ExistingID: cur.ID,
			Close:      []Closure{{FactID: cur.ID, End: curStart}},
			Insert:     true,
			Window:     incoming.Window,
			Winner:     WinnerIncoming,
			Reason:     rankReason(incoming, *cur),
		}
	}
	return Decision{
		Outcome:    OutcomeConflictLost,
		ExistingID: cur.ID,
		Insert:     true,
		Window:     incoming.Window.ClosedAt(incoming.Start),
		Winner:     WinnerExisting,
		Reason:     rankReason(*cur, incoming),
	}
}

// Outranks reports whether a beats b: higher tier, then later publication,
// then the later source version. Exact ties keep b.
func Outranks(a, b model.TemporalFact) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() > b.Tier.Rank()
	}
	if !a.SourcePublishedAt.Equal(b.SourcePublishedAt) {
		return a.SourcePublishedAt.After(b.SourcePublishedAt)
	}
	return a.SourceVersionID > b.SourceVersionID
}

func rankReason(winner, loser model.TemporalFact) string {
	switch {
	case winner.Tier.Rank() != loser.Tier.Rank():
		return "tier " + string(winner.Tier) + " over " + string(loser.Tier)
	case !winner.SourcePublishedAt.Equal(loser.SourcePublishedAt):
		return "newer publication"
	case winner.SourceVersionID != loser.SourceVersionID:
		return "newer source version"
	}
	return "existing kept on tie"
}

// endCompatible reports whether existing may be a stored form of incoming:
// stored rows can end earlier than submitted when closed by a later row.
func endCompatible(existing, incoming model.TemporalFact) bool {
	if incoming.End == nil {
		return true
	}
	return existing.End != nil && !model.Day(*existing.End).After(model.Day(*incoming.End))
}

func sameDay(a, b time.Time) bool { return model.Day(a).Equal(model.Day(b)) }
