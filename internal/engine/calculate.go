package engine

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Action is what the filer does with a program line.
type Action string

const (
	ActionApply    Action = "apply"
	ActionClaim    Action = "claim"
	ActionDisclaim Action = "disclaim"
)

// FilingLine is one ordered line of the entry.
type FilingLine struct {
	Sequence      int                  `json:"sequence"`
	ProgramID     string               `json:"program_id"`
	ProgramName   string               `json:"program_name"`
	Code          string               `json:"code"`
	Action        Action               `json:"action"`
	Method        model.DutyMethodKind `json:"method"`
	SliceKey      string               `json:"slice_key,omitempty"`
	BaseCents     int64                `json:"base_cents"`
	Rate          *float64             `json:"rate"`
	EffectiveRate float64              `json:"effective_rate"`
	AmountCents   int64                `json:"amount_cents"`
	RateStatus    model.RateStatus     `json:"rate_status"`
	Confidence    Confidence           `json:"confidence_status"`
	Fallback      bool                 `json:"fallback,omitempty"`
	EvidenceRef   string               `json:"evidence_ref,omitempty"`
	Note          string               `json:"note,omitempty"`
}

// Calculate walks programs in filing sequence and produces filing lines and
// the total duty. Content programs flagged subtracts_from_remaining reduce
// the running remaining value; programs flagged based_on_remaining are
// levied on it.
func Calculate(statuses []ProgramStatus, plan SlicePlan, q Query, methods Methods) ([]FilingLine, int64, error) {
	ordered := make([]ProgramStatus, len(statuses))
	copy(ordered, statuses)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Program, ordered[j].Program
		if a.FilingSequence != b.FilingSequence {
			return a.FilingSequence < b.FilingSequence
		}
		return a.ID < b.ID
	})

	remaining := q.ValueCents
	var prior, total int64
	lines := make([]FilingLine, 0, len(ordered))

	for i, st := range ordered {
		p := st.Program
		line := FilingLine{
			Sequence:    i + 1,
			ProgramID:   p.ID,
			ProgramName: p.Name,
			Code:        p.Code,
			Method:      p.DutyMethod,
			RateStatus:  st.RateStatus,
			Confidence:  st.Confidence,
			EvidenceRef: st.EvidenceRef,
		}
		if line.Method == "" {
			line.Method = model.DutyAdditive
		}

		if !st.Applies {
			line.Action = ActionClaim
			if st.Fact != nil && st.Fact.FilingCode != "" {
				line.Code = st.Fact.FilingCode
			}
			line.Note = "exclusion applies; verification required"
			lines = append(lines, line)
			continue
		}

		base := q.ValueCents
		switch {
		case p.IsContent() && plan.Fallback:
			line.SliceKey = FullKey
			line.Fallback = true
		case p.IsContent():
			s, ok := plan.Slice(p.ContentKey)
			if !ok {
				line.Action = ActionDisclaim
				line.SliceKey = p.ContentKey
				line.Note = fmt.Sprintf("no %s content declared", p.ContentKey)
				lines = append(lines, line)
				continue
			}
			base = s.ValueCents
			line.SliceKey = s.Key
		case p.BasedOnRemaining:
			base = remaining
			line.SliceKey = ResidualKey
		}

		line.Action = ActionApply
		line.BaseCents = base

		if st.RateStatus == model.RatePublished && st.Fact != nil && st.Fact.Rate != nil {
			dm, err := methods.Lookup(p.DutyMethod)
			if err != nil {
				return nil, 0, err
			}
			in := DutyInput{
				Program:   p,
				Rate:      *st.Fact.Rate,
				Base:      base,
				Value:     q.ValueCents,
				Remaining: remaining,
				PriorDuty: prior,
				Percent:   portion(p, q, plan),
			}
			if st.BaseRate != nil {
				in.BaseRate = *st.BaseRate
			}
			out, err := dm.Compute(in)
			if err != nil {
				return nil, 0, eris.Wrapf(err, "engine: duty for %s", p.ID)
			}
			line.Rate = st.Fact.Rate
			line.BaseCents = out.Base
			line.EffectiveRate = out.EffectiveRate
			line.AmountCents = out.Amount
		} else {
			line.Note = fmt.Sprintf("rate %s; no duty computed", st.RateStatus)
		}

		if p.SubtractsFromRemaining {
			remaining -= base
			if remaining < 0 {
				remaining = 0
			}
		}

		prior += line.AmountCents
		total += line.AmountCents
		lines = append(lines, line)
	}
	return lines, total, nil
}

// portion is the declared share of the program's content in percent. Under
// a fallback plan the whole value is used.
func portion(p model.Program, q Query, plan SlicePlan) float64 {
	if !p.IsContent() || plan.Fallback {
		return 100
	}
	share, ok := q.ContentShare(p.ContentKey)
	if !ok {
		return 100
	}
	return share
}
