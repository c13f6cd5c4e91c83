package engine

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Confidence tells the caller how far to trust a resolved rate.
type Confidence string

const (
	ConfidenceConfirmed          Confidence = "CONFIRMED"
	ConfidenceScheduled          Confidence = "SCHEDULED"
	ConfidencePendingPublication Confidence = "PENDING_PUBLICATION"
	ConfidenceUnverified         Confidence = "UNVERIFIED"
)

// ProgramStatus is the pass 3 outcome for one resolved program.
type ProgramStatus struct {
	Program model.Program       `json:"program"`
	Fact    *model.TemporalFact `json:"fact,omitempty"`
	// BaseRate is the rate of Program.BaseRateProgram, for formulas.
	BaseRate *float64 `json:"base_rate,omitempty"`

	RateStatus model.RateStatus `json:"rate_status"`
	Confidence Confidence       `json:"confidence_status"`

	// Applies is false when an exclude fact governs the key.
	Applies               bool                   `json:"applies"`
	HasExclusionCandidate bool                   `json:"has_exclusion_candidate"`
	VerificationRequired  bool                   `json:"verification_required"`
	IsFutureDate          bool                   `json:"is_future_date"`
	ExclusionClaims       []model.ExclusionClaim `json:"exclusion_claims,omitempty"`
	EvidenceRef           string                 `json:"evidence_ref,omitempty"`
}

// Rate returns the governing rate, if published.
func (s ProgramStatus) Rate() *float64 {
	if s.Fact == nil || !s.Applies {
		return nil
	}
	return s.Fact.Rate
}

// ResolveRates is pass 3: exclusion claims, the governing fact and its rate
// status for each resolved program. Output follows the input order.
func ResolveRates(ctx context.Context, src RuleSource, resolved []model.Program, q Query) ([]ProgramStatus, error) {
	future := q.IsFuture()
	out := make([]ProgramStatus, 0, len(resolved))

	for _, p := range resolved {
		st := ProgramStatus{Program: p, Applies: true, IsFutureDate: future}

		claims, err := src.ExclusionClaimsFor(ctx, p.ID, q.HTS, q.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: exclusion claims for %s", p.ID)
		}
		if len(claims) > 0 {
			st.ExclusionClaims = claims
			st.HasExclusionCandidate = true
			st.VerificationRequired = true
		}

		facts, err := src.FactsFor(ctx, FactQuery{
			ProgramID: p.ID,
			HTS:       q.HTS,
			Country:   q.Country,
			Match:     p.HTSScope.Match,
			Date:      q.Date,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "engine: facts for %s", p.ID)
		}

		fact := PickFact(facts, q)
		switch {
		case fact == nil:
			st.RateStatus = model.RateMissing
			st.Confidence = ConfidenceUnverified
		case fact.Role == model.RoleExclude:
			st.Fact = fact
			st.Applies = false
			st.HasExclusionCandidate = true
			st.VerificationRequired = true
			st.RateStatus = model.RatePublished
			st.Confidence = timedConfidence(future)
			st.EvidenceRef = fact.EvidenceID
		case fact.Rate == nil:
			st.Fact = fact
			st.RateStatus = model.RatePending
			st.Confidence = ConfidencePendingPublication
			st.EvidenceRef = fact.EvidenceID
		default:
			st.Fact = fact
			st.RateStatus = model.RatePublished
			st.Confidence = timedConfidence(future)
			st.EvidenceRef = fact.EvidenceID
		}

		if p.BaseRateProgram != "" {
			base, err := src.FactsFor(ctx, FactQuery{
				ProgramID: p.BaseRateProgram,
				HTS:       q.HTS,
				Country:   q.Country,
				Match:     model.MatchPrefix,
				Date:      q.Date,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "engine: base rate for %s", p.ID)
			}
			if bf := PickFact(base, q); bf != nil && bf.Role == model.RoleImpose && bf.Rate != nil {
				st.BaseRate = bf.Rate
			}
		}

		out = append(out, st)
	}
	return out, nil
}

func timedConfidence(future bool) Confidence {
	if future {
		return ConfidenceScheduled
	}
	return ConfidenceConfirmed
}

// PickFact chooses the governing fact among those covering the date:
// exclude before impose, then the latest effective start, then the most
// specific HTS code, then a country-specific fact over a general one, then
// the newest row.
func PickFact(facts []model.TemporalFact, q Query) *model.TemporalFact {
	var live []model.TemporalFact
	for _, f := range facts {
		if f.Covers(q.Date) && !f.Empty() {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if (a.Role == model.RoleExclude) != (b.Role == model.RoleExclude) {
			return a.Role == model.RoleExclude
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		if len(a.HTS) != len(b.HTS) {
			return len(a.HTS) > len(b.HTS)
		}
		if (a.Country == "") != (b.Country == "") {
			return a.Country != ""
		}
		return a.ID > b.ID
	})
	f := live[0]
	return &f
}
