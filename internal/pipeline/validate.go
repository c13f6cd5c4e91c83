package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/evidence"
	"github.com/sells-group/tariff-cli/internal/extract"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Validation problems. Each one blocks the gate.
const (
	ReasonNotVerbatim       = "quote_not_verbatim"
	ReasonHTSNotInQuote     = "hts_not_in_quote"
	ReasonRateOrCodeMissing = "rate_or_code_not_in_quote"
	ReasonProgramUnresolved = "program_unresolved"
	ReasonHTSInvalidOnDate  = "hts_not_valid_on_date"
	ReasonNoEffectiveDate   = "no_effective_date"
	ReasonUnknownKind       = "unknown_kind"
)

// Confidence adjustments applied by validation.
const (
	penaltyHTSInvalid = 0.2
	penaltyWideQuote  = 0.05 // quote spans more than wideQuoteLines lines
	wideQuoteLines    = 3
)

// Validation is what the evidence checks found for one candidate.
type Validation struct {
	Verbatim    bool     `json:"verbatim"`
	HTSInQuote  bool     `json:"hts_in_quote"`
	RateInQuote bool     `json:"rate_in_quote"`
	CodeInQuote bool     `json:"code_in_quote"`
	Confidence  float64  `json:"confidence"`
	Problems    []string `json:"problems,omitempty"`
}

// Validate checks a candidate against the canonical text it cites and the
// HTS history in src. The quote must occur verbatim within the cited
// lines and must itself contain the HTS number and the rate or provision;
// text elsewhere in the document proves nothing.
func Validate(ctx context.Context, src engine.RuleSource, text string, c model.Candidate) (Validation, error) {
	v := Validation{Confidence: c.Confidence}
	problem := func(p string) { v.Problems = append(v.Problems, p) }

	if err := evidence.QuoteInLines(text, c.LineStart, c.LineEnd, c.Quote); err == nil {
		v.Verbatim = true
	} else {
		problem(ReasonNotVerbatim)
		v.Confidence = 0
	}

	v.HTSInQuote = extract.ContainsHTS(c.Quote, c.HTS)
	if c.Kind == model.CandidateHTSChange && c.ReplacedBy != "" {
		v.HTSInQuote = v.HTSInQuote && extract.ContainsHTS(c.Quote, c.ReplacedBy)
	}
	if !v.HTSInQuote {
		problem(ReasonHTSNotInQuote)
	}

	v.CodeInQuote = extract.ContainsCode(c.Quote, c.ProgramCode)
	v.RateInQuote = ratesInQuote(c)

	switch c.Kind {
	case model.CandidateRate, model.CandidateExclusion:
		if !v.RateInQuote && !v.CodeInQuote {
			problem(ReasonRateOrCodeMissing)
		}
		if c.ProgramID == "" {
			problem(ReasonProgramUnresolved)
		}
	case model.CandidateHTSChange:
		// The replacement code stands in for rate-or-code.
	default:
		problem(ReasonUnknownKind)
	}

	if len(c.Schedule) == 0 || c.EffectiveStart().IsZero() {
		problem(ReasonNoEffectiveDate)
	} else if c.Kind != model.CandidateHTSChange && (len(c.HTS) == 8 || len(c.HTS) == 10) {
		err := engine.CheckHTSDate(ctx, src, c.HTS, c.EffectiveStart())
		var de *engine.HTSDateError
		switch {
		case errors.As(err, &de):
			problem(ReasonHTSInvalidOnDate)
			v.Confidence -= penaltyHTSInvalid
		case err != nil:
			return v, eris.Wrapf(err, "validate: hts %s", c.HTS)
		}
	}

	if c.LineEnd-c.LineStart+1 > wideQuoteLines {
		v.Confidence -= penaltyWideQuote
	}
	v.Confidence = clamp01(v.Confidence)
	return v, nil
}

// ratesInQuote requires every published rate of the schedule to appear in
// the quote. A schedule of only pending rates has nothing to show.
func ratesInQuote(c model.Candidate) bool {
	seen := false
	for _, w := range c.Schedule {
		if w.Rate == nil {
			continue
		}
		if !extract.ContainsRate(c.Quote, *w.Rate) {
			return false
		}
		seen = true
	}
	return seen
}

// validate runs validation and the gate over every pending candidate.
// Candidates from earlier attempts keep the status they reached.
func (p *Pipeline) validate(ctx context.Context, jc JobContext) (JobContext, error) {
	log := zap.L().With(zap.String("component", "pipeline.validate"), zap.Int64("job_id", jc.Job().ID))
	sv := jc.Version()
	decisions := make(map[string]Decision, len(jc.Candidates()))
	out := make([]model.Candidate, 0, len(jc.Candidates()))

	for _, c := range jc.Candidates() {
		if c.Status != model.CandidatePending {
			out = append(out, c)
			continue
		}
		v, err := Validate(ctx, p.deps.Store, sv.CanonicalText, c)
		if err != nil {
			return jc, retryable(StageValidate, err)
		}
		d := Gate(GateInput{
			Tier:         sv.Tier,
			DocumentHash: sv.ContentHash,
			Validation:   v,
			Threshold:    p.opts.ConfidenceThreshold,
		})
		decisions[c.ID] = d
		p.deps.Metrics.Candidate(c.Extractor, d.label())

		if !d.Pass {
			if err := p.deps.Store.UpdateCandidate(ctx, c.ID, model.CandidatePending, model.CandidateNeedsReview, d.Reasons, "", ""); err != nil {
				return jc, retryable(StageValidate, eris.Wrapf(err, "route candidate %s to review", c.ID))
			}
			c.Status = model.CandidateNeedsReview
			c.GateReasons = d.Reasons
			log.Info("candidate routed to review",
				zap.String("candidate_id", c.ID),
				zap.String("hts", c.HTS),
				zap.Strings("reasons", d.Reasons),
			)
		}
		out = append(out, c)
	}
	return jc.withCandidates(out).withDecisions(decisions), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
