package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Result is the full evaluation of one import.
type Result struct {
	HTS        string    `json:"hts"`
	Country    string    `json:"country"`
	EntryDate  time.Time `json:"entry_date"`
	Today      time.Time `json:"today"`
	ValueCents int64     `json:"value_cents"`

	Applies               bool `json:"applies"`
	IsFutureDate          bool `json:"is_future_date"`
	HasExclusionCandidate bool `json:"has_exclusion_candidate"`
	VerificationRequired  bool `json:"verification_required"`

	Lines          []FilingLine          `json:"lines"`
	TotalDutyCents int64                 `json:"total_duty_cents"`
	Programs       []ProgramStatus       `json:"programs"`
	Suppressions   []SuppressionLogEntry `json:"suppressions,omitempty"`
	Slices         SlicePlan             `json:"slices"`
}

// Evaluator runs the three resolver passes, the slice planner and the duty
// calculator against a RuleSource. It holds no mutable state and is safe
// for concurrent use.
type Evaluator struct {
	src     RuleSource
	methods Methods
}

// NewEvaluator creates an Evaluator. A nil methods map selects the defaults.
func NewEvaluator(src RuleSource, methods Methods) (*Evaluator, error) {
	if methods == nil {
		var err error
		methods, err = DefaultMethods()
		if err != nil {
			return nil, err
		}
	}
	return &Evaluator{src: src, methods: methods}, nil
}

// Source returns the rule source the evaluator reads.
func (e *Evaluator) Source() RuleSource { return e.src }

// Evaluate resolves programs and duty for req. It never mutates state.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Result, error) {
	q, err := Normalize(ctx, e.src, req)
	if err != nil {
		return nil, err
	}
	if err := CheckHTSDate(ctx, e.src, q.HTS, q.Date); err != nil {
		return nil, err
	}

	candidates, err := ResolveApplicable(ctx, e.src, q)
	if err != nil {
		return nil, err
	}
	resolved, suppressions, err := ResolveInteractions(ctx, e.src, candidates, q.Date)
	if err != nil {
		return nil, err
	}
	statuses, err := ResolveRates(ctx, e.src, resolved, q)
	if err != nil {
		return nil, err
	}

	var required []string
	for _, st := range statuses {
		if st.Applies && st.Program.IsContent() {
			required = append(required, st.Program.ContentKey)
		}
	}
	plan, err := PlanSlices(q, required)
	if err != nil {
		return nil, err
	}

	lines, total, err := Calculate(statuses, plan, q, e.methods)
	if err != nil {
		return nil, err
	}

	res := &Result{
		HTS:            q.HTS,
		Country:        q.Country,
		EntryDate:      q.Date,
		Today:          q.Today,
		ValueCents:     q.ValueCents,
		IsFutureDate:   q.IsFuture(),
		Lines:          lines,
		TotalDutyCents: total,
		Programs:       statuses,
		Suppressions:   suppressions,
		Slices:         plan,
	}
	for _, l := range lines {
		if l.Action == ActionApply {
			res.Applies = true
		}
	}
	for _, st := range statuses {
		res.HasExclusionCandidate = res.HasExclusionCandidate || st.HasExclusionCandidate
		res.VerificationRequired = res.VerificationRequired || st.VerificationRequired
	}

	zap.L().Debug("engine: evaluated",
		zap.String("hts", q.HTS),
		zap.String("country", q.Country),
		zap.String("date", q.Date.Format(model.DateLayout)),
		zap.Int("candidates", len(candidates)),
		zap.Int("suppressed", len(suppressions)),
		zap.Int64("total_duty_cents", total),
	)
	return res, nil
}
