// Package cost prices model token usage and tracks spend per ingest job.
package cost

import (
	"sync"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Prompt cache multipliers applied to the input price.
const (
	CacheWriteMul = 1.25
	CacheReadMul  = 0.1
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64
	Output float64
}

// Usage is the token count of one model call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator with the given per-model rates.
func NewCalculator(rates map[string]ModelRate) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig builds a Calculator from the pricing section.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := make(map[string]ModelRate, len(cfg.Anthropic))
	for model, p := range cfg.Anthropic {
		rates[model] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(rates)
}

// Claude returns the USD cost of usage on model; 0 for unknown models.
func (c *Calculator) Claude(model string, u Usage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	in := (float64(u.Input) / 1e6) * rate.Input
	out := (float64(u.Output) / 1e6) * rate.Output
	cw := (float64(u.CacheWrite) / 1e6) * rate.Input * CacheWriteMul
	cr := (float64(u.CacheRead) / 1e6) * rate.Input * CacheReadMul
	return in + out + cw + cr
}

// JobCost is the accumulated spend of one job.
type JobCost struct {
	JobID          int64   `json:"job_id"`
	Calls          int     `json:"calls"`
	Usage          Usage   `json:"usage"`
	CostUSD        float64 `json:"cost_usd"`
	BudgetExceeded bool    `json:"budget_exceeded"`
}

// Tracker accumulates spend per job against an optional per-job budget.
type Tracker struct {
	calc   *Calculator
	budget float64 // 0 = unlimited

	mu   sync.Mutex
	jobs map[int64]*JobCost
}

// NewTracker creates a tracker. budgetPerJob <= 0 disables the budget.
func NewTracker(calc *Calculator, budgetPerJob float64) *Tracker {
	return &Tracker{calc: calc, budget: budgetPerJob, jobs: make(map[int64]*JobCost)}
}

// Record adds one call's usage to job and returns its cost.
func (t *Tracker) Record(jobID int64, model string, u Usage) float64 {
	c := t.calc.Claude(model, u)

	t.mu.Lock()
	defer t.mu.Unlock()

	jc, ok := t.jobs[jobID]
	if !ok {
		jc = &JobCost{JobID: jobID}
		t.jobs[jobID] = jc
	}
	jc.Calls++
	jc.Usage.Input += u.Input
	jc.Usage.Output += u.Output
	jc.Usage.CacheWrite += u.CacheWrite
	jc.Usage.CacheRead += u.CacheRead
	jc.CostUSD += c
	if t.budget > 0 && jc.CostUSD >= t.budget {
		jc.BudgetExceeded = true
	}
	return c
}

// Exceeded reports whether job has spent its budget.
func (t *Tracker) Exceeded(jobID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	jc, ok := t.jobs[jobID]
	return ok && jc.BudgetExceeded
}

// Job returns a copy of the job's spend.
func (t *Tracker) Job(jobID int64) JobCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	if jc, ok := t.jobs[jobID]; ok {
		return *jc
	}
	return JobCost{JobID: jobID}
}

// Forget drops a finished job.
func (t *Tracker) Forget(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}
