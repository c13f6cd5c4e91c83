package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/evidence"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "añ...", truncate("añoñoñoñ", 5))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestCents(t *testing.T) {
	assert.Equal(t, "$0.00", cents(0))
	assert.Equal(t, "$1234.05", cents(123405))
	assert.Equal(t, "-$0.50", cents(-50))
}

func TestFormatResult(t *testing.T) {
	rate := 25.0
	res := &engine.Result{
		HTS:                  "8544429090",
		Country:              "CN",
		EntryDate:            model.MustDate("2025-09-15"),
		ValueCents:           1_000_000,
		VerificationRequired: true,
		Lines: []engine.FilingLine{
			{Sequence: 10, Code: "9903.88.03", ProgramName: "Section 301 List 3", Action: engine.ActionApply, BaseCents: 1_000_000, Rate: &rate, AmountCents: 250_000},
		},
		TotalDutyCents: 250_000,
	}

	var buf bytes.Buffer
	formatResult(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "8544.42.9090 from CN entered 2025-09-15, value $10000.00")
	assert.Contains(t, out, "verification required")
	assert.Contains(t, out, "9903.88.03")
	assert.Contains(t, out, "25%")
	assert.Contains(t, out, "total duty: $2500.00")
	assert.NotContains(t, out, "in the future")
}

func TestFormatJobs(t *testing.T) {
	var buf bytes.Buffer
	formatJobs(&buf, []model.IngestJob{{
		ID:          7,
		Source:      watcher.CSMSName,
		ExternalID:  "64000000",
		Status:      model.JobFailed,
		Attempts:    3,
		MaxAttempts: 3,
		UpdatedAt:   time.Date(2025, 3, 5, 9, 30, 0, 0, time.UTC),
		LastError:   "fetch: 503",
	}})
	out := buf.String()
	assert.Contains(t, out, "64000000")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "2025-03-05 09:30")
	assert.Contains(t, out, "fetch: 503")
}

func TestFormatFreshness(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	committed := now.Add(-2 * time.Hour)
	rep := &monitoring.FreshnessReport{
		Programs: []monitoring.ProgramFreshness{
			{ProgramID: "s301", Name: "Section 301 List 3", LastCommittedAt: &committed},
			{ProgramID: "s232_copper", Name: "Section 232 Copper"},
		},
		Watchers:    []watcher.Health{{Watcher: watcher.FederalRegisterName, Breaker: "closed"}},
		Queue:       map[string]int{"queued": 2, "failed": 1},
		CollectedAt: now,
	}

	var buf bytes.Buffer
	formatFreshness(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "2h0m0s ago")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "queue: failed=1 queued=2")
}

func TestSince(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "never", since(nil, now))
	ago := now.Add(-90 * time.Second)
	assert.Equal(t, "2m0s ago", since(&ago, now))
}

func TestFormatWatchReports(t *testing.T) {
	var buf bytes.Buffer
	formatWatchReports(&buf, []watcher.Report{
		{Watcher: watcher.CSMSName, RunID: 4, Discovered: 3, Enqueued: 2, Checkpoint: "2025-03-04", Elapsed: 1500 * time.Millisecond},
	})
	assert.Contains(t, buf.String(), "csms")
	assert.Contains(t, buf.String(), "1.5s")
}

func TestFormatCandidates(t *testing.T) {
	var buf bytes.Buffer
	formatCandidates(&buf, nil)
	assert.Contains(t, buf.String(), "No candidates")

	buf.Reset()
	formatCandidates(&buf, []model.Candidate{{
		ID: "c1", JobID: 3, Kind: model.CandidateRate, ProgramID: "s301", HTS: "8544", Confidence: 0.5,
		Quote: "the rate of duty is increased to 25 percent",
	}})
	assert.Contains(t, buf.String(), "c1")
	assert.Contains(t, buf.String(), "0.50")
	assert.Contains(t, buf.String(), "s301")
}

func TestFormatAudit(t *testing.T) {
	var buf bytes.Buffer
	formatAudit(&buf, &evidence.Report{Facts: 2, Claims: 1, Packets: 3})
	assert.Contains(t, buf.String(), "All evidence verified.")

	buf.Reset()
	formatAudit(&buf, &evidence.Report{Failures: []evidence.Failure{{Entity: "fact", EntityID: "f1", EvidenceID: "e1", Error: "hash mismatch"}}})
	assert.Contains(t, buf.String(), "FAIL fact f1 (evidence e1): hash mismatch")
	assert.NotContains(t, buf.String(), "All evidence verified.")
}
