// Package extract proposes fact changes from rendered documents. Every
// extractor, deterministic or model-assisted, returns the same candidate
// shape and nothing it returns is trusted until validation and the write
// gate accept it.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/render"
)

var candidateNamespace = uuid.MustParse("5b0f4a1e-2c2d-4b8e-9f61-0d8a3c7e2a44")

// Input is everything an extractor may look at.
type Input struct {
	JobID    int64
	Version  model.SourceVersion
	Doc      *render.Document
	Chunks   []chunk.Chunk
	Programs []model.Program
	// EffectiveAt is the date announced by the watcher; used only when the
	// text names none.
	EffectiveAt time.Time
}

// Lines returns the canonical lines of the document.
func (in Input) Lines() []string { return in.Doc.Lines() }

// Extractor proposes candidates from a document.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) ([]model.Candidate, error)
}

// programIndex resolves Chapter 99 provisions to programs.
type programIndex map[string]model.Program

func newProgramIndex(programs []model.Program) programIndex {
	idx := make(programIndex, len(programs))
	for _, p := range programs {
		if p.Code != "" {
			idx[p.Code] = p
		}
	}
	return idx
}

func (idx programIndex) lookup(code string) (model.Program, bool) {
	p, ok := idx[strings.TrimSpace(code)]
	return p, ok
}

// family resolves a provision that is not a program's own code (an
// exclusion provision such as 9903.88.69) to the single program sharing its
// Chapter 99 subheading (9903.88).
func (idx programIndex) family(code string) (model.Program, bool) {
	code = strings.TrimSpace(code)
	if len(code) < 7 {
		return model.Program{}, false
	}
	var found []model.Program
	for c, p := range idx {
		if len(c) >= 7 && c[:7] == code[:7] {
			found = append(found, p)
		}
	}
	if len(found) != 1 {
		return model.Program{}, false
	}
	return found[0], true
}

// candidateID is stable for the same job, extractor and claim, so a retried
// extraction stage overwrites instead of duplicating.
func candidateID(c model.Candidate) string {
	key := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%d|%d", c.JobID, c.Extractor, c.Kind, c.ProgramCode, c.HTS, c.Country, c.LineStart, c.LineEnd)
	return uuid.NewSHA1(candidateNamespace, []byte(key)).String()
}

// finalize fills the fields every extractor sets the same way.
func finalize(in Input, extractor string, cands []model.Candidate) []model.Candidate {
	out := make([]model.Candidate, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		c.JobID = in.JobID
		c.SourceVersionID = in.Version.ID
		c.Extractor = extractor
		c.Status = model.CandidatePending
		sortSchedule(c.Schedule)
		c.ID = candidateID(c)
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// sortSchedule orders windows by start and closes each open window at the
// next window's start.
func sortSchedule(s []model.RateWindow) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Start.Before(s[j].Start) })
	for i := 0; i+1 < len(s); i++ {
		if s[i].End == nil {
			next := s[i+1].Start
			s[i].End = &next
		}
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
