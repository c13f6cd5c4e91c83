package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/render"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Stage names used in logs, metrics and errors.
const (
	StageFetch    = "fetch"
	StageRender   = "render"
	StageChunk    = "chunk"
	StageExtract  = "extract"
	StageValidate = "validate"
	StageCommit   = "commit"
)

// StageError is a stage failure with the decision the queue needs:
// retry later, hand to a reviewer, or give up.
type StageError struct {
	Stage     string
	Err       error
	Retryable bool
	Review    bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err, Retryable: true}
}

func permanent(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

func review(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err, Review: true}
}

// classify wraps err for stage. Typed errors decide; anything unknown is
// assumed transient because retries are bounded.
func classify(stage string, err error) *StageError {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retryable(stage, err)
	case fetcher.IsPermanent(err):
		return permanent(stage, err)
	case errors.Is(err, render.ErrNoText):
		return review(stage, err)
	case resilience.IsTransient(err):
		return retryable(stage, err)
	}
	return retryable(stage, err)
}

// stage is one step of the pipeline with the job states around it.
type stage struct {
	name    string
	running model.JobStatus
	done    model.JobStatus
	run     func(ctx context.Context, jc JobContext) (JobContext, error)
}
