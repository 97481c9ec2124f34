// Package processor defines the boundary to the long-running video
// processing task. The queue treats it as an opaque operation with a
// progress callback and a terminal result or error.
package processor

import (
	"context"

	"vidqueue/internal/models"
)

// ProgressFunc reports 0-100 completion back to the queue. A non-nil
// return value means the job should stop at this checkpoint
// (cancellation requested or job finalized elsewhere).
type ProgressFunc func(pct int) error

// Result is the opaque success payload of a finished job.
type Result struct {
	Title      string `json:"title,omitempty"`
	Duration   string `json:"duration,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Analysis   string `json:"analysis,omitempty"`
}

// Processor executes one job. Implementations must honor ctx
// cancellation and should call progress at meaningful checkpoints.
type Processor interface {
	Process(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error)
}

// Func adapts a function to the Processor interface, used in tests.
type Func func(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error)

func (f Func) Process(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error) {
	return f(ctx, job, progress)
}
