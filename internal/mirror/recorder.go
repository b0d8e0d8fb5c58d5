package mirror

import (
	"context"
	"time"
)

// Transfer modes.
const (
	ModeInline = "inline"
	ModeStream = "stream"
)

// Transfer and run statuses.
const (
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusCanceled  = "canceled"
)

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID          string
	Destination string
	RemotePath  string
	LocalRoot   string
	StartedAt   time.Time
}

// Transfer is the outcome of one file.
type Transfer struct {
	RemotePath string
	LocalPath  string
	Size       int64
	Mode       string
	Status     string
	Bytes      int64
	Err        string
	FinishedAt time.Time
}

// Recorder persists run progress. Recorder failures are logged and never
// fail the run.
type Recorder interface {
	StartRun(ctx context.Context, info RunInfo) error
	RecordTransfer(ctx context.Context, runID string, t Transfer) error
	FinishWalk(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, runID, status, errMsg string, at time.Time) error
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, RunInfo) error { return nil }
func (nopRecorder) RecordTransfer(context.Context, string, Transfer) error { return nil }
func (nopRecorder) FinishWalk(context.Context, string, time.Time) error { return nil }
func (nopRecorder) FinishRun(context.Context, string, string, string, time.Time) error { return nil }
