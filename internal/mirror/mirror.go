// Package mirror copies a remote directory tree, exposed through a gateway
// destination as JSON listings, into a local directory.
//
// The walk is sequential and depth-first. Small files are written inline
// during the walk. Large files, and small files whose download URL names
// the large-object store, are queued for a bounded set of streaming
// workers. Queuing never blocks the walk, and the workers keep running
// after the walk returns.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/gateway"
)

// Defaults for zero Options fields.
const (
	DefaultWorkers            = 8
	DefaultLargeFileThreshold = 1 << 20
	DefaultChunkSize          = 1024
	DefaultLargeObjectMarker  = "raw_lfs"
)

// Existing-target policies.
const (
	OnExistingFail      = "fail"
	OnExistingOverwrite = "overwrite"
)

const (
	partialSuffix = ".partial"
	dirPerm       = 0o755
	filePerm      = 0o644
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrUnsafeName   = errors.New("mirror: unsafe entry name")
	ErrTargetExists = errors.New("mirror: target already exists")
)

// Fetcher performs gateway calls. Satisfied by *gateway.Gateway and
// *gateway.Session.
type Fetcher interface {
	Call(ctx context.Context, req gateway.Request) ([]byte, error)
	Open(ctx context.Context, req gateway.Request) (*connectivity.Stream, error)
}

// Options tunes a Mirror. Zero values take the package defaults.
type Options struct {
	Workers            int
	LargeFileThreshold int64
	ChunkSize          int
	LargeObjectMarker  string
	OnExisting         string
	Bandwidth          *BandwidthLimiter
	Recorder           Recorder
}

// TaskError is one failed entry.
type TaskError struct {
	RemotePath string
	LocalPath  string
	Err        error
}

// Report summarizes a run.
type Report struct {
	RunID        string
	Dirs         int
	InlineFiles  int
	Streamed     int
	Failed       int
	BytesWritten int64
	Errors       []TaskError
}

// Mirror runs directory mirrors. One Mirror may run many concurrent runs.
type Mirror struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a Mirror.
func New(fetcher Fetcher, opts Options, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.LargeObjectMarker == "" {
		opts.LargeObjectMarker = DefaultLargeObjectMarker
	}

	if opts.OnExisting == "" {
		opts.OnExisting = OnExistingFail
	}

	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Mirror{fetcher: fetcher, opts: opts, logger: logger}
}

// Run is an in-progress mirror whose walk has finished.
type Run struct {
	ID        string
	LocalRoot string

	m      *Mirror
	pool   *errgroup.Group
	slots  *semaphore.Weighted
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	report Report
	status string
}

// Wait blocks until every streaming task has finished and returns the
// final report.
func (r *Run) Wait() *Report {
	<-r.done
	return r.Snapshot()
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel aborts in-flight streaming tasks. Wait still has to be called to
// observe the final report.
func (r *Run) Cancel() {
	r.cancel()
}

// Status returns StatusRunning until the run has finished, then its final
// status.
func (r *Run) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Snapshot returns a copy of the report so far.
func (r *Run) Snapshot() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := r.report
	rep.Errors = append([]TaskError(nil), r.report.Errors...)

	return &rep
}

// Mirror runs Start and Wait. A walk failure is returned as error; task
// failures are only in the report.
func (m *Mirror) Mirror(ctx context.Context, dest, remotePath, localRoot string) (*Report, error) {
	run, err := m.Start(ctx, dest, remotePath, localRoot)
	if err != nil {
		return nil, err
	}

	return run.Wait(), nil
}

// Start walks remotePath of dest into localRoot and returns once every
// entry has been written inline or queued for streaming. ctx bounds the walk
// and every streaming task, so it must outlive the call when the tasks
// should. If the walk fails, in-flight tasks are canceled and awaited
// before the error is returned.
func (m *Mirror) Start(ctx context.Context, dest, remotePath, localRoot string) (*Run, error) {
	return m.StartWithID(ctx, uuid.NewString(), dest, remotePath, localRoot)
}

// StartWithID is Start with a caller-chosen run id, for callers that name
// the local root after the run.
func (m *Mirror) StartWithID(ctx context.Context, id, dest, remotePath, localRoot string) (*Run, error) {
	if err := os.MkdirAll(localRoot, dirPerm); err != nil {
		return nil, fmt.Errorf("mirror: creating local root: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	pool := &errgroup.Group{}

	r := &Run{
		ID:        id,
		LocalRoot: localRoot,
		m:         m,
		pool:      pool,
		slots:     semaphore.NewWeighted(int64(m.opts.Workers)),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	r.report.RunID = r.ID

	m.logger.Info("mirror: starting",
		slog.String("run_id", r.ID),
		slog.String("destination", dest),
		slog.String("remote_path", remotePath),
		slog.String("local_root", localRoot),
		slog.Int("workers", m.opts.Workers),
	)

	m.record(func(rec Recorder) error {
		return rec.StartRun(runCtx, RunInfo{
			ID: r.ID, Destination: dest, RemotePath: remotePath,
			LocalRoot: localRoot, StartedAt: time.Now().UTC(),
		})
	})

	w := &walker{m: m, run: r, ctx: runCtx, dest: dest, claimed: make(map[string]bool)}

	walkErr := w.walk(remotePath, localRoot)
	if walkErr != nil {
		cancel()
		_ = pool.Wait()

		m.logger.Error("mirror: walk failed",
			slog.String("run_id", r.ID),
			slog.String("error", walkErr.Error()),
		)

		m.record(func(rec Recorder) error {
			return rec.FinishRun(context.WithoutCancel(runCtx), r.ID, StatusFailed, walkErr.Error(), time.Now().UTC())
		})

		return nil, walkErr
	}

	m.record(func(rec Recorder) error {
		return rec.FinishWalk(context.WithoutCancel(runCtx), r.ID, time.Now().UTC())
	})

	go r.finish(runCtx)

	return r, nil
}

// finish waits for the pool and closes the run.
func (r *Run) finish(ctx context.Context) {
	_ = r.pool.Wait()

	rep := r.Snapshot()

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCanceled
	case rep.Failed > 0:
		status = StatusPartial
	}

	r.m.logger.Info("mirror: run finished",
		slog.String("run_id", r.ID),
		slog.String("status", status),
		slog.Int("dirs", rep.Dirs),
		slog.Int("inline", rep.InlineFiles),
		slog.Int("streamed", rep.Streamed),
		slog.Int("failed", rep.Failed),
		slog.Int64("bytes", rep.BytesWritten),
	)

	errMsg := ""
	if rep.Failed > 0 {
		errMsg = fmt.Sprintf("%d of %d files failed", rep.Failed, rep.Failed+rep.InlineFiles+rep.Streamed)
	}

	r.m.record(func(rec Recorder) error {
		return rec.FinishRun(context.WithoutCancel(ctx), r.ID, status, errMsg, time.Now().UTC())
	})

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	r.cancel()
	close(r.done)
}

// record calls fn on the recorder and logs any failure.
func (m *Mirror) record(fn func(Recorder) error) {
	if err := fn(m.opts.Recorder); err != nil {
		m.logger.Warn("mirror: recording run progress failed", slog.String("error", err.Error()))
	}
}

// recordResult folds one file outcome into the report and the recorder.
func (r *Run) recordResult(ctx context.Context, t Transfer, err error) {
	t.FinishedAt = time.Now().UTC()
	t.Status = StatusOK

	r.mu.Lock()
	if err != nil {
		t.Status = StatusFailed
		t.Err = err.Error()
		r.report.Failed++
		r.report.Errors = append(r.report.Errors, TaskError{
			RemotePath: t.RemotePath,
			LocalPath:  t.LocalPath,
			Err:        err,
		})
	} else {
		r.report.BytesWritten += t.Bytes

		if t.Mode == ModeStream {
			r.report.Streamed++
		} else {
			r.report.InlineFiles++
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.m.logger.Error("mirror: file failed",
			slog.String("run_id", r.ID),
			slog.String("remote_path", t.RemotePath),
			slog.String("local_path", t.LocalPath),
			slog.String("error", err.Error()),
		)
	}

	r.m.record(func(rec Recorder) error {
		return rec.RecordTransfer(context.WithoutCancel(ctx), r.ID, t)
	})
}

// joinRemote appends an escaped name to a remote directory path.
func joinRemote(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + url.PathEscape(name)
}

// localJoin appends a validated name to a local directory.
func localJoin(dir, name string) string {
	return filepath.Join(dir, name)
}
