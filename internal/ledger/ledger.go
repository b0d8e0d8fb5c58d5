// Package ledger records mirror runs and their per-file outcomes in SQLite,
// so transfers that finish after the initiating call returned stay
// observable.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tonimelisma/sccgate/internal/mirror"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("ledger: run not found")

// RunRecord is one row of the runs table with transfer totals.
type RunRecord struct {
	ID             string    `json:"id"`
	Destination    string    `json:"destination"`
	RemotePath     string    `json:"remote_path"`
	LocalRoot      string    `json:"local_root"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	WalkFinishedAt time.Time `json:"walk_finished_at,omitzero"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
	Error          string    `json:"error,omitempty"`
	Files          int       `json:"files"`
	Failed         int       `json:"failed"`
	Bytes          int64     `json:"bytes"`
}

// TransferRecord is one row of the transfers table.
type TransferRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	RemotePath string    `json:"remote_path"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Ledger implements mirror.Recorder on top of SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ mirror.Recorder = (*Ledger)(nil)

// Open opens or creates the ledger database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", path, err)
	}

	// DSN pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", path, err)
	}

	// Sole writer: streaming tasks record concurrently.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", path))

	return &Ledger{db: db, logger: logger}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun inserts a running run.
func (l *Ledger) StartRun(ctx context.Context, info mirror.RunInfo) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, destination, remote_path, local_root, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.Destination, info.RemotePath, info.LocalRoot,
		mirror.StatusRunning, info.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: inserting run %s: %w", info.ID, err)
	}

	return nil
}

// RecordTransfer appends one file outcome.
func (l *Ledger) RecordTransfer(ctx context.Context, runID string, t mirror.Transfer) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transfers
			(run_id, remote_path, local_path, size, mode, status, bytes, error, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, t.RemotePath, t.LocalPath, t.Size, modeOrUnknown(t.Mode), t.Status,
		t.Bytes, nullString(t.Err), t.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording transfer %s: %w", t.RemotePath, err)
	}

	return nil
}

// FinishWalk stamps the end of the synchronous walk.
func (l *Ledger) FinishWalk(ctx context.Context, runID string, at time.Time) error {
	return l.update(ctx, runID, `UPDATE runs SET walk_finished_at = ? WHERE id = ?`, at.UnixNano(), runID)
}

// FinishRun sets the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status, errMsg string, at time.Time) error {
	return l.update(ctx, runID,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, nullString(errMsg), at.UnixNano(), runID)
}

func (l *Ledger) update(ctx context.Context, runID, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: updating run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: updating run %s: %w", runID, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return nil
}

const sqlSelectRun = `SELECT r.id, r.destination, r.remote_path, r.local_root, r.status,
		r.started_at, r.walk_finished_at, r.finished_at, r.error,
		COUNT(t.id),
		COALESCE(SUM(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(t.bytes), 0)
	FROM runs r LEFT JOIN transfers t ON t.run_id = r.id`

// Run returns one run with its totals.
func (l *Ledger) Run(ctx context.Context, id string) (*RunRecord, error) {
	row := l.db.QueryRowContext(ctx, sqlSelectRun+` WHERE r.id = ? GROUP BY r.id`, id)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		sqlSelectRun+` GROUP BY r.id ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord

	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating runs: %w", err)
	}

	return out, nil
}

// Transfers returns the file outcomes of a run in recording order.
func (l *Ledger) Transfers(ctx context.Context, runID string) ([]TransferRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, remote_path, local_path, size, mode, status, bytes, error, finished_at
			FROM transfers WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing transfers of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []TransferRecord

	for rows.Next() {
		var (
			t        TransferRecord
			errMsg   sql.NullString
			finished int64
		)

		if err := rows.Scan(&t.ID, &t.RunID, &t.RemotePath, &t.LocalPath, &t.Size,
			&t.Mode, &t.Status, &t.Bytes, &errMsg, &finished); err != nil {
			return nil, fmt.Errorf("ledger: scanning transfer: %w", err)
		}

		t.Error = errMsg.String
		t.FinishedAt = fromNanos(finished)
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating transfers: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r            RunRecord
		started      int64
		walkFinished sql.NullInt64
		finished     sql.NullInt64
		errMsg       sql.NullString
	)

	err := row.Scan(&r.ID, &r.Destination, &r.RemotePath, &r.LocalRoot, &r.Status,
		&started, &walkFinished, &finished, &errMsg,
		&r.Files, &r.Failed, &r.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: scanning run: %w", err)
	}

	r.StartedAt = fromNanos(started)
	r.WalkFinishedAt = fromNanos(walkFinished.Int64)
	r.FinishedAt = fromNanos(finished.Int64)
	r.Error = errMsg.String

	return &r, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// modeOrUnknown labels entries rejected before a mode was chosen.
func modeOrUnknown(mode string) string {
	if mode == "" {
		return "none"
	}

	return mode
}
