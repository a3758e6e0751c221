// Package journal records scan runs in SQL so past scans can be listed
// after the process exits.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/sqldb"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Run is one recorded scan.
type Run struct {
	ID          string
	Roots       []string
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Indexed     int
	Unchanged   int
	Removed     int
	FilesSeen   int
	DirsScanned int
	SkippedDirs int
	Bytes       int64
	Diagnostics int
	Generation  uint64
	Error       string
}

// Elapsed is zero for runs that have not finished.
func (r Run) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const schema = `CREATE TABLE IF NOT EXISTS scan_runs (
	id           TEXT PRIMARY KEY,
	roots        TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   BIGINT NOT NULL,
	finished_at  BIGINT NOT NULL DEFAULT 0,
	indexed      BIGINT NOT NULL DEFAULT 0,
	unchanged    BIGINT NOT NULL DEFAULT 0,
	removed      BIGINT NOT NULL DEFAULT 0,
	files_seen   BIGINT NOT NULL DEFAULT 0,
	dirs_scanned BIGINT NOT NULL DEFAULT 0,
	skipped_dirs BIGINT NOT NULL DEFAULT 0,
	bytes        BIGINT NOT NULL DEFAULT 0,
	diagnostics  BIGINT NOT NULL DEFAULT 0,
	generation   BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
)`

// Journal persists scan runs. Timestamps are stored as Unix nanoseconds
// so the same schema works on SQLite and PostgreSQL.
type Journal struct {
	db     *sqldb.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(db *sqldb.Client) *Journal {
	return &Journal{
		db:     db,
		logger: slog.Default().With("component", "journal"),
		now:    time.Now,
	}
}

// Migrate creates the scan_runs table if it does not exist.
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating scan_runs table: %w", err)
	}
	return nil
}

// Start records a new running scan and returns it with a fresh id.
func (j *Journal) Start(ctx context.Context, roots []string) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Roots:     roots,
		Status:    StatusRunning,
		StartedAt: j.now().UTC(),
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return Run{}, fmt.Errorf("marshaling roots: %w", err)
	}
	_, err = j.db.DB.ExecContext(ctx, j.db.Rebind(
		`INSERT INTO scan_runs (id, roots, status, started_at) VALUES (?, ?, ?, ?)`),
		run.ID, string(rootsJSON), run.Status, run.StartedAt.UnixNano(),
	)
	if err != nil {
		return Run{}, fmt.Errorf("recording scan start: %w", err)
	}
	return run, nil
}

// Finish stores the outcome of run.
func (j *Journal) Finish(ctx context.Context, run Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = j.now().UTC()
	}
	_, err := j.db.DB.ExecContext(ctx, j.db.Rebind(`UPDATE scan_runs SET
		status = ?, finished_at = ?, indexed = ?, unchanged = ?, removed = ?,
		files_seen = ?, dirs_scanned = ?, skipped_dirs = ?, bytes = ?,
		diagnostics = ?, generation = ?, error = ?
		WHERE id = ?`),
		run.Status, run.FinishedAt.UnixNano(), run.Indexed, run.Unchanged, run.Removed,
		run.FilesSeen, run.DirsScanned, run.SkippedDirs, run.Bytes,
		run.Diagnostics, int64(run.Generation), run.Error,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("recording scan finish: %w", err)
	}
	j.logger.Debug("scan run recorded", "id", run.ID, "status", run.Status)
	return nil
}

// Recent returns the last limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.DB.QueryContext(ctx, j.db.Rebind(`SELECT
		id, roots, status, started_at, finished_at, indexed, unchanged, removed,
		files_seen, dirs_scanned, skipped_dirs, bytes, diagnostics, generation, error
		FROM scan_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing scan runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			roots             string
			started, finished int64
			generation        int64
		)
		if err := rows.Scan(&run.ID, &roots, &run.Status, &started, &finished,
			&run.Indexed, &run.Unchanged, &run.Removed, &run.FilesSeen, &run.DirsScanned,
			&run.SkippedDirs, &run.Bytes, &run.Diagnostics, &generation, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning scan run row: %w", err)
		}
		if err := json.Unmarshal([]byte(roots), &run.Roots); err != nil {
			j.logger.Warn("skipping scan run with corrupt roots", "id", run.ID, "error", err)
			continue
		}
		run.StartedAt = time.Unix(0, started).UTC()
		if finished != 0 {
			run.FinishedAt = time.Unix(0, finished).UTC()
		}
		run.Generation = uint64(generation)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
