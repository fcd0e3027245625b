// Package sqlite provides the SQLite-backed jobstore.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

// DB implements jobstore.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB

	// eventKeep is the per-job retained event count; older events are
	// trimmed on every append.
	eventKeep int
}

// Open opens (or creates) the SQLite database at path and applies migrations.
// eventKeep bounds the per-job durable event window.
func Open(path string, eventKeep int) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes
	// and makes read-modify-write transactions trivially race-free.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if eventKeep <= 0 {
		eventKeep = 256
	}
	s := &DB{db: db, eventKeep: eventKeep}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			origin       TEXT    NOT NULL,
			platform     TEXT    NOT NULL DEFAULT '',
			suffix       TEXT    NOT NULL DEFAULT 'offline',
			status       TEXT    NOT NULL DEFAULT 'pending',
			progress     INTEGER NOT NULL DEFAULT 0,
			stage        TEXT    NOT NULL DEFAULT '',
			message      TEXT    NOT NULL DEFAULT '',
			error        TEXT    NOT NULL DEFAULT '',
			error_code   TEXT    NOT NULL DEFAULT '',
			meta         TEXT,             -- NULL until Extract populates it
			output       TEXT,             -- NULL until PublishOutput
			created_at   TEXT    NOT NULL,
			updated_at   TEXT    NOT NULL,
			completed_at TEXT,
			tombstone    INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			job_id  TEXT    NOT NULL REFERENCES jobs(id),
			seq     INTEGER NOT NULL,
			ts      TEXT    NOT NULL,
			kind    TEXT    NOT NULL,
			payload TEXT    NOT NULL,
			PRIMARY KEY (job_id, seq)
		)`,

		// Listings order by recency; the completed view filters on status.
		`CREATE INDEX IF NOT EXISTS idx_jobs_created
			ON jobs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_completed
			ON jobs(status, completed_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- jobs ----

func (s *DB) CreateJob(ctx context.Context, job *jobstore.Job) error {
	origin, err := json.Marshal(job.Origin)
	if err != nil {
		return fmt.Errorf("marshal origin: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, origin, platform, suffix, status, progress, stage,
		                  message, error, error_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)
	`, job.ID, string(origin), job.Platform, job.Suffix, string(job.Status),
		job.Progress, job.Stage, job.Message,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *DB) GetJob(ctx context.Context, id string) (*jobstore.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row.Scan)
}

// UpdateJob is the single write path for job rows.  The read, the transition
// check, and the write run in one transaction, so concurrent writers see
// compare-and-set semantics.
func (s *DB) UpdateJob(ctx context.Context, id string, patch jobstore.Patch) (*jobstore.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fault.New(fault.NotFound, "unknown job %s", id)
	}
	if job.Status.Terminal() {
		return nil, fault.New(fault.InvalidState, "job %s is %s", id, job.Status)
	}
	if patch.Status != nil && *patch.Status != job.Status {
		if !jobstore.ValidTransition(job.Status, *patch.Status) {
			return nil, fault.New(fault.InvalidState,
				"illegal transition %s → %s for job %s", job.Status, *patch.Status, id)
		}
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Stage != nil {
		job.Stage = *patch.Stage
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.ErrorCode != nil {
		job.ErrorCode = *patch.ErrorCode
	}
	if patch.Meta != nil {
		job.Meta = patch.Meta
	}
	if patch.Output != nil {
		job.Output = patch.Output
	}

	now := time.Now().UTC()
	job.UpdatedAt = now
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.Status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
		completedAt = now.Format(time.RFC3339Nano)
	}

	meta, output, err := marshalOptional(job.Meta, job.Output)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, stage = ?, message = ?,
		       error = ?, error_code = ?, meta = ?, output = ?,
		       updated_at = ?, completed_at = ?
		 WHERE id = ?
	`, string(job.Status), job.Progress, job.Stage, job.Message,
		job.Error, job.ErrorCode, meta, output,
		now.Format(time.RFC3339Nano), completedAt, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *DB) ListRecent(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	return s.queryJobs(ctx, selectJob+`
		 WHERE tombstone = 0
		 ORDER BY created_at DESC
		 LIMIT ?`, limit)
}

func (s *DB) ListCompleted(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	return s.queryJobs(ctx, selectJob+`
		 WHERE tombstone = 0 AND status = 'completed'
		 ORDER BY completed_at DESC, created_at DESC
		 LIMIT ?`, limit)
}

func (s *DB) ListRetained(ctx context.Context) ([]*jobstore.Job, error) {
	return s.queryJobs(ctx, selectJob+`
		 WHERE output IS NOT NULL`)
}

func (s *DB) ClearOutput(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET output = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// TombstoneExpired strips expired terminal jobs down to id + status and
// drops their retained events.
func (s *DB) TombstoneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cut := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET origin = '{}', platform = '', suffix = '',
		       progress = 0, stage = '', message = '', error = '',
		       error_code = '', meta = NULL, output = NULL, tombstone = 1
		 WHERE tombstone = 0
		   AND status IN ('completed', 'failed', 'cancelled')
		   AND updated_at < ?
	`, cut)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM job_events
		 WHERE job_id IN (SELECT id FROM jobs WHERE tombstone = 1)
	`); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// ---- events ----

func (s *DB) AppendEvent(ctx context.Context, ev *jobstore.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = ?`,
		ev.JobID).Scan(&next); err != nil {
		return 0, err
	}
	ev.Seq = next
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, seq, ts, kind, payload)
		VALUES (?, ?, ?, ?, ?)
	`, ev.JobID, next, ev.TS.Format(time.RFC3339Nano), string(ev.Kind), string(payload)); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_events WHERE job_id = ? AND seq <= ?`,
		ev.JobID, next-int64(s.eventKeep)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *DB) EventsSince(ctx context.Context, jobID string, after int64) ([]jobstore.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM job_events
		 WHERE job_id = ? AND seq > ?
		 ORDER BY seq
	`, jobID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []jobstore.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev jobstore.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		ev.JobID = jobID
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

const selectJob = `
	SELECT id, origin, platform, suffix, status, progress, stage, message,
	       error, error_code, meta, output, created_at, updated_at,
	       completed_at, tombstone
	  FROM jobs`

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanJob(scan scanFn) (*jobstore.Job, error) {
	var job jobstore.Job
	var origin string
	var meta, output, completedAt sql.NullString
	var createdAt, updatedAt string
	var tombstone int
	err := scan(&job.ID, &origin, &job.Platform, &job.Suffix, &job.Status,
		&job.Progress, &job.Stage, &job.Message, &job.Error, &job.ErrorCode,
		&meta, &output, &createdAt, &updatedAt, &completedAt, &tombstone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(origin), &job.Origin); err != nil {
		return nil, fmt.Errorf("unmarshal origin: %w", err)
	}
	if meta.Valid {
		job.Meta = &jobstore.PluginMeta{}
		if err := json.Unmarshal([]byte(meta.String), job.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	if output.Valid {
		job.Output = &jobstore.OutputDescriptor{}
		if err := json.Unmarshal([]byte(output.String), job.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		job.CompletedAt = &t
	}
	job.Tombstone = tombstone != 0
	return &job, nil
}

func (s *DB) queryJobs(ctx context.Context, q string, args ...any) ([]*jobstore.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalOptional(meta *jobstore.PluginMeta, output *jobstore.OutputDescriptor) (any, any, error) {
	var m, o any
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal meta: %w", err)
		}
		m = string(b)
	}
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal output: %w", err)
		}
		o = string(b)
	}
	return m, o, nil
}
