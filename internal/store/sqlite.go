package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidqueue/internal/models"
)

// SQLite is the default durable Store driver. Waiting and delayed jobs
// survive a restart; active jobs are failed as interrupted on recovery.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file and initializes the
// schema. The driver must be registered by the caller
// (underscore-import of mattn/go-sqlite3).
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent claims.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		video_url TEXT NOT NULL,
		callback_url TEXT,
		options TEXT NOT NULL,
		api_key_name TEXT,
		source_addr TEXT,
		state TEXT NOT NULL,
		internal_priority INTEGER NOT NULL,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		progress INTEGER DEFAULT 0,
		cancel_requested INTEGER DEFAULT 0,
		run_at DATETIME,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL,
		result TEXT,
		failure_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(state, internal_priority);
	CREATE INDEX IF NOT EXISTS idx_jobs_run_at ON jobs(run_at) WHERE run_at IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

const jobColumns = `id, request_id, video_url, callback_url, options, api_key_name,
	source_addr, state, internal_priority, rowid, attempts, max_attempts, progress,
	cancel_requested, run_at, created_at, started_at, finished_at, updated_at,
	result, failure_reason`

func (s *SQLite) CreateJob(ctx context.Context, j *models.Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("store: marshal options: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, request_id, video_url, callback_url, options,
			api_key_name, source_addr, state, internal_priority, attempts,
			max_attempts, progress, cancel_requested, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.RequestID, j.VideoURL, nullString(j.CallbackURL), string(opts),
		nullString(j.APIKeyName), nullString(j.SourceAddr), string(j.State),
		j.InternalPriority, j.Attempts, j.MaxAttempts, j.Progress,
		boolToInt(j.CancelRequested), nullTime(j.RunAt), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("store: insert job: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: job sequence: %w", err)
	}
	j.Seq = seq
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (s *SQLite) UpdateJob(ctx context.Context, j *models.Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("store: marshal options: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, internal_priority = ?, attempts = ?,
			progress = ?, cancel_requested = ?, run_at = ?, started_at = ?,
			finished_at = ?, updated_at = ?, result = ?, failure_reason = ?,
			options = ?
		WHERE id = ?
	`, string(j.State), j.InternalPriority, j.Attempts, j.Progress,
		boolToInt(j.CancelRequested), nullTime(j.RunAt), nullTime(j.StartedAt),
		nullTime(j.FinishedAt), j.UpdatedAt, nullString(string(j.Result)),
		nullString(j.FailureReason), string(opts), j.ID)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ClaimNext leases the best waiting job inside a transaction so two
// workers can never claim the same job.
func (s *SQLite) ClaimNext(ctx context.Context) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ?
		ORDER BY internal_priority ASC, rowid ASC
		LIMIT 1
	`, string(models.StateWaiting))

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j.State = models.StateActive
	j.Attempts++
	j.StartedAt = &now
	j.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = ?, started_at = ?, updated_at = ?
		WHERE id = ?
	`, string(j.State), j.Attempts, now, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim commit: %w", err)
	}
	return j, nil
}

func (s *SQLite) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, run_at = NULL, updated_at = ?
		WHERE state = ? AND run_at <= ?
	`, string(models.StateWaiting), now.UTC(), string(models.StateDelayed), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: promote due: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ListJobs(ctx context.Context, f ListFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLite) CountByState(ctx context.Context) (models.Stats, error) {
	var stats models.Stats

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("store: count by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, err
		}
		switch models.State(state) {
		case models.StateWaiting:
			stats.Waiting = count
		case models.StateActive:
			stats.Active = count
		case models.StateDelayed:
			stats.Delayed = count
		case models.StateCompleted:
			stats.Completed = count
		case models.StateFailed:
			stats.Failed = count
		case models.StateCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

func (s *SQLite) CountAhead(ctx context.Context, internalPriority int, seq int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE state = ? AND (internal_priority < ?
			OR (internal_priority = ? AND rowid < ?))
	`, string(models.StateWaiting), internalPriority, internalPriority, seq).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count ahead: %w", err)
	}
	return count, nil
}

func (s *SQLite) RecoverInterrupted(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, failure_reason = ?, finished_at = ?, updated_at = ?
		WHERE state = ?
	`, string(models.StateFailed), models.ReasonInterrupted, now, now,
		string(models.StateActive))
	if err != nil {
		return 0, fmt.Errorf("store: recover interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		j             models.Job
		state         string
		callbackURL   sql.NullString
		optionsJSON   string
		apiKeyName    sql.NullString
		sourceAddr    sql.NullString
		cancelReq     int
		runAt         sql.NullTime
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
		result        sql.NullString
		failureReason sql.NullString
	)

	err := row.Scan(&j.ID, &j.RequestID, &j.VideoURL, &callbackURL, &optionsJSON,
		&apiKeyName, &sourceAddr, &state, &j.InternalPriority, &j.Seq,
		&j.Attempts, &j.MaxAttempts, &j.Progress, &cancelReq, &runAt,
		&j.CreatedAt, &startedAt, &finishedAt, &j.UpdatedAt, &result, &failureReason)
	if err != nil {
		return nil, err
	}

	j.State = models.State(state)
	j.CallbackURL = callbackURL.String
	j.APIKeyName = apiKeyName.String
	j.SourceAddr = sourceAddr.String
	j.CancelRequested = cancelReq != 0
	j.FailureReason = failureReason.String
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if runAt.Valid {
		t := runAt.Time
		j.RunAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(optionsJSON), &j.Options); err != nil {
		return nil, fmt.Errorf("store: unmarshal options: %w", err)
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
