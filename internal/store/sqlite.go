package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/quarry/internal/model"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as Unix nanoseconds so range scans compare integers.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    kind           TEXT NOT NULL,
    status         TEXT NOT NULL,
    query          TEXT NOT NULL,
    result_type    TEXT NOT NULL DEFAULT '',
    async_after_s  INTEGER NOT NULL DEFAULT 0,
    principal      TEXT NOT NULL,
    request_id     TEXT,
    result_ref     TEXT,
    result_body    TEXT,
    record_count   INTEGER,
    content_length INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    started_at     INTEGER,
    finished_at    INTEGER
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_principal_request ON jobs (principal, request_id)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_updated ON jobs (status, updated_at)`,
}

const jobColumns = `id, kind, status, query, result_type, async_after_s, principal,
	request_id, result_ref, result_body, record_count, content_length, error,
	created_at, updated_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// A single connection is used so that ":memory:" databases are shared and
// writers never contend for the file lock.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate jobs schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

// BeginTx starts a host transaction for creating job records.
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// SaveJob inserts a new job record inside the transaction.
func (t *sqliteTx) SaveJob(ctx context.Context, j *model.Job) error {
	if j.Result != nil || j.Status == model.StatusComplete {
		return ErrResultMismatch
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO jobs (
			id, kind, status, query, result_type, async_after_s, principal,
			request_id, error, created_at, updated_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), string(j.Status), j.Query, string(j.ResultType), j.AsyncAfterS, j.Principal,
		nullString(j.RequestID), j.Error, toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
		nullNanos(j.StartedAt), nullNanos(j.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

// GetJobByRequestID retrieves a job by its submitter's idempotency key.
func (s *SQLiteStore) GetJobByRequestID(ctx context.Context, principal, requestID string) (*model.Job, error) {
	if requestID == "" {
		return nil, ErrNotFound
	}
	return getJob(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE principal = ? AND request_id = ?`,
		principal, requestID,
	)
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	jobs, err := listJobs(ctx, tx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateJobStatus validates and applies a status transition. updated_at never
// moves backwards; started_at is set on PROCESSING and finished_at on any
// terminal status.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, u StatusUpdate) (*model.Job, error) {
	if (u.Status == model.StatusComplete) != (u.Result != nil) {
		return nil, ErrResultMismatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		current   string
		updatedAt int64
	)
	err = tx.QueryRowContext(ctx, "SELECT status, updated_at FROM jobs WHERE id = ?", id).Scan(&current, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job status: %w", err)
	}

	from := model.Status(current)
	if !model.ValidTransition(from, u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.Status)
	}

	at := toNanos(u.At)
	if u.At.IsZero() {
		at = toNanos(time.Now().UTC())
	}
	if at < updatedAt {
		at = updatedAt
	}

	var startedAt, finishedAt sql.NullInt64
	if u.Status == model.StatusProcessing {
		startedAt = sql.NullInt64{Int64: at, Valid: true}
	}
	if u.Status.Terminal() {
		finishedAt = sql.NullInt64{Int64: at, Valid: true}
	}

	var ref, body sql.NullString
	var count, length sql.NullInt64
	if u.Result != nil {
		ref = nullString(u.Result.Ref)
		body = nullString(u.Result.Body)
		count = sql.NullInt64{Int64: int64(u.Result.RecordCount), Valid: true}
		length = sql.NullInt64{Int64: u.Result.ContentLength, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?, error = ?,
			result_ref = ?, result_body = ?, record_count = ?, content_length = ?,
			started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		string(u.Status), at, u.Error, ref, body, count, length, startedAt, finishedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	j, err := getJob(ctx, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return j, nil
}

// ForceStatus overrides a QUEUED or PROCESSING record with a terminal status.
func (s *SQLiteStore) ForceStatus(ctx context.Context, id string, u StatusUpdate) (bool, error) {
	if !u.Status.Terminal() || u.Status == model.StatusComplete {
		return false, fmt.Errorf("%w: cannot force %s", ErrInvalidTransition, u.Status)
	}
	at := toNanos(u.At)
	if u.At.IsZero() {
		at = toNanos(time.Now().UTC())
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?,
			updated_at = MAX(updated_at, ?), finished_at = MAX(updated_at, ?),
			result_ref = NULL, result_body = NULL, record_count = NULL, content_length = NULL
		WHERE id = ? AND status IN (?, ?)`,
		string(u.Status), u.Error, at, at, id,
		string(model.StatusQueued), string(model.StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("force job status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ListActiveCreatedBefore returns QUEUED and PROCESSING jobs created before the cutoff.
func (s *SQLiteStore) ListActiveCreatedBefore(ctx context.Context, before time.Time) ([]*model.Job, error) {
	return s.listByStatus(ctx, model.ActiveStatuses, "created_at", before)
}

// ListTerminalUpdatedBefore returns terminal jobs whose last transition is before the cutoff.
func (s *SQLiteStore) ListTerminalUpdatedBefore(ctx context.Context, before time.Time) ([]*model.Job, error) {
	return s.listByStatus(ctx, model.TerminalStatuses, "updated_at", before)
}

func (s *SQLiteStore) listByStatus(ctx context.Context, statuses []model.Status, column string, before time.Time) ([]*model.Job, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, toNanos(before))

	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE status IN (%s) AND %s < ? ORDER BY %s ASC`,
		jobColumns, strings.Join(placeholders, ", "), column, column)
	return listJobs(ctx, s.db, q, args...)
}

// DeleteJob removes a job record.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// GetJobStats returns aggregate counts and the mean execution time of
// finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := countInto(ctx, tx, "status", stats.CountByStatus, &stats.Total); err != nil {
		return nil, err
	}
	if err := countInto(ctx, tx, "kind", stats.CountByKind, nil); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT AVG((finished_at - started_at) / 1000000.0) FROM jobs
		WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func countInto(ctx context.Context, q queryer, column string, into map[string]int, total *int) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM jobs GROUP BY %s", column, column))
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func getJob(ctx context.Context, q queryer, stmt string, args ...any) (*model.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func listJobs(ctx context.Context, q queryer, stmt string, args ...any) ([]*model.Job, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                     model.Job
		kind, status, rtype   string
		requestID, ref, body  sql.NullString
		count, length         sql.NullInt64
		createdAt, updatedAt  int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &kind, &status, &j.Query, &rtype, &j.AsyncAfterS, &j.Principal,
		&requestID, &ref, &body, &count, &length, &j.Error,
		&createdAt, &updatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = model.Kind(kind)
	j.Status = model.Status(status)
	j.ResultType = model.ResultType(rtype)
	j.RequestID = requestID.String
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		j.FinishedAt = &t
	}
	if count.Valid {
		j.Result = &model.Result{
			Ref:           ref.String,
			Body:          body.String,
			RecordCount:   int(count.Int64),
			ContentLength: length.Int64,
		}
	}
	return &j, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
