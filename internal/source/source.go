// Package source supplies the rows a job's payload selects.
//
// The engine treats the job payload as opaque; a RowSource interprets it.
// SQL runs the payload as a read-only statement, Stub serves fixed rows and
// is used by the test server and by tests.
package source

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

// ErrNotReadOnly is returned for payloads that are not a single query statement.
var ErrNotReadOnly = errors.New("only SELECT and WITH statements are allowed")

// Rows iterates over a result set.
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// RowSource runs a job payload and returns its rows.
type RowSource interface {
	Query(ctx context.Context, job *model.Job) (Rows, error)
}

// ValidateQuery rejects payloads the SQL source would refuse to run.
func ValidateQuery(query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return errors.New("query is empty")
	}
	if strings.Contains(strings.TrimRight(q, "; \t\n"), ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	first := strings.ToUpper(strings.Fields(q)[0])
	if first != "SELECT" && first != "WITH" {
		return ErrNotReadOnly
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ RowSource = (*SQL)(nil)

// SQL runs payloads against a database/sql handle inside read-only transactions.
type SQL struct {
	db *sql.DB
}

// OpenSQL opens a database with the given driver. The default driver is
// modernc's "sqlite".
func OpenSQL(driver, dsn string) (*SQL, error) {
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open source database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping source database: %w", err)
	}
	return &SQL{db: db}, nil
}

// NewSQL wraps an existing handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Query(ctx context.Context, job *model.Job) (Rows, error) {
	if err := ValidateQuery(job.Query); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, job.Query)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("run query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		tx.Rollback()
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return &sqlRows{rows: rows, tx: tx, cols: cols}, nil
}

type sqlRows struct {
	rows *sql.Rows
	tx   *sql.Tx
	cols []string
}

func (r *sqlRows) Columns() []string { return r.cols }
func (r *sqlRows) Next() bool        { return r.rows.Next() }
func (r *sqlRows) Err() error        { return r.rows.Err() }

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Close() error {
	err := r.rows.Close()
	r.tx.Rollback()
	return err
}

// Stub serves the same fixed rows for every job, pausing Delay before each
// row. A non-nil Err is returned from Query.
type Stub struct {
	Cols  []string
	Rows  [][]any
	Delay time.Duration
	Err   error
}

func (s *Stub) Query(ctx context.Context, _ *model.Job) (Rows, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &stubRows{ctx: ctx, cols: s.Cols, rows: s.Rows, delay: s.Delay, pos: -1}, nil
}

type stubRows struct {
	ctx   context.Context
	cols  []string
	rows  [][]any
	delay time.Duration
	pos   int
	err   error
}

func (r *stubRows) Columns() []string { return r.cols }

func (r *stubRows) Next() bool {
	if r.err != nil || r.pos+1 >= len(r.rows) {
		return false
	}
	if r.delay > 0 {
		t := time.NewTimer(r.delay)
		defer t.Stop()
		select {
		case <-r.ctx.Done():
			r.err = context.Cause(r.ctx)
			return false
		case <-t.C:
		}
	}
	r.pos++
	return true
}

func (r *stubRows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil, errors.New("no current row")
	}
	return r.rows[r.pos], nil
}

func (r *stubRows) Err() error   { return r.err }
func (r *stubRows) Close() error { return nil }
