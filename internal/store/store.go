package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/quarry/internal/model"
)

var (
	// ErrNotFound is returned when a job record does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrResultMismatch is returned when a write would leave a result on a
	// non-COMPLETE record, or a COMPLETE record without one.
	ErrResultMismatch = errors.New("result must be set exactly when status is COMPLETE")
)

// StatusUpdate is a single status write applied by the executor or cleaner.
type StatusUpdate struct {
	Status model.Status
	Result *model.Result
	Error  string
	At     time.Time
}

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Tx is a host transaction in which job records are created.
type Tx interface {
	SaveJob(ctx context.Context, j *model.Job) error
	Commit() error
	Rollback() error
}

// Store defines the persistence operations for job records.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobByRequestID(ctx context.Context, principal, requestID string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)

	// UpdateJobStatus applies a validated transition in its own short
	// transaction and returns the updated record.
	UpdateJobStatus(ctx context.Context, id string, u StatusUpdate) (*model.Job, error)

	// ForceStatus moves a non-terminal record to a terminal status without
	// consulting the transition table. It reports false when the record was
	// already terminal or absent.
	ForceStatus(ctx context.Context, id string, u StatusUpdate) (bool, error)

	ListActiveCreatedBefore(ctx context.Context, before time.Time) ([]*model.Job, error)
	ListTerminalUpdatedBefore(ctx context.Context, before time.Time) ([]*model.Job, error)

	// DeleteJob removes a record. Deleting an absent record reports false.
	DeleteJob(ctx context.Context, id string) (bool, error)

	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
