package model

import "time"

// Status is the lifecycle state of a job record.
type Status string

// Job status constants.
const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMEDOUT"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// ActiveStatuses are the statuses the cleaner treats as still running.
var ActiveStatuses = []Status{StatusQueued, StatusProcessing}

// TerminalStatuses are the statuses eligible for retention cleanup.
var TerminalStatuses = []Status{StatusComplete, StatusCancelled, StatusFailed, StatusTimedOut}

// Kind discriminates the job variants.
type Kind string

// Job kinds.
const (
	KindQuery  Kind = "query"
	KindExport Kind = "export"
)

// ResultType is the serialized output kind of a job result.
type ResultType string

// Result types.
const (
	ResultTypeCSV  ResultType = "csv"
	ResultTypeJSON ResultType = "json"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusTimedOut:   true,
	},
	StatusProcessing: {
		StatusComplete:  true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Result describes the output of a completed job. Export jobs carry a
// storage reference, query jobs carry the formatted body inline.
type Result struct {
	Ref           string `json:"ref,omitempty"`
	Body          string `json:"body,omitempty"`
	RecordCount   int    `json:"record_count"`
	ContentLength int64  `json:"content_length"`
}

// Job is one submitted unit of asynchronous work.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Query       string     `json:"query"`
	ResultType  ResultType `json:"result_type,omitempty"`
	AsyncAfterS int        `json:"async_after_s"`
	Principal   string     `json:"principal"`
	RequestID   string     `json:"request_id,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of j. The executor and hooks hand copies across
// goroutines so the caller's record is never shared.
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// NewJob returns a QUEUED job of the given kind stamped with a fresh ID.
func NewJob(kind Kind, query, principal string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        NewID(),
		Kind:      kind,
		Status:    StatusQueued,
		Query:     query,
		Principal: principal,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
