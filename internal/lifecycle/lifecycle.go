// Package lifecycle runs the host's create protocol for job records.
//
// A record is created in three phases around a single transaction:
// PreSecurity and PreFlush hooks run inside the open transaction and can
// abort it; PostCommit hooks run only after the commit is durable. Hooks are
// bound per kind, operation and phase in a Dictionary.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/store"
)

// Phase is a point in the create sequence at which hooks fire.
type Phase int

const (
	PhasePreSecurity Phase = iota
	PhasePreFlush
	PhasePostCommit
)

func (p Phase) String() string {
	switch p {
	case PhasePreSecurity:
		return "PRESECURITY"
	case PhasePreFlush:
		return "PREFLUSH"
	case PhasePostCommit:
		return "POSTCOMMIT"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Operation is the record operation a hook is bound to.
type Operation string

const OperationCreate Operation = "CREATE"

// Scope carries per-request context to hooks.
type Scope struct {
	Principal string
	// Tx is the open host transaction. It is nil during PostCommit.
	Tx store.Tx
}

// Hook reacts to a lifecycle phase for a job record.
type Hook interface {
	OnPhase(ctx context.Context, phase Phase, job *model.Job, scope *Scope) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, phase Phase, job *model.Job, scope *Scope) error

func (f HookFunc) OnPhase(ctx context.Context, phase Phase, job *model.Job, scope *Scope) error {
	return f(ctx, phase, job, scope)
}

// ValidationError rejects a record before it is saved.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type triggerKey struct {
	kind  model.Kind
	op    Operation
	phase Phase
}

// Dictionary holds the hooks bound to each (kind, operation, phase).
type Dictionary struct {
	mu       sync.RWMutex
	triggers map[triggerKey][]Hook
}

// NewDictionary creates an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{triggers: make(map[triggerKey][]Hook)}
}

// BindTrigger registers h to fire for kind at phase of op. Hooks fire in
// registration order.
func (d *Dictionary) BindTrigger(kind model.Kind, op Operation, phase Phase, h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := triggerKey{kind, op, phase}
	d.triggers[k] = append(d.triggers[k], h)
}

// Triggers returns the hooks bound to (kind, op, phase).
func (d *Dictionary) Triggers(kind model.Kind, op Operation, phase Phase) []Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hooks := d.triggers[triggerKey{kind, op, phase}]
	out := make([]Hook, len(hooks))
	copy(out, hooks)
	return out
}

// Creator runs the three-phase create sequence.
type Creator struct {
	store  store.Store
	dict   *Dictionary
	logger *slog.Logger
}

// NewCreator returns a Creator saving records to s and firing hooks from dict.
func NewCreator(s store.Store, dict *Dictionary, logger *slog.Logger) *Creator {
	return &Creator{store: s, dict: dict, logger: logger}
}

// Create persists job. Errors from PreSecurity or PreFlush hooks, the save,
// or the commit roll back the transaction and are returned. PostCommit hook
// errors are logged and never returned: the record already exists.
func (c *Creator) Create(ctx context.Context, job *model.Job, principal string) error {
	if job.Principal == "" {
		job.Principal = principal
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	scope := &Scope{Principal: principal, Tx: tx}

	if err := c.fire(ctx, PhasePreSecurity, job, scope); err != nil {
		tx.Rollback()
		return err
	}
	if err := c.fire(ctx, PhasePreFlush, job, scope); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.SaveJob(ctx, job); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return err
	}

	scope.Tx = nil
	for _, h := range c.dict.Triggers(job.Kind, OperationCreate, PhasePostCommit) {
		if err := h.OnPhase(ctx, PhasePostCommit, job, scope); err != nil {
			c.logger.Error("post-commit hook failed",
				"job_id", job.ID,
				"kind", job.Kind,
				"error", err,
			)
		}
	}
	return nil
}

func (c *Creator) fire(ctx context.Context, phase Phase, job *model.Job, scope *Scope) error {
	for _, h := range c.dict.Triggers(job.Kind, OperationCreate, phase) {
		if err := h.OnPhase(ctx, phase, job, scope); err != nil {
			return fmt.Errorf("%s hook: %w", phase, err)
		}
	}
	return nil
}
