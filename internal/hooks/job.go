// Package hooks binds the executor into the job create lifecycle.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/quarry/internal/engine"
	"github.com/seantiz/quarry/internal/lifecycle"
	"github.com/seantiz/quarry/internal/model"
)

// Executor is the part of the engine the hook drives.
type Executor interface {
	Capability(kind model.Kind) (engine.Capability, bool)
	Submit(job *model.Job) error
	Wait(ctx context.Context, id string) (*model.Job, error)
}

// JobHook validates, prepares and submits jobs of one kind.
type JobHook struct {
	kind          model.Kind
	exec          Executor
	maxAsyncAfter time.Duration
	logger        *slog.Logger
}

// NewJobHook returns the hook for kind. maxAsyncAfter caps the synchronous
// wait a client may request.
func NewJobHook(kind model.Kind, exec Executor, maxAsyncAfter time.Duration, logger *slog.Logger) *JobHook {
	return &JobHook{kind: kind, exec: exec, maxAsyncAfter: maxAsyncAfter, logger: logger}
}

// Bind registers one hook per kind at every create phase.
func Bind(dict *lifecycle.Dictionary, kinds []model.Kind, exec Executor, maxAsyncAfter time.Duration, logger *slog.Logger) {
	for _, kind := range kinds {
		h := NewJobHook(kind, exec, maxAsyncAfter, logger)
		dict.BindTrigger(kind, lifecycle.OperationCreate, lifecycle.PhasePreSecurity, h)
		dict.BindTrigger(kind, lifecycle.OperationCreate, lifecycle.PhasePreFlush, h)
		dict.BindTrigger(kind, lifecycle.OperationCreate, lifecycle.PhasePostCommit, h)
	}
}

func (h *JobHook) OnPhase(ctx context.Context, phase lifecycle.Phase, job *model.Job, _ *lifecycle.Scope) error {
	switch phase {
	case lifecycle.PhasePreSecurity:
		return h.validate(job)
	case lifecycle.PhasePreFlush:
		return h.prepare(job)
	case lifecycle.PhasePostCommit:
		h.submit(ctx, job)
	}
	return nil
}

func (h *JobHook) validate(job *model.Job) error {
	if job.Kind != h.kind {
		return &lifecycle.ValidationError{Field: "kind", Message: fmt.Sprintf("expected %s job, got %s", h.kind, job.Kind)}
	}
	c, ok := h.exec.Capability(job.Kind)
	if !ok || !c.Enabled {
		return &lifecycle.ValidationError{Message: fmt.Sprintf("%s jobs are not supported", job.Kind)}
	}
	if job.Status != model.StatusQueued {
		return &lifecycle.ValidationError{Field: "status", Message: "new jobs must be QUEUED"}
	}
	if strings.TrimSpace(job.Query) == "" {
		return &lifecycle.ValidationError{Field: "query", Message: "query is required"}
	}
	if err := c.Check(job); err != nil {
		field := "query"
		if job.ResultType != "" && !containsType(c.ResultTypes, job.ResultType) {
			field = "result_type"
		}
		return &lifecycle.ValidationError{Field: field, Message: err.Error()}
	}
	maxS := int(h.maxAsyncAfter / time.Second)
	if job.AsyncAfterS < 0 || job.AsyncAfterS > maxS {
		return &lifecycle.ValidationError{
			Field:   "async_after_s",
			Message: fmt.Sprintf("must be between 0 and %d", maxS),
		}
	}
	return nil
}

func (h *JobHook) prepare(job *model.Job) error {
	c, ok := h.exec.Capability(job.Kind)
	if !ok {
		return fmt.Errorf("no capability for %s jobs", job.Kind)
	}
	c.Prepare(job)
	return nil
}

// submit hands the committed job to the executor. With AsyncAfterS set it
// waits that long and copies the final record into job.
func (h *JobHook) submit(ctx context.Context, job *model.Job) {
	if err := h.exec.Submit(job); err != nil {
		// Queue-full rejections are already recorded on the job.
		h.logger.Warn("job submission rejected", "job_id", job.ID, "kind", job.Kind, "error", err)
		if !errors.Is(err, engine.ErrQueueFull) {
			return
		}
	}
	if job.AsyncAfterS <= 0 {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(job.AsyncAfterS)*time.Second)
	defer cancel()
	final, err := h.exec.Wait(waitCtx, job.ID)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			h.logger.Warn("synchronous wait failed", "job_id", job.ID, "error", err)
		}
		return
	}
	*job = *final.Clone()
}

func containsType(types []model.ResultType, rt model.ResultType) bool {
	for _, t := range types {
		if t == rt {
			return true
		}
	}
	return false
}
