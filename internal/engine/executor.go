package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/store"
)

var (
	// ErrQueueFull is returned by Submit when the execute backlog is full.
	ErrQueueFull = errors.New("execute queue is full")

	// ErrCancelled is the cancellation cause for a client cancel.
	ErrCancelled = errors.New("job cancelled")

	// ErrTimedOut is the cancellation cause used by the cleaner when a job
	// exceeds its maximum run time.
	ErrTimedOut = errors.New("job exceeded maximum run time")

	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("executor shutting down")

	// ErrNotTracked is returned by Wait for a non-terminal job this executor
	// is not running.
	ErrNotTracked = errors.New("job is not tracked by this executor")

	errRecordSettled = errors.New("job record already settled")
)

// maxErrorLen bounds the failure summary stored on a record.
const maxErrorLen = 1024

// Config sizes the executor's pools.
type Config struct {
	ExecuteWorkers int
	ExecuteBacklog int
	UpdateWorkers  int
	UpdateBacklog  int
	// UpdateTimeout bounds each status write.
	UpdateTimeout time.Duration
	// FinishedMemory is how many finished job IDs are remembered to reject
	// repeated submissions.
	FinishedMemory int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		ExecuteWorkers: 4,
		ExecuteBacklog: 64,
		UpdateWorkers:  2,
		UpdateBacklog:  256,
		UpdateTimeout:  5 * time.Second,
		FinishedMemory: 4096,
	}
}

// Executor runs submitted jobs on a fixed pool of execute workers and applies
// their status transitions through a keyed update pool.
type Executor struct {
	cfg    Config
	store  store.Store
	caps   *Capabilities
	broker *StatusBroker
	logger *slog.Logger

	registry *registry
	updates  *updatePool

	mu     sync.RWMutex
	closed bool
	tasks  chan *execution
	wg     sync.WaitGroup
}

// NewExecutor creates an executor. Call Start before submitting jobs.
func NewExecutor(cfg Config, s store.Store, caps *Capabilities, logger *slog.Logger) (*Executor, error) {
	def := DefaultConfig()
	if cfg.ExecuteWorkers < 1 {
		cfg.ExecuteWorkers = def.ExecuteWorkers
	}
	if cfg.ExecuteBacklog < 1 {
		cfg.ExecuteBacklog = def.ExecuteBacklog
	}
	if cfg.UpdateWorkers < 1 {
		cfg.UpdateWorkers = def.UpdateWorkers
	}
	if cfg.UpdateBacklog < 1 {
		cfg.UpdateBacklog = def.UpdateBacklog
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = def.UpdateTimeout
	}
	if cfg.FinishedMemory < 1 {
		cfg.FinishedMemory = def.FinishedMemory
	}

	reg, err := newRegistry(cfg.FinishedMemory)
	if err != nil {
		return nil, err
	}

	return &Executor{
		cfg:      cfg,
		store:    s,
		caps:     caps,
		broker:   NewStatusBroker(),
		logger:   logger,
		registry: reg,
		updates:  newUpdatePool(cfg.UpdateWorkers, cfg.UpdateBacklog),
		tasks:    make(chan *execution, cfg.ExecuteBacklog),
	}, nil
}

// Broker returns the executor's status broker for SSE subscription.
func (e *Executor) Broker() *StatusBroker {
	return e.broker
}

// Capabilities returns the registry of job kinds the executor can run.
func (e *Executor) Capabilities() *Capabilities {
	return e.caps
}

// Capability returns the capability registered for kind.
func (e *Executor) Capability(kind model.Kind) (Capability, bool) {
	return e.caps.Lookup(kind)
}

// InFlight returns the number of jobs queued or running.
func (e *Executor) InFlight() int {
	return e.registry.len()
}

// Start launches the execute and update workers.
func (e *Executor) Start() {
	e.updates.start()
	for range e.cfg.ExecuteWorkers {
		e.wg.Go(func() {
			for x := range e.tasks {
				executeQueueDepth.Dec()
				e.run(x)
			}
		})
	}
	e.logger.Info("executor started",
		"execute_workers", e.cfg.ExecuteWorkers,
		"execute_backlog", e.cfg.ExecuteBacklog,
		"update_workers", e.cfg.UpdateWorkers,
	)
}

// Submit queues job for execution. A job ID already in flight or finished
// recently is ignored. When the backlog is full the record is failed with a
// capacity reason and ErrQueueFull is returned.
func (e *Executor) Submit(job *model.Job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrShuttingDown
	}

	x, ok := e.registry.add(job)
	if !ok {
		e.logger.Debug("duplicate submission ignored", "job_id", job.ID)
		return nil
	}
	jobsSubmittedTotal.WithLabelValues(string(job.Kind)).Inc()

	select {
	case e.tasks <- x:
		executeQueueDepth.Inc()
		return nil
	default:
	}

	jobsRejectedTotal.WithLabelValues(string(job.Kind)).Inc()
	if e.registry.settle(x) {
		e.finalize(x, store.StatusUpdate{
			Status: model.StatusFailed,
			Error:  fmt.Sprintf("%s (capacity %d)", ErrQueueFull, e.cfg.ExecuteBacklog),
			At:     time.Now().UTC(),
		}, nil)
	}
	e.logger.Warn("execute queue full", "job_id", job.ID, "capacity", e.cfg.ExecuteBacklog)
	return ErrQueueFull
}

// Cancel requests cancellation of a queued or running job.
func (e *Executor) Cancel(id string) bool {
	return e.CancelWithCause(id, ErrCancelled)
}

// CancelWithCause cancels a job with the given cause. A queued job is
// removed without running. A running job is signalled through its context
// and its worker records the outcome. It reports whether the job was in a
// cancellable state.
func (e *Executor) CancelWithCause(id string, cause error) bool {
	x, delivered, settleQueued := e.registry.cancel(id, cause)
	if !delivered {
		return false
	}
	e.logger.Info("cancel requested", "job_id", id, "cause", cause)

	if settleQueued {
		e.finalize(x, cancelUpdate(cause), nil)
	}
	return true
}

// Wait blocks until the job's final status write has been applied and returns
// the persisted record.
func (e *Executor) Wait(ctx context.Context, id string) (*model.Job, error) {
	x, ok := e.registry.get(id)
	if !ok {
		j, err := e.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		return j, ErrNotTracked
	}

	select {
	case <-x.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if x.final != nil {
		return x.final.Clone(), nil
	}
	return e.store.GetJob(ctx, id)
}

// Shutdown stops accepting jobs, fails queued and running ones, and waits
// for both pools to drain or ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	for _, id := range e.registry.snapshot() {
		e.CancelWithCause(id, ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.updates.close()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

// run executes one job on an execute worker.
func (e *Executor) run(x *execution) {
	if !e.registry.start(x) {
		return
	}
	job := x.job

	// The PROCESSING write is queued, not awaited, so a slow store cannot
	// hold an execute worker. Per-job FIFO order keeps it ahead of the
	// terminal write.
	x.startAt = time.Now().UTC()
	e.updates.submit(job.ID, func() { e.markProcessing(x) })

	capability, ok := e.caps.Lookup(job.Kind)
	if !ok || capability.Strategy == nil {
		e.registry.settle(x)
		e.finalize(x, store.StatusUpdate{
			Status: model.StatusFailed,
			Error:  fmt.Sprintf("no strategy for %s jobs", job.Kind),
			At:     time.Now().UTC(),
		}, nil)
		return
	}

	e.logger.Info("job started", "job_id", job.ID, "kind", job.Kind)
	start := time.Now()
	jobsRunning.Inc()
	x.ran.Store(true)
	result, err := capability.Strategy.Execute(x.ctx, job.Clone())
	jobsRunning.Dec()
	jobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	e.registry.settle(x)
	now := time.Now().UTC()

	switch {
	case err == nil && result != nil:
		e.finalize(x, store.StatusUpdate{Status: model.StatusComplete, Result: result, At: now}, capability.Strategy)
	case err == nil:
		e.finalize(x, store.StatusUpdate{Status: model.StatusFailed, Error: "strategy returned no result", At: now}, nil)
	case x.ctx.Err() != nil:
		u := cancelUpdate(context.Cause(x.ctx))
		u.At = now
		e.finalize(x, u, nil)
	default:
		e.finalize(x, store.StatusUpdate{Status: model.StatusFailed, Error: truncate(err.Error()), At: now}, nil)
	}
}

// markProcessing applies the QUEUED to PROCESSING transition. A record that
// is already terminal or gone stops the running strategy.
func (e *Executor) markProcessing(x *execution) {
	id := x.job.ID
	_, err := e.write(id, store.StatusUpdate{Status: model.StatusProcessing, At: x.startAt})
	switch {
	case err == nil:
		x.started.Store(true)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		e.logger.Info("record settled before start, stopping job", "job_id", id, "error", err)
		x.cancel(errRecordSettled)
	default:
		e.logger.Warn("could not mark job processing", "job_id", id, "error", err)
	}
}

// finalize schedules the terminal write for x on the update pool. When a
// COMPLETE write is rejected because the record was forced terminal, the
// stored output is discarded through strategy.
func (e *Executor) finalize(x *execution, u store.StatusUpdate, strategy Strategy) {
	id := x.job.ID
	e.updates.submit(id, func() {
		if x.ran.Load() && !x.started.Load() {
			// The start write failed; retry it so COMPLETE is reachable.
			e.markProcessing(x)
		}
		final, err := e.write(id, u)
		if err != nil && !x.started.Load() && !errors.Is(err, store.ErrNotFound) {
			final, err = e.failUnstarted(id, err)
		}
		if u.Result != nil && strategy != nil && (err != nil || final.Status != model.StatusComplete) {
			e.discard(id, u.Result, strategy)
		}
		if err != nil {
			e.logger.Warn("final status write rejected",
				"job_id", id,
				"status", u.Status,
				"error", err,
			)
			e.release(x)
			return
		}

		jobsFinishedTotal.WithLabelValues(string(x.job.Kind), string(final.Status)).Inc()
		e.logger.Info("job finished",
			"job_id", id,
			"kind", x.job.Kind,
			"status", final.Status,
		)
		e.registry.finish(x, final)
	})
}

func (e *Executor) discard(id string, result *model.Result, strategy Strategy) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.UpdateTimeout)
	defer cancel()
	if err := strategy.Discard(ctx, result); err != nil {
		e.logger.Error("discard orphaned result", "job_id", id, "error", err)
	}
}

// failUnstarted records FAILED for a job whose PROCESSING write never
// landed. A record that is already terminal keeps its status.
func (e *Executor) failUnstarted(id string, cause error) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.UpdateTimeout)
	cur, err := e.store.GetJob(ctx, id)
	cancel()
	if err != nil || cur.Status.Terminal() {
		return nil, cause
	}
	return e.write(id, store.StatusUpdate{
		Status: model.StatusFailed,
		Error:  truncate("failed to start: " + cause.Error()),
		At:     time.Now().UTC(),
	})
}

// release drops x from the registry after reading back whatever the store holds.
func (e *Executor) release(x *execution) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.UpdateTimeout)
	defer cancel()
	final, err := e.store.GetJob(ctx, x.job.ID)
	if err != nil {
		final = nil
	}
	if final != nil {
		e.broker.Publish(final)
	}
	e.registry.finish(x, final)
}

// write applies one status update in its own bounded transaction.
func (e *Executor) write(id string, u store.StatusUpdate) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.UpdateTimeout)
	defer cancel()

	j, err := e.store.UpdateJobStatus(ctx, id, u)
	if err != nil {
		return nil, err
	}
	e.broker.Publish(j)
	return j, nil
}

func cancelUpdate(cause error) store.StatusUpdate {
	switch {
	case errors.Is(cause, ErrTimedOut):
		return store.StatusUpdate{Status: model.StatusTimedOut, Error: ErrTimedOut.Error(), At: time.Now().UTC()}
	case errors.Is(cause, ErrShuttingDown):
		return store.StatusUpdate{Status: model.StatusFailed, Error: ErrShuttingDown.Error(), At: time.Now().UTC()}
	default:
		return store.StatusUpdate{Status: model.StatusCancelled, Error: ErrCancelled.Error(), At: time.Now().UTC()}
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
