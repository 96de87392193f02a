// Package cleaner periodically times out overdue jobs and removes records
// past their retention window.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/quarry/internal/engine"
	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/resultstore"
	"github.com/seantiz/quarry/internal/store"
)

// Config controls the cleaner's scans.
type Config struct {
	// MaxRunTime is how long a job may stay QUEUED or PROCESSING, measured
	// from creation.
	MaxRunTime time.Duration
	// Retention is how long a terminal record is kept after its last update.
	Retention time.Duration
	Interval  time.Duration
	// AckTimeout bounds how long a timeout scan waits for the executor to
	// record a cooperative stop before forcing the status.
	AckTimeout  time.Duration
	Concurrency int
}

// Canceller is the part of the executor the cleaner signals. Forced
// transitions are published on its broker.
type Canceller interface {
	CancelWithCause(id string, cause error) bool
	Wait(ctx context.Context, id string) (*model.Job, error)
	Broker() *engine.StatusBroker
}

// Cleaner runs the timeout and retention scans on a schedule.
type Cleaner struct {
	cfg     Config
	store   store.Store
	results resultstore.Storage
	exec    Canceller
	logger  *slog.Logger
	cron    *cron.Cron

	// runCtx is handed to scheduled ticks and cancelled when Stop gives up.
	runCtx context.Context
	abort  context.CancelFunc
}

// New creates a Cleaner. results may be nil when no export results are stored.
func New(cfg Config, s store.Store, results resultstore.Storage, exec Canceller, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = cfg.Interval / 2
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	cl := cronLogger{logger}
	runCtx, abort := context.WithCancel(context.Background())
	return &Cleaner{
		cfg:     cfg,
		store:   s,
		results: results,
		exec:    exec,
		logger:  logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runCtx: runCtx,
		abort:  abort,
	}
}

// Start schedules Tick every Interval.
func (c *Cleaner) Start() {
	c.cron.Schedule(cron.Every(c.cfg.Interval), cron.FuncJob(func() {
		if err := c.Tick(c.runCtx); err != nil {
			c.logger.Warn("cleaner tick finished with errors", "error", err)
		}
	}))
	c.cron.Start()
	c.logger.Info("cleaner started",
		"interval", c.cfg.Interval,
		"max_run_time", c.cfg.MaxRunTime,
		"retention", c.cfg.Retention,
	)
}

// Stop stops scheduling and waits for a running tick. If ctx expires first
// the running tick is aborted.
func (c *Cleaner) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	defer c.abort()
	select {
	case <-done.Done():
		c.logger.Info("cleaner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleaner stop: %w", ctx.Err())
	}
}

// Tick runs one timeout scan followed by one retention scan. The retention
// scan runs even when the timeout scan fails.
func (c *Cleaner) Tick(ctx context.Context) error {
	var errs []error
	if c.cfg.MaxRunTime > 0 {
		if err := c.timeoutScan(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cfg.Retention > 0 {
		if err := c.retentionScan(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timeoutScan signals every overdue job, waits at most AckTimeout in total
// for the executor to record their stop, then forces the rest to TIMEDOUT.
func (c *Cleaner) timeoutScan(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.cfg.MaxRunTime)
	jobs, err := c.store.ListActiveCreatedBefore(ctx, cutoff)
	if err != nil {
		scanErrorsTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("list overdue jobs: %w", err)
	}

	var signalled, force []*model.Job
	for _, j := range jobs {
		if c.exec != nil && c.exec.CancelWithCause(j.ID, engine.ErrTimedOut) {
			signalled = append(signalled, j)
		} else {
			force = append(force, j)
		}
	}
	force = append(force, c.awaitAcks(ctx, signalled)...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, j := range force {
		g.Go(func() error {
			c.forceTimeout(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

// awaitAcks waits for signalled jobs under one shared AckTimeout deadline and
// returns those that did not reach a terminal status in time.
func (c *Cleaner) awaitAcks(ctx context.Context, signalled []*model.Job) []*model.Job {
	if len(signalled) == 0 {
		return nil
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		pending []*model.Job
		g       errgroup.Group
	)
	for _, j := range signalled {
		g.Go(func() error {
			final, err := c.exec.Wait(ackCtx, j.ID)
			if err != nil || final == nil || !final.Status.Terminal() {
				mu.Lock()
				pending = append(pending, j)
				mu.Unlock()
				return nil
			}
			if final.Status == model.StatusTimedOut {
				jobsTimedOutTotal.Inc()
				c.logger.Info("job timed out", "job_id", j.ID)
			} else {
				c.logger.Debug("job finished before timeout took effect", "job_id", j.ID, "status", final.Status)
			}
			return nil
		})
	}
	g.Wait()
	return pending
}

// forceTimeout writes TIMEDOUT at the persistence level and publishes the
// record to status subscribers.
func (c *Cleaner) forceTimeout(ctx context.Context, j *model.Job) {
	forced, err := c.store.ForceStatus(ctx, j.ID, store.StatusUpdate{
		Status: model.StatusTimedOut,
		Error:  engine.ErrTimedOut.Error(),
		At:     time.Now().UTC(),
	})
	if err != nil {
		scanErrorsTotal.WithLabelValues("timeout").Inc()
		c.logger.Error("force timeout", "job_id", j.ID, "error", err)
		return
	}
	if !forced {
		return
	}
	jobsTimedOutTotal.Inc()
	c.logger.Warn("job forced to TIMEDOUT", "job_id", j.ID, "created_at", j.CreatedAt)

	if c.exec == nil {
		return
	}
	rec, err := c.store.GetJob(ctx, j.ID)
	if err != nil {
		c.logger.Warn("read forced record", "job_id", j.ID, "error", err)
		return
	}
	c.exec.Broker().Publish(rec)
}

func (c *Cleaner) retentionScan(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.cfg.Retention)
	jobs, err := c.store.ListTerminalUpdatedBefore(ctx, cutoff)
	if err != nil {
		scanErrorsTotal.WithLabelValues("retention").Inc()
		return fmt.Errorf("list expired jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			c.purge(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

// purge deletes j's stored result, then the record. A failed result delete
// keeps the record so the next scan retries it.
func (c *Cleaner) purge(ctx context.Context, j *model.Job) {
	if j.Result != nil && j.Result.Ref != "" && c.results != nil {
		if _, err := c.results.Delete(ctx, j.Result.Ref); err != nil {
			scanErrorsTotal.WithLabelValues("retention").Inc()
			c.logger.Warn("delete result failed, keeping record",
				"job_id", j.ID,
				"ref", j.Result.Ref,
				"error", err,
			)
			return
		}
	}

	deleted, err := c.store.DeleteJob(ctx, j.ID)
	if err != nil {
		scanErrorsTotal.WithLabelValues("retention").Inc()
		c.logger.Error("delete job record", "job_id", j.ID, "error", err)
		return
	}
	if deleted {
		jobsDeletedTotal.Inc()
		c.logger.Debug("job record deleted", "job_id", j.ID, "status", j.Status)
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
