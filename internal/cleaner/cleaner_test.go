package cleaner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/quarry/internal/engine"
	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/resultstore"
	"github.com/seantiz/quarry/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveJob(t *testing.T, s store.Store, kind model.Kind, createdAt time.Time) *model.Job {
	t.Helper()
	ctx := context.Background()
	j := model.NewJob(kind, "SELECT 1", "alice")
	j.CreatedAt = createdAt
	j.UpdatedAt = createdAt

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveJob(ctx, j))
	require.NoError(t, tx.Commit())
	return j
}

// completeJob saves an export job finished at at, with its result in results.
func completeJob(t *testing.T, s store.Store, results resultstore.Storage, at time.Time) *model.Job {
	t.Helper()
	ctx := context.Background()
	j := saveJob(t, s, model.KindExport, at)

	ref, err := results.Store(ctx, j.ID, ".csv", []byte("n\n1\n"))
	require.NoError(t, err)

	_, err = s.UpdateJobStatus(ctx, j.ID, store.StatusUpdate{Status: model.StatusProcessing, At: at})
	require.NoError(t, err)
	done, err := s.UpdateJobStatus(ctx, j.ID, store.StatusUpdate{
		Status: model.StatusComplete,
		Result: &model.Result{Ref: ref, RecordCount: 1},
		At:     at,
	})
	require.NoError(t, err)
	return done
}

// ackCanceller stands in for an executor that records TIMEDOUT when asked.
type ackCanceller struct {
	store  store.Store
	broker *engine.StatusBroker

	mu        sync.Mutex
	cancelled []string
}

func (a *ackCanceller) CancelWithCause(id string, cause error) bool {
	a.mu.Lock()
	a.cancelled = append(a.cancelled, id)
	a.mu.Unlock()
	return errors.Is(cause, engine.ErrTimedOut)
}

func (a *ackCanceller) Wait(ctx context.Context, id string) (*model.Job, error) {
	return a.store.UpdateJobStatus(ctx, id, store.StatusUpdate{
		Status: model.StatusTimedOut,
		Error:  "stopped by executor",
	})
}

func (a *ackCanceller) Broker() *engine.StatusBroker { return a.broker }

// silentCanceller is an executor that tracks no jobs.
type silentCanceller struct{}

func (silentCanceller) CancelWithCause(string, error) bool { return false }
func (silentCanceller) Wait(context.Context, string) (*model.Job, error) {
	return nil, engine.ErrNotTracked
}
func (silentCanceller) Broker() *engine.StatusBroker { return engine.NewStatusBroker() }

// stuckCanceller accepts every cancel but never records a stop.
type stuckCanceller struct {
	broker *engine.StatusBroker
}

func (stuckCanceller) CancelWithCause(string, error) bool { return true }
func (stuckCanceller) Wait(ctx context.Context, _ string) (*model.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s stuckCanceller) Broker() *engine.StatusBroker { return s.broker }

// finishingCanceller reports that each signalled job completed on its own.
type finishingCanceller struct {
	silentCanceller
	store store.Store
}

func (finishingCanceller) CancelWithCause(string, error) bool { return true }
func (f finishingCanceller) Wait(ctx context.Context, id string) (*model.Job, error) {
	return f.store.UpdateJobStatus(ctx, id, store.StatusUpdate{
		Status: model.StatusComplete,
		Result: &model.Result{Body: "[]"},
	})
}

type failingStorage struct {
	resultstore.Storage
	failRef string
}

func (f *failingStorage) Delete(ctx context.Context, ref string) (bool, error) {
	if ref == f.failRef {
		return false, errors.New("bucket unavailable")
	}
	return f.Storage.Delete(ctx, ref)
}

func TestTimeoutScanForcesUntrackedJob(t *testing.T) {
	s := newTestStore(t)
	old := saveJob(t, s, model.KindQuery, time.Now().UTC().Add(-2*time.Hour))
	fresh := saveJob(t, s, model.KindQuery, time.Now().UTC())

	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second}, s, nil, silentCanceller{}, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	got, err := s.GetJob(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)
	assert.Equal(t, engine.ErrTimedOut.Error(), got.Error)
	assert.Nil(t, got.Result)

	got, err = s.GetJob(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestTimeoutScanPrefersExecutorAck(t *testing.T) {
	s := newTestStore(t)
	old := saveJob(t, s, model.KindQuery, time.Now().UTC().Add(-2*time.Hour))
	_, err := s.UpdateJobStatus(context.Background(), old.ID, store.StatusUpdate{Status: model.StatusProcessing})
	require.NoError(t, err)

	exec := &ackCanceller{store: s, broker: engine.NewStatusBroker()}
	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second}, s, nil, exec, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	assert.Equal(t, []string{old.ID}, exec.cancelled)
	got, err := s.GetJob(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)
	assert.Equal(t, "stopped by executor", got.Error, "executor's write is kept")
}

func TestRetentionDeletesResultThenRecord(t *testing.T) {
	s := newTestStore(t)
	files, err := resultstore.NewFile(t.TempDir(), true)
	require.NoError(t, err)

	old := completeJob(t, s, files, time.Now().UTC().Add(-48*time.Hour))
	recent := completeJob(t, s, files, time.Now().UTC())

	c := New(Config{Retention: 24 * time.Hour, Interval: time.Second}, s, files, silentCanceller{}, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	_, err = s.GetJob(context.Background(), old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = files.Retrieve(context.Background(), old.Result.Ref)
	assert.ErrorIs(t, err, resultstore.ErrNotFound)

	_, err = s.GetJob(context.Background(), recent.ID)
	assert.NoError(t, err)
	_, err = files.Retrieve(context.Background(), recent.Result.Ref)
	assert.NoError(t, err)

	// A second pass finds nothing left to do.
	require.NoError(t, c.Tick(context.Background()))
	deleted, err := s.DeleteJob(context.Background(), old.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRetentionKeepsRecordWhenResultDeleteFails(t *testing.T) {
	s := newTestStore(t)
	files, err := resultstore.NewFile(t.TempDir(), true)
	require.NoError(t, err)

	at := time.Now().UTC().Add(-48 * time.Hour)
	jobs := []*model.Job{
		completeJob(t, s, files, at),
		completeJob(t, s, files, at),
		completeJob(t, s, files, at),
	}
	results := &failingStorage{Storage: files, failRef: jobs[1].Result.Ref}

	c := New(Config{Retention: 24 * time.Hour, Interval: time.Second, Concurrency: 1}, s, results, silentCanceller{}, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	_, err = s.GetJob(context.Background(), jobs[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(context.Background(), jobs[2].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	kept, err := s.GetJob(context.Background(), jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, jobs[1].Result.Ref, kept.Result.Ref)
}

func TestRetentionSkipsInlineResults(t *testing.T) {
	s := newTestStore(t)
	at := time.Now().UTC().Add(-48 * time.Hour)
	j := saveJob(t, s, model.KindQuery, at)
	_, err := s.UpdateJobStatus(context.Background(), j.ID, store.StatusUpdate{Status: model.StatusFailed, Error: "boom", At: at})
	require.NoError(t, err)

	c := New(Config{Retention: 24 * time.Hour, Interval: time.Second}, s, nil, silentCanceller{}, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	_, err = s.GetJob(context.Background(), j.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	old := saveJob(t, s, model.KindQuery, time.Now().UTC().Add(-2*time.Hour))

	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second}, s, nil, silentCanceller{}, testLogger())
	c.Start()

	require.Eventually(t, func() bool {
		got, err := s.GetJob(context.Background(), old.ID)
		return err == nil && got.Status == model.StatusTimedOut
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
}

func TestTimeoutScanForcesManyUnacknowledgedJobs(t *testing.T) {
	s := newTestStore(t)
	created := time.Now().UTC().Add(-2 * time.Hour)

	var stuck []*model.Job
	for range 12 {
		j := saveJob(t, s, model.KindQuery, created)
		_, err := s.UpdateJobStatus(context.Background(), j.ID, store.StatusUpdate{Status: model.StatusProcessing, At: created})
		require.NoError(t, err)
		stuck = append(stuck, j)
	}
	expired := saveJob(t, s, model.KindQuery, created)
	_, err := s.UpdateJobStatus(context.Background(), expired.ID, store.StatusUpdate{Status: model.StatusFailed, Error: "boom", At: created})
	require.NoError(t, err)

	cfg := Config{
		MaxRunTime:  time.Hour,
		Retention:   time.Hour,
		Interval:    time.Second,
		AckTimeout:  200 * time.Millisecond,
		Concurrency: 2,
	}
	c := New(cfg, s, nil, stuckCanceller{broker: engine.NewStatusBroker()}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Tick(ctx))
	assert.Less(t, time.Since(start), cfg.Interval)

	for _, j := range stuck {
		got, err := s.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusTimedOut, got.Status, "job %s", j.ID)
	}
	_, err = s.GetJob(context.Background(), expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestForcedTimeoutIsPublished(t *testing.T) {
	s := newTestStore(t)
	old := saveJob(t, s, model.KindQuery, time.Now().UTC().Add(-2*time.Hour))

	exec := stuckCanceller{broker: engine.NewStatusBroker()}
	updates, unsubscribe := exec.broker.Subscribe(old.ID)
	defer unsubscribe()

	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second, AckTimeout: 50 * time.Millisecond}, s, nil, exec, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	select {
	case got, ok := <-updates:
		require.True(t, ok)
		assert.Equal(t, model.StatusTimedOut, got.Status)
	case <-time.After(time.Second):
		t.Fatal("forced TIMEDOUT was not published")
	}
	_, open := <-updates
	assert.False(t, open, "terminal publish closes the subscription")
}

func TestAcknowledgedCompletionIsNotCountedAsTimeout(t *testing.T) {
	s := newTestStore(t)
	old := saveJob(t, s, model.KindQuery, time.Now().UTC().Add(-2*time.Hour))
	_, err := s.UpdateJobStatus(context.Background(), old.ID, store.StatusUpdate{Status: model.StatusProcessing})
	require.NoError(t, err)

	before := counterValue(t, jobsTimedOutTotal)
	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second}, s, nil, finishingCanceller{store: s}, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	got, err := s.GetJob(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Equal(t, before, counterValue(t, jobsTimedOutTotal))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// stubbornStrategy ignores cancellation and succeeds once released.
type stubbornStrategy struct {
	started chan struct{}
	release chan struct{}

	mu        sync.Mutex
	discarded []*model.Result
}

func (s *stubbornStrategy) Execute(context.Context, *model.Job) (*model.Result, error) {
	close(s.started)
	<-s.release
	return &model.Result{Ref: "late.csv", RecordCount: 1}, nil
}

func (s *stubbornStrategy) Discard(_ context.Context, r *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, r)
	return nil
}

func TestOverdueJobEndsTimedOutEvenIfWorkSucceeds(t *testing.T) {
	s := newTestStore(t)
	strategy := &stubbornStrategy{started: make(chan struct{}), release: make(chan struct{})}
	caps := engine.NewCapabilities()
	caps.Register(engine.Capability{
		Kind:        model.KindExport,
		Enabled:     true,
		ResultTypes: []model.ResultType{model.ResultTypeCSV},
		Strategy:    strategy,
	})
	exec, err := engine.NewExecutor(engine.Config{}, s, caps, testLogger())
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})

	job := saveJob(t, s, model.KindExport, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, exec.Submit(job))
	select {
	case <-strategy.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	c := New(Config{MaxRunTime: time.Hour, Interval: time.Second, AckTimeout: 100 * time.Millisecond}, s, nil, exec, testLogger())
	require.NoError(t, c.Tick(context.Background()))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusTimedOut, got.Status)

	close(strategy.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := exec.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, final.Status)
	assert.Nil(t, final.Result)

	require.NoError(t, c.Tick(context.Background()))
	got, err = s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)

	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	require.Len(t, strategy.discarded, 1)
	assert.Equal(t, "late.csv", strategy.discarded[0].Ref)
}
