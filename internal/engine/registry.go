package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/seantiz/quarry/internal/model"
)

type execState int

const (
	stateQueued execState = iota
	stateRunning
	// stateFinishing means the final status write has been scheduled.
	stateFinishing
)

// execution is the in-flight record of one submitted job.
type execution struct {
	job    *model.Job
	ctx    context.Context
	cancel context.CancelCauseFunc
	state  execState
	done   chan struct{}
	final  *model.Job

	// ran is set once the strategy has been invoked, started once the
	// PROCESSING write has been applied.
	ran     atomic.Bool
	started atomic.Bool
	startAt time.Time
}

// registry tracks in-flight executions by job ID and remembers recently
// finished ones so that a repeated submission cannot run a job twice.
type registry struct {
	mu       sync.Mutex
	inflight map[string]*execution
	finished *lru.Cache[string, *execution]
}

func newRegistry(finishedMemory int) (*registry, error) {
	if finishedMemory < 1 {
		finishedMemory = 1
	}
	finished, err := lru.New[string, *execution](finishedMemory)
	if err != nil {
		return nil, fmt.Errorf("create finished cache: %w", err)
	}
	return &registry{
		inflight: make(map[string]*execution),
		finished: finished,
	}, nil
}

// add registers job. It reports false if the ID is already in flight or
// finished recently.
func (r *registry) add(job *model.Job) (*execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inflight[job.ID]; ok {
		return nil, false
	}
	if r.finished.Contains(job.ID) {
		return nil, false
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	x := &execution{
		job:    job.Clone(),
		ctx:    ctx,
		cancel: cancel,
		state:  stateQueued,
		done:   make(chan struct{}),
	}
	r.inflight[job.ID] = x
	return x, true
}

func (r *registry) get(id string) (*execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, ok := r.inflight[id]; ok {
		return x, true
	}
	return r.finished.Get(id)
}

// start moves x from queued to running. It reports false if x was cancelled
// while it waited in the queue.
func (r *registry) start(x *execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x.state != stateQueued {
		return false
	}
	x.state = stateRunning
	return true
}

// settle marks that the final write for x is being scheduled. It reports
// false if another path already did so.
func (r *registry) settle(x *execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x.state == stateFinishing {
		return false
	}
	x.state = stateFinishing
	return true
}

// cancel signals x with cause. A queued execution is settled here and the
// returned flag tells the caller to schedule its final write.
func (r *registry) cancel(id string, cause error) (x *execution, delivered, settleQueued bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	x, ok := r.inflight[id]
	if !ok {
		return nil, false, false
	}
	switch x.state {
	case stateQueued:
		x.state = stateFinishing
		x.cancel(cause)
		return x, true, true
	case stateRunning:
		x.cancel(cause)
		return x, true, false
	}
	return x, false, false
}

// snapshot returns the IDs currently in flight.
func (r *registry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	return ids
}

// finish records the persisted final state and releases waiters.
func (r *registry) finish(x *execution, final *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.inflight[x.job.ID]; ok && cur == x {
		delete(r.inflight, x.job.ID)
	}
	x.final = final
	x.cancel(nil)
	r.finished.Add(x.job.ID, x)
	close(x.done)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
