package engine

import (
	"hash/fnv"
	"sync"
)

// updatePool applies status writes. Each worker owns a FIFO queue and a job
// ID always hashes to the same worker, so writes for one job are applied in
// submission order while writes for different jobs proceed in parallel.
type updatePool struct {
	mu     sync.RWMutex
	closed bool
	queues []chan func()
	wg     sync.WaitGroup
}

func newUpdatePool(workers, backlog int) *updatePool {
	if workers < 1 {
		workers = 1
	}
	if backlog < 1 {
		backlog = 1
	}
	p := &updatePool{queues: make([]chan func(), workers)}
	for i := range p.queues {
		p.queues[i] = make(chan func(), backlog)
	}
	return p
}

func (p *updatePool) start() {
	for _, q := range p.queues {
		p.wg.Go(func() {
			for fn := range q {
				fn()
			}
		})
	}
}

// submit enqueues fn on the worker owning key, blocking while that queue is
// full. Once the pool is closed fn runs on the caller's goroutine.
func (p *updatePool) submit(key string, fn func()) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		fn()
		return
	}
	p.queues[p.index(key)] <- fn
	p.mu.RUnlock()
}

// do runs fn on the worker owning key and waits for it.
func (p *updatePool) do(key string, fn func()) {
	done := make(chan struct{})
	p.submit(key, func() {
		defer close(done)
		fn()
	})
	<-done
}

func (p *updatePool) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// close stops accepting work and waits for queued writes to drain.
func (p *updatePool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
