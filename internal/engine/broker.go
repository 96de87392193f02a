package engine

import (
	"sync"

	"github.com/seantiz/quarry/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// A job has at most three transitions, so a full buffer means a stuck reader.
const subscriberBufferSize = 8

// StatusBroker fans applied status transitions out to per-job subscribers.
// It is safe for concurrent use.
//
// Topics exist only while they have subscribers. A subscriber that races a
// job's final transition must re-read the record after subscribing.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

type statusTopic struct {
	subs   map[int]chan *model.Job
	nextID int
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*statusTopic),
	}
}

// Subscribe returns a channel receiving snapshots of the job after each
// applied transition, and an unsubscribe function. The channel is closed
// after the terminal transition.
func (b *StatusBroker) Subscribe(jobID string) (<-chan *model.Job, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan *model.Job)}
		b.topics[jobID] = t
	}

	ch := make(chan *model.Job, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.topics[jobID]
		if !ok || cur != t {
			return
		}
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		if len(t.subs) == 0 {
			delete(b.topics, jobID)
		}
	}
}

// Publish delivers a snapshot of j to its subscribers. A terminal status
// closes every subscriber channel and drops the topic.
func (b *StatusBroker) Publish(j *model.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[j.ID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- j.Clone():
		default:
			// Drop for slow subscribers to avoid blocking status writes.
		}
	}

	if j.Status.Terminal() {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, j.ID)
	}
}

// Subscribers returns the number of open subscriptions for jobID.
func (b *StatusBroker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}
