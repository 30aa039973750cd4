package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one pending delivery. At most one message per job is
// outstanding; re-enqueueing a job replaces its not-before time.
type Message struct {
	JobID      uuid.UUID
	NotBefore  time.Time
	LeaseUntil time.Time
}

// Queue is the at-least-once dispatch channel between submission and the
// worker fleet. Claim leases a due message; an unacked lease expires and the
// message becomes claimable again, so consumers must tolerate duplicates.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error
	// Claim returns the earliest due message, or nil when nothing is due.
	Claim(ctx context.Context, lease time.Duration) (*Message, error)
	Ack(ctx context.Context, m *Message) error
	Nack(ctx context.Context, m *Message, retryAt time.Time) error
	// ReapExpired moves messages with expired leases back to ready and
	// returns how many were recovered.
	ReapExpired(ctx context.Context) (int, error)
}

// MemoryQueue is the in-process Queue used in memory mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    map[uuid.UUID]time.Time
	inflight map[uuid.UUID]time.Time
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:    make(map[uuid.UUID]time.Time),
		inflight: make(map[uuid.UUID]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the queue clock; test hook.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID uuid.UUID, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.inflight[jobID]; held {
		return nil
	}
	q.ready[jobID] = notBefore
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, lease time.Duration) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	due := make([]uuid.UUID, 0, len(q.ready))
	for id, nb := range q.ready {
		if !nb.After(now) {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if q.ready[due[i]].Equal(q.ready[due[j]]) {
			return due[i].String() < due[j].String()
		}
		return q.ready[due[i]].Before(q.ready[due[j]])
	})
	id := due[0]
	nb := q.ready[id]
	delete(q.ready, id)
	leaseUntil := now.Add(lease)
	q.inflight[id] = leaseUntil
	return &Message{JobID: id, NotBefore: nb, LeaseUntil: leaseUntil}, nil
}

func (q *MemoryQueue) Ack(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, m.JobID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, m *Message, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, m.JobID)
	q.ready[m.JobID] = retryAt
	return nil
}

func (q *MemoryQueue) ReapExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for id, deadline := range q.inflight {
		if deadline.Before(now) {
			delete(q.inflight, id)
			q.ready[id] = now
			n++
		}
	}
	return n, nil
}

// Depth reports ready + in-flight counts.
func (q *MemoryQueue) Depth() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}
