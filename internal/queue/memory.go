package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	id       string
	body     []byte
	receives int
}

type memoryInflight struct {
	entry     memoryEntry
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue with the same lease and dead-letter
// semantics as the networked backends.
type MemoryQueue struct {
	mu          sync.Mutex
	items       []memoryEntry
	inflight    map[string]memoryInflight
	dead        []memoryEntry
	maxReceives int
	counter     uint64
	ready       chan struct{}
	now         func() time.Time
}

func NewMemoryQueue(maxReceives int) *MemoryQueue {
	if maxReceives <= 0 {
		maxReceives = 5
	}
	return &MemoryQueue{
		items:       make([]memoryEntry, 0, 128),
		inflight:    make(map[string]memoryInflight),
		dead:        make([]memoryEntry, 0, 16),
		maxReceives: maxReceives,
		ready:       make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyBody
	}
	id := uuid.NewString()

	q.mu.Lock()
	q.items = append(q.items, memoryEntry{id: id, body: append([]byte(nil), body...)})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait, lease time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		if out := q.claim(max, lease); len(out) > 0 || wait <= 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return q.claim(max, lease), nil
		case <-q.ready:
		case <-tick.C:
		}
	}
}

func (q *MemoryQueue) claim(max int, lease time.Duration) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.requeueExpiredLocked(now)

	if len(q.items) == 0 {
		return nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		e := q.items[0]
		q.items = q.items[1:]
		e.receives++
		q.counter++
		receipt := fmt.Sprintf("mem:%s:%d", e.id, q.counter)
		q.inflight[receipt] = memoryInflight{entry: e, visibleAt: now.Add(lease)}
		out = append(out, Message{
			ID:           e.id,
			Body:         append([]byte(nil), e.body...),
			Receipt:      receipt,
			ReceiveCount: e.receives,
		})
	}
	return out
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for receipt, in := range q.inflight {
		if in.visibleAt.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		if in.entry.receives >= q.maxReceives {
			q.dead = append(q.dead, in.entry)
			continue
		}
		q.items = append(q.items, in.entry)
	}
}

// Delete acknowledges a delivery. Deleting an expired or unknown receipt is a no-op.
func (q *MemoryQueue) Delete(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.Receipt)
	return nil
}

// Len reports the number of messages waiting for delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns the bodies of dead-lettered messages.
func (q *MemoryQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.dead))
	for _, e := range q.dead {
		out = append(out, append([]byte(nil), e.body...))
	}
	return out
}
