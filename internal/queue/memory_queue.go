package queue

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/creditsaga/internal/idgen"
)

type memEntry struct {
	msg         Message
	lockedUntil time.Time
}

// MemoryQueue is an in-process Queue for demo/development mode and tests.
// Messages do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	topics     map[string][]*memEntry
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics:     make(map[string][]*memEntry),
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
}

// WithVisibilityTimeout overrides DefaultVisibilityTimeout.
func (q *MemoryQueue) WithVisibilityTimeout(d time.Duration) *MemoryQueue {
	q.visibility = d
	return q
}

// WithClock sets the time source. Tests use it to step past delays.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Publish(_ context.Context, topic string, payload any, delay time.Duration) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.topics[topic] = append(q.topics[topic], &memEntry{msg: Message{
		ID:          idgen.New(),
		Topic:       topic,
		Payload:     append([]byte(nil), raw...),
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
	}})
	return nil
}

func (q *MemoryQueue) Receive(_ context.Context, topic string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *memEntry
	for _, e := range q.topics[topic] {
		if e.msg.AvailableAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		if next == nil || e.msg.AvailableAt.Before(next.msg.AvailableAt) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}
	next.lockedUntil = now.Add(q.visibility)
	next.msg.Attempts++
	out := next.msg
	return &out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.topics[msg.Topic]
	for i, e := range entries {
		if e.msg.ID == msg.ID {
			q.topics[msg.Topic] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return ErrUnknownMessage
}

func (q *MemoryQueue) Nack(_ context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.topics[msg.Topic] {
		if e.msg.ID == msg.ID {
			e.lockedUntil = time.Time{}
			e.msg.AvailableAt = q.now().Add(delay)
			return nil
		}
	}
	return ErrUnknownMessage
}

func (q *MemoryQueue) Depth(_ context.Context, topic string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topics[topic]), nil
}

var _ Queue = (*MemoryQueue)(nil)
