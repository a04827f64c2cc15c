// Package queue is the durable at-least-once message queue behind the retry
// dispatcher. Each topic has one consumer loop. Messages that are received
// but neither acked nor nacked become visible again after the visibility
// timeout, so a crashed consumer never loses work.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Retry topics.
const (
	TopicSettlementRetry = "settlement-retry"
	TopicRefundRetry     = "refund-retry"
)

// DefaultVisibilityTimeout is how long a received message stays hidden from
// other consumers before it is redelivered.
const DefaultVisibilityTimeout = 2 * time.Minute

// ErrUnknownMessage is returned when acking or nacking a message the queue no
// longer holds.
var ErrUnknownMessage = errors.New("queue: unknown message")

// Message is one queued payload.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"` // deliveries so far, including this one
	AvailableAt time.Time       `json:"availableAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// Queue stores messages per topic.
type Queue interface {
	// Publish enqueues payload (JSON-encoded) to become visible after delay.
	Publish(ctx context.Context, topic string, payload any, delay time.Duration) error
	// Receive claims the oldest visible message, or returns nil when none is
	// ready. The claim lasts for the visibility timeout.
	Receive(ctx context.Context, topic string) (*Message, error)
	// Ack removes a delivered message.
	Ack(ctx context.Context, msg *Message) error
	// Nack releases a delivered message to become visible again after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
	// Depth counts messages held for a topic, claimed or not.
	Depth(ctx context.Context, topic string) (int, error)
}

func encode(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}
