package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue() (*MemoryQueue, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryQueue().WithClock(c.now).WithVisibilityTimeout(time.Minute), c
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type payload struct {
	PurchaseID string `json:"purchaseId"`
	RetryCount int    `json:"retryCount"`
}

func TestMemoryQueue_ReceiveOldestFirst(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0)
	c.advance(time.Second)
	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p2"}, 0)
	_ = q.Publish(ctx, TopicRefundRetry, payload{PurchaseID: "r1"}, 0)

	msg, err := q.Receive(ctx, TopicSettlementRetry)
	if err != nil || msg == nil {
		t.Fatalf("Receive: %v %v", msg, err)
	}
	var p payload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.PurchaseID != "p1" || msg.Attempts != 1 {
		t.Errorf("got %+v attempts=%d", p, msg.Attempts)
	}

	if n, _ := q.Depth(ctx, TopicSettlementRetry); n != 2 {
		t.Errorf("depth = %d, want 2 (claimed messages still count)", n)
	}
}

func TestMemoryQueue_DelayedMessageHidden(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	_ = q.Publish(ctx, TopicRefundRetry, payload{PurchaseID: "p1"}, 10*time.Second)
	if msg, _ := q.Receive(ctx, TopicRefundRetry); msg != nil {
		t.Fatal("delayed message should not be visible yet")
	}
	c.advance(10 * time.Second)
	if msg, _ := q.Receive(ctx, TopicRefundRetry); msg == nil {
		t.Fatal("message should be visible after its delay")
	}
}

func TestMemoryQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0)

	first, _ := q.Receive(ctx, TopicSettlementRetry)
	if again, _ := q.Receive(ctx, TopicSettlementRetry); again != nil {
		t.Fatal("claimed message must stay hidden")
	}

	// Consumer "crashed" without ack.
	c.advance(time.Minute)
	second, _ := q.Receive(ctx, TopicSettlementRetry)
	if second == nil || second.ID != first.ID || second.Attempts != 2 {
		t.Fatalf("expected redelivery of %s, got %+v", first.ID, second)
	}
}

func TestMemoryQueue_AckAndNack(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0)

	msg, _ := q.Receive(ctx, TopicSettlementRetry)
	if err := q.Nack(ctx, msg, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if m, _ := q.Receive(ctx, TopicSettlementRetry); m != nil {
		t.Fatal("nacked message should wait for its delay")
	}
	c.advance(5 * time.Second)
	msg, _ = q.Receive(ctx, TopicSettlementRetry)
	if msg == nil {
		t.Fatal("expected nacked message back")
	}
	if err := q.Ack(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Depth(ctx, TopicSettlementRetry); n != 0 {
		t.Errorf("depth after ack = %d", n)
	}
	if err := q.Ack(ctx, msg); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("second ack: %v", err)
	}
}

func TestDispatcher_DrainAcksHandledMessages(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	d := NewDispatcher(q, time.Millisecond, testLogger())

	var seen []string
	d.Handle(TopicSettlementRetry, func(_ context.Context, msg *Message) error {
		var p payload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		seen = append(seen, p.PurchaseID)
		return nil
	})

	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0)
	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p2"}, 0)

	if n := d.Drain(ctx, TopicSettlementRetry); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if len(seen) != 2 {
		t.Errorf("seen = %v", seen)
	}
	if n, _ := q.Depth(ctx, TopicSettlementRetry); n != 0 {
		t.Errorf("depth = %d, want 0", n)
	}
}

func TestDispatcher_HandlerErrorRedelivers(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	d := NewDispatcher(q, time.Millisecond, testLogger())

	calls := 0
	d.Handle(TopicRefundRetry, func(context.Context, *Message) error {
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	_ = q.Publish(ctx, TopicRefundRetry, payload{PurchaseID: "p1"}, 0)

	d.Drain(ctx, TopicRefundRetry)
	if n, _ := q.Depth(ctx, TopicRefundRetry); n != 1 {
		t.Fatalf("failed message should remain queued, depth=%d", n)
	}

	c.advance(time.Second)
	d.Drain(ctx, TopicRefundRetry)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if n, _ := q.Depth(ctx, TopicRefundRetry); n != 0 {
		t.Errorf("depth = %d, want 0", n)
	}
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	d := NewDispatcher(q, time.Millisecond, testLogger())
	d.Handle(TopicRefundRetry, func(context.Context, *Message) error { panic("boom") })
	_ = q.Publish(ctx, TopicRefundRetry, payload{}, 0)

	d.Drain(ctx, TopicRefundRetry)
	if n, _ := q.Depth(ctx, TopicRefundRetry); n != 1 {
		t.Errorf("panicking message should be nacked, depth=%d", n)
	}
}

func TestDispatcher_DropsAfterMaxDeliveries(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	d := NewDispatcher(q, time.Millisecond, testLogger())
	d.Handle(TopicSettlementRetry, func(context.Context, *Message) error { return errors.New("always") })
	_ = q.Publish(ctx, TopicSettlementRetry, payload{}, 0)

	for i := 0; i < MaxDeliveries; i++ {
		d.Drain(ctx, TopicSettlementRetry)
		c.advance(time.Hour)
	}
	if n, _ := q.Depth(ctx, TopicSettlementRetry); n != 0 {
		t.Errorf("message should be dropped after %d deliveries, depth=%d", MaxDeliveries, n)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	d := NewDispatcher(q, 5*time.Millisecond, testLogger())

	var handled atomic.Int32
	h := func(context.Context, *Message) error { handled.Add(1); return nil }
	d.Handle(TopicSettlementRetry, h)
	d.Handle(TopicRefundRetry, h)

	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	_ = q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0)
	_ = q.Publish(ctx, TopicRefundRetry, payload{PurchaseID: "p2"}, 0)

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 2 {
		t.Fatalf("handled = %d, want 2", handled.Load())
	}
	if !d.Running() {
		t.Error("expected dispatcher running")
	}

	d.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if d.Running() {
		t.Error("expected dispatcher stopped")
	}
}
