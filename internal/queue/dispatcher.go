package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/retry"
	"github.com/mbd888/creditsaga/internal/traces"
)

// DefaultPollInterval is how often an idle consumer checks its topic.
const DefaultPollInterval = time.Second

// MaxDeliveries bounds redelivery of a message whose handler keeps returning
// an error. Handlers schedule their own business retries by publishing a new
// message; this limit only catches infrastructure failures.
const MaxDeliveries = 10

// Handler processes one message. A nil return acks the message; an error
// nacks it for redelivery with backoff.
type Handler func(ctx context.Context, msg *Message) error

// Dispatcher runs one consumer loop per registered topic.
type Dispatcher struct {
	queue     Queue
	handlers  map[string]Handler
	interval  time.Duration
	baseDelay time.Duration
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Int32
}

// NewDispatcher creates a dispatcher. interval <= 0 uses DefaultPollInterval.
func NewDispatcher(q Queue, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Dispatcher{
		queue:     q,
		handlers:  make(map[string]Handler),
		interval:  interval,
		baseDelay: interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Handle registers h for topic. Call before Start.
func (d *Dispatcher) Handle(topic string, h Handler) {
	d.handlers[topic] = h
}

// Topics returns the registered topics, sorted.
func (d *Dispatcher) Topics() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Running reports whether every consumer loop is active.
func (d *Dispatcher) Running() bool {
	return len(d.handlers) > 0 && int(d.running.Load()) == len(d.handlers)
}

// Start runs the consumer loops and blocks until ctx is cancelled or Stop is
// called. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for topic, h := range d.handlers {
		wg.Add(1)
		go func(topic string, h Handler) {
			defer wg.Done()
			d.consume(ctx, topic, h)
		}(topic, h)
	}
	wg.Wait()
}

// Stop signals every consumer loop to stop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Dispatcher) consume(ctx context.Context, topic string, h Handler) {
	d.running.Add(1)
	defer d.running.Add(-1)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("retry consumer started", "topic", topic)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.Drain(ctx, topic)
		}
	}
}

// Drain processes every message currently visible on topic and returns how
// many were handled.
func (d *Dispatcher) Drain(ctx context.Context, topic string) int {
	h, ok := d.handlers[topic]
	if !ok {
		return 0
	}
	handled := 0
	for ctx.Err() == nil {
		msg, err := d.queue.Receive(ctx, topic)
		if err != nil {
			d.logger.Warn("failed to receive retry message", "topic", topic, "error", err)
			break
		}
		if msg == nil {
			break
		}
		d.deliver(ctx, h, msg)
		handled++
	}
	if n, err := d.queue.Depth(ctx, topic); err == nil {
		metrics.RetryQueueDepth.WithLabelValues(topic).Set(float64(n))
	}
	return handled
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, msg *Message) {
	spanCtx, span := traces.StartSpan(ctx, "queue.deliver", traces.Topic(msg.Topic))
	err := d.safeHandle(spanCtx, h, msg)
	traces.End(span, err)

	if err == nil {
		if ackErr := d.queue.Ack(ctx, msg); ackErr != nil {
			d.logger.Warn("failed to ack retry message", "topic", msg.Topic, "id", msg.ID, "error", ackErr)
		}
		return
	}

	if msg.Attempts >= MaxDeliveries {
		d.logger.Error("CRITICAL: dropping undeliverable retry message",
			"topic", msg.Topic, "id", msg.ID, "attempts", msg.Attempts,
			"payload", string(msg.Payload), "error", err)
		metrics.PermanentFailuresTotal.WithLabelValues(msg.Topic).Inc()
		_ = d.queue.Ack(ctx, msg)
		return
	}

	delay := retry.Backoff(msg.Attempts-1, d.baseDelay)
	d.logger.Warn("retry handler failed, redelivering",
		"topic", msg.Topic, "id", msg.ID, "attempts", msg.Attempts, "delay", delay, "error", err)
	if nackErr := d.queue.Nack(ctx, msg, delay); nackErr != nil {
		d.logger.Warn("failed to nack retry message", "topic", msg.Topic, "id", msg.ID, "error", nackErr)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in retry handler", "topic", msg.Topic, "panic", fmt.Sprint(r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
