// Package circuitbreaker guards calls to remote collaborators. Each key
// (one per service) moves through closed, open and half-open on its own.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker state for one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsaga",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "creditsaga",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state per key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

const (
	defaultThreshold = 5
	defaultOpenFor   = 30 * time.Second
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive counted failures open the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithOpenDuration sets how long an open circuit rejects before probing.
func WithOpenDuration(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openFor = d
		}
	}
}

// WithCountable limits which errors count as failures. Business rejections
// from a healthy collaborator (not found, insufficient stock) should not.
func WithCountable(fn func(error) bool) Option {
	return func(b *Breaker) { b.countable = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook is called synchronously, under no lock, after every
// state change.
func WithTransitionHook(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.hook = fn }
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
	countable func(error) bool
	now       func() time.Time
	hook      func(key string, from, to State)
}

// New returns a breaker with five-failure, thirty-second defaults.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: defaultThreshold,
		openFor:   defaultOpenFor,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type transition struct {
	key      string
	from, to State
}

// Execute runs fn if the circuit for key admits it and records the outcome.
// Uncounted errors are returned as-is and treated as a success.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return fmt.Errorf("%s: %w", key, ErrOpen)
	}
	err := fn()
	if err != nil && (b.countable == nil || b.countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// timeout has passed admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	var t *transition
	allowed := true
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openFor {
			allowed = false
			break
		}
		t = b.move(key, c, StateHalfOpen)
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()
	b.fire(t)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	t := b.move(key, c, StateClosed)
	b.mu.Unlock()
	b.fire(t)
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	var t *transition
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		t = b.move(key, c, StateOpen)
	}
	b.mu.Unlock()
	b.fire(t)
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key that has seen a failure.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// Open lists keys whose circuit is not closed, sorted.
func (b *Breaker) Open() []string {
	var keys []string
	for k, s := range b.Snapshot() {
		if s != StateClosed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) *transition {
	if c.state == to {
		return nil
	}
	from := c.state
	c.state = to
	return &transition{key: key, from: from, to: to}
}

func (b *Breaker) fire(t *transition) {
	if t == nil {
		return
	}
	transitionsTotal.WithLabelValues(t.key, t.from.String(), t.to.String()).Inc()
	stateGauge.WithLabelValues(t.key).Set(float64(t.to))
	if b.hook != nil {
		b.hook(t.key, t.from, t.to)
	}
}
