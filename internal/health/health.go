// Package health runs named subsystem checks for the /health endpoint.
// Critical checks decide overall health; optional ones (the collaborator
// cache, remote circuits) are reported without failing the service.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

var checkUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "creditsaga",
	Subsystem: "health",
	Name:      "check_up",
	Help:      "1 if the named health check passed on its last run.",
}, []string{"check"})

func init() {
	prometheus.MustRegister(checkUp)
}

// Status is one check's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker is healthy while PingContext succeeds.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RunningChecker is healthy while running returns true.
func RunningChecker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

type entry struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check, critical: true})
}

// RegisterOptional adds a check that is reported but never makes the
// registry unhealthy.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. healthy is false when any critical
// check fails; statuses are in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Go(func() { statuses[i] = run(ctx, e, timeout) })
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// run never blocks past timeout; a check that overruns keeps running in its
// own goroutine and its late result is dropped.
func run(ctx context.Context, e entry, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Detail: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- e.check(ctx)
	}()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Detail: "timed out"}
	}
	if s.Name == "" {
		s.Name = e.name
	}
	s.Critical = e.critical
	s.LatencyMs = time.Since(start).Milliseconds()

	up := 0.0
	if s.Healthy {
		up = 1
	}
	checkUp.WithLabelValues(e.name).Set(up)
	return s
}
