// Package saga runs a sequence of external side effects with compensations.
//
// A Run executes steps one at a time. When a step fails, or the caller
// aborts after some steps succeeded, every completed step is compensated in
// reverse order. Compensation is attempted exactly once per step: a failed
// compensation is logged as CRITICAL and reported on the Failure, never
// retried.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/traces"
)

// Step is one side effect and its inverse. Compensate may be nil for steps
// with nothing to undo.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Failure is the typed outcome of a saga that did not complete.
type Failure struct {
	Saga            string
	Step            string // failed step; empty when the caller aborted
	Err             error
	Compensated     bool  // every completed step was undone
	CompensationErr error // joined compensation errors, if any
}

func (f *Failure) Error() string {
	where := f.Step
	if where == "" {
		where = "abort"
	}
	if f.Compensated {
		return fmt.Sprintf("%s failed at %s (compensated): %v", f.Saga, where, f.Err)
	}
	return fmt.Sprintf("%s failed at %s (compensation failed: %v): %v", f.Saga, where, f.CompensationErr, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// Run tracks the completed steps of one saga execution. It is not safe for
// concurrent use.
type Run struct {
	name   string
	logger *slog.Logger
	done   []Step
	ended  bool
}

// New starts a saga run.
func New(name string, logger *slog.Logger) *Run {
	return &Run{name: name, logger: logger}
}

// Step executes s. On failure it compensates every completed step and
// returns a *Failure wrapping the step's error.
func (r *Run) Step(ctx context.Context, s Step) error {
	if r.ended {
		return fmt.Errorf("saga %s: step %s after run ended", r.name, s.Name)
	}
	spanCtx, span := traces.StartSpan(ctx, "saga."+r.name+"."+s.Name, traces.SagaStep(s.Name))
	err := s.Action(spanCtx)
	traces.End(span, err)
	if err != nil {
		return r.fail(ctx, s.Name, err)
	}
	r.done = append(r.done, s)
	return nil
}

// Completed lists the names of steps that succeeded, in order.
func (r *Run) Completed() []string {
	names := make([]string, len(r.done))
	for i, s := range r.done {
		names[i] = s.Name
	}
	return names
}

// Rollback compensates every completed step after a failure outside the
// steps themselves (a local transaction that aborted, a commit that failed).
// It returns nil when there is nothing to undo or the run already ended.
func (r *Run) Rollback(ctx context.Context, cause error) *Failure {
	if r.ended {
		return nil
	}
	if len(r.done) == 0 {
		r.ended = true
		return nil
	}
	return r.fail(ctx, "", cause)
}

// Complete marks the run successful. Later Rollback calls are no-ops.
func (r *Run) Complete() {
	if r.ended {
		return
	}
	r.ended = true
	metrics.SagaOutcomesTotal.WithLabelValues(r.name, "completed").Inc()
}

func (r *Run) fail(ctx context.Context, step string, cause error) *Failure {
	r.ended = true
	f := &Failure{Saga: r.name, Step: step, Err: cause, Compensated: true}

	// Compensation must run even when the request context is gone.
	cctx := context.WithoutCancel(ctx)
	var errs []error
	for i := len(r.done) - 1; i >= 0; i-- {
		s := r.done[i]
		if s.Compensate == nil {
			continue
		}
		if err := s.Compensate(cctx); err != nil {
			r.logger.Error("CRITICAL: compensation failed",
				"saga", r.name, "step", s.Name, "cause", cause, "error", err)
			metrics.CompensationsTotal.WithLabelValues(s.Name, "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		metrics.CompensationsTotal.WithLabelValues(s.Name, "succeeded").Inc()
		r.logger.Info("saga step compensated", "saga", r.name, "step", s.Name)
	}
	r.done = nil

	if len(errs) > 0 {
		f.Compensated = false
		f.CompensationErr = errors.Join(errs...)
		metrics.SagaOutcomesTotal.WithLabelValues(r.name, "compensation_failed").Inc()
	} else {
		metrics.SagaOutcomesTotal.WithLabelValues(r.name, "compensated").Inc()
	}
	return f
}
