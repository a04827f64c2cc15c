package circuitbreaker

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

// fakeClock is advanced by hand so tests never sleep.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, openFor time.Duration, opts ...Option) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithThreshold(threshold), WithOpenDuration(openFor), WithClock(clk.Now)}, opts...)
	return New(opts...), clk
}

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(WithThreshold(0), WithOpenDuration(-1))
	if b.threshold != defaultThreshold || b.openFor != defaultOpenFor {
		t.Errorf("threshold=%d openFor=%v", b.threshold, b.openFor)
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	trip(b, "product", 2)
	if !b.Allow("product") {
		t.Fatal("should still allow below the threshold")
	}
	b.RecordFailure("product")
	if b.Allow("product") {
		t.Fatal("should reject once open")
	}
	if got := b.State("product"); got != StateOpen {
		t.Fatalf("state = %v", got)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	trip(b, "product", 2)
	b.RecordSuccess("product")
	trip(b, "product", 2)
	if b.State("product") != StateClosed {
		t.Fatal("failures should not accumulate across a success")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(b *Breaker)
		want  State
	}{
		{"success closes", func(b *Breaker) { b.RecordSuccess("shipment") }, StateClosed},
		{"failure reopens", func(b *Breaker) { b.RecordFailure("shipment") }, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(2, time.Minute)
			trip(b, "shipment", 2)

			clk.Advance(59 * time.Second)
			if b.Allow("shipment") {
				t.Fatal("should stay open before the timeout")
			}
			clk.Advance(time.Second)
			if !b.Allow("shipment") {
				t.Fatal("should admit one probe")
			}
			if b.Allow("shipment") {
				t.Fatal("should reject a second call while probing")
			}

			tt.probe(b)
			if got := b.State("shipment"); got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_ReopenRestartsTimer(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure("promo")
	clk.Advance(time.Minute)
	b.Allow("promo")
	b.RecordFailure("promo")

	clk.Advance(30 * time.Second)
	if b.Allow("promo") {
		t.Fatal("a failed probe should start a fresh open period")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	trip(b, "product", 2)

	if b.Allow("product") {
		t.Fatal("product should be open")
	}
	if !b.Allow("shipment") {
		t.Fatal("shipment should be closed")
	}
	if got := b.Open(); !reflect.DeepEqual(got, []string{"product"}) {
		t.Errorf("Open() = %v", got)
	}
}

func TestBreaker_TransitionHook(t *testing.T) {
	type move struct{ from, to State }
	var moves []move
	b, clk := newTestBreaker(2, time.Minute, WithTransitionHook(func(key string, from, to State) {
		if key != "customer" {
			t.Errorf("key = %q", key)
		}
		moves = append(moves, move{from, to})
	}))

	trip(b, "customer", 3)
	clk.Advance(time.Minute)
	b.Allow("customer")
	b.RecordSuccess("customer")

	want := []move{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	if !reflect.DeepEqual(moves, want) {
		t.Errorf("moves = %v, want %v", moves, want)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}

var errNotFound = errors.New("product not found")

func TestExecute_TripsAndRejects(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("connection reset")

	for i := 0; i < 2; i++ {
		if err := b.Execute("shipment", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}

	called := false
	err := b.Execute("shipment", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestExecute_CountableIgnoresBusinessErrors(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute, WithCountable(func(err error) bool {
		return !errors.Is(err, errNotFound)
	}))

	for i := 0; i < 5; i++ {
		_ = b.Execute("product", func() error { return errNotFound })
	}
	if b.State("product") != StateClosed {
		t.Fatalf("business errors must not trip the circuit, got %v", b.State("product"))
	}
}
