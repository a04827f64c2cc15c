package idgen

import (
	"testing"

	"github.com/google/uuid"
)

func TestNew_UniqueV7(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("New() produced invalid UUID %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("version = %d, want 7", parsed.Version())
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNew_TimeOrdered(t *testing.T) {
	a, b := New(), New()
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestHex_Length(t *testing.T) {
	for _, n := range []int{1, 5, 16} {
		if got := Hex(n); len(got) != 2*n {
			t.Errorf("Hex(%d) length = %d, want %d", n, len(got), 2*n)
		}
	}
}
