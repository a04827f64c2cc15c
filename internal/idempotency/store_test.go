package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// storeContract exercises behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := store.Insert(ctx, "a", now, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = store.Insert(ctx, "a", now, now.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("duplicate insert: ok=%v err=%v", ok, err)
	}

	rec, err := store.Get(ctx, "a")
	if err != nil || rec.Response != nil {
		t.Fatalf("pending record: %+v %v", rec, err)
	}

	if err := store.Complete(ctx, "a", okResponse(`{"id":"p1"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec, _ = store.Get(ctx, "a")
	if rec.Response == nil || rec.Response.StatusCode != 201 || string(rec.Response.Body) != `{"id":"p1"}` {
		t.Fatalf("completed record: %+v", rec.Response)
	}

	// Not yet expired: conditional delete keeps it.
	if err := store.DeleteIfExpired(ctx, "a", now); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Fatalf("unexpired key removed: %v", err)
	}

	_, _ = store.Insert(ctx, "b", now, now.Add(time.Minute))
	n, err := store.DeleteExpired(ctx, now.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired: n=%d err=%v", n, err)
	}
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b swept, got %v", err)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("deleting a missing key must not fail: %v", err)
	}
	if err := store.Complete(ctx, "a", okResponse(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Complete on missing key: %v", err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestBoltStore_Contract(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "idempotency.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.db")
	ctx := context.Background()
	now := time.Now()

	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = store.Insert(ctx, "k", now, now.Add(time.Hour))
	_ = store.Complete(ctx, "k", okResponse(`{"ok":true}`))
	_ = store.Close()

	store, err = OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, err := store.Get(ctx, "k")
	if err != nil || rec.Response == nil {
		t.Fatalf("key lost across reopen: %+v %v", rec, err)
	}
}

func TestSweeper_Sweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_, _ = store.Insert(ctx, "old", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	_, _ = store.Insert(ctx, "fresh", now, now.Add(24*time.Hour))

	sw := NewSweeper(store, time.Hour, discardLogger())
	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh key removed: %v", err)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), 10*time.Millisecond, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !sw.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !sw.Running() {
		t.Fatal("sweeper did not start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
