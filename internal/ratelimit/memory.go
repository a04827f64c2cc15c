package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = time.Minute

// MemoryStore keeps arrival times in process. Keys whose arrival time has
// passed carry no state and are dropped on a periodic sweep.
type MemoryStore struct {
	mu        sync.Mutex
	tats      map[string]time.Time
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tats: make(map[string]time.Time)}
}

func (m *MemoryStore) Take(_ context.Context, key string, now time.Time, interval, tolerance time.Duration) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= sweepEvery {
		for k, tat := range m.tats {
			if !tat.After(now) {
				delete(m.tats, k)
			}
		}
		m.lastSweep = now
	}

	tat, wait := gcra(m.tats[key], now, interval, tolerance)
	m.tats[key] = tat
	return wait, nil
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tats)
}
