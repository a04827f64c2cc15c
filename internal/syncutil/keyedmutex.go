// Package syncutil provides in-process locking primitives.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one exclusive, context-aware lock per key.
//
// Keys never share a lock: two different keys can always be held at the same
// time. Entries are reference counted and dropped when the last holder or
// waiter leaves, so memory stays proportional to keys currently in use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// keyedLock is a buffered channel of capacity 1 so acquisition can select
// against ctx.Done().
type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call exactly once. If ctx ends first the lock is
// not acquired and ctx.Err() is returned.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.unref(key, l)
		})
	}, nil
}

// Lock acquires the lock for key, blocking until it is free.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// Held reports how many keys currently have a holder or waiter.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) ref(key string) *keyedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) unref(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
