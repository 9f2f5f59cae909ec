// Package lease provides per-key mutual exclusion within one process.
//
// A lease is held by at most one caller per key at a time. Entries are
// reference counted and dropped once nobody holds or waits for the key, so
// the table stays proportional to the number of active keys.
package lease

import (
	"context"
	"sync"
)

// Table hands out leases keyed by string. The zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Release gives a lease back. Calling it more than once is a no-op.
type Release func()

func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *Table) release(key string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}
}

// Acquire blocks until the lease for key is held or ctx is done.
func (t *Table) Acquire(ctx context.Context, key string) (Release, error) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.release(key, e), nil
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lease only if it is free.
func (t *Table) TryAcquire(key string) (Release, bool) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.release(key, e), true
	default:
		t.unref(key, e)
		return nil, false
	}
}

// Held reports whether key is currently leased.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return ok && len(e.sem) > 0
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
