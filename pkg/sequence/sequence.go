// Package sequence provides the global position allocators used by Strata
// backends: a process-local atomic counter and a shared allocator backed by
// an external counter store.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Allocator hands out contiguous ranges of global positions. NextIDs
// returns the largest of count ids now reserved; the caller owns
// [last-count+1, last]. An allocator never hands out the same id twice
// within a process.
type Allocator interface {
	NextIDs(ctx context.Context, count int) (int64, error)
}

// Local is an in-process allocator over an atomic counter. It is primed
// from the backend's max position at store open and is not safe across
// processes; use a shared allocator for multi-writer deployments.
type Local struct {
	last atomic.Int64
}

// NewLocal returns a local allocator starting after last.
func NewLocal(last int64) *Local {
	l := &Local{}
	l.last.Store(last)
	return l
}

func (l *Local) NextIDs(_ context.Context, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("sequence: count must be positive, got %d", count)
	}
	return l.last.Add(int64(count)), nil
}

// Prime raises the counter to at least last. Used when a backend detects a
// stale local sequence (a position collision) and reloads from the store.
func (l *Local) Prime(last int64) {
	for {
		cur := l.last.Load()
		if cur >= last {
			return
		}
		if l.last.CompareAndSwap(cur, last) {
			return
		}
	}
}

// CounterStore is an external, strongly consistent named counter. Increment
// must be atomic at the store layer (single-document or single-row CAS).
type CounterStore interface {
	Increment(ctx context.Context, name string, by int64) (int64, error)
}

// Shared allocates positions through a CounterStore, making the sequence
// safe across processes.
type Shared struct {
	store CounterStore
	name  string
}

// NewShared returns a shared allocator over the named counter.
func NewShared(store CounterStore, name string) *Shared {
	return &Shared{store: store, name: name}
}

func (s *Shared) NextIDs(ctx context.Context, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("sequence: count must be positive, got %d", count)
	}
	return s.store.Increment(ctx, s.name, int64(count))
}

// MemoryCounter is an in-memory CounterStore, used by tests and by the
// in-memory backend when configured for shared-sequence semantics.
type MemoryCounter struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryCounter returns an empty in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[string]int64)}
}

func (m *MemoryCounter) Increment(_ context.Context, name string, by int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += by
	return m.counters[name], nil
}

var (
	_ Allocator    = (*Local)(nil)
	_ Allocator    = (*Shared)(nil)
	_ CounterStore = (*MemoryCounter)(nil)
)
