package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stratalog/strata/pkg/store"
	"github.com/stratalog/strata/pkg/store/memory"
)

func newBackend(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.New(memory.Options{})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return s
}

func TestBatcher_SingleAppend(t *testing.T) {
	s := newBackend(t)
	b, err := store.NewBatcher(s, store.DefaultBatcherConfig(), nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	c, err := b.Append(context.Background(), "p", store.AutoIndex, "x", "op")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if c == nil || c.Position != 1 {
		t.Fatalf("chunk = %+v", c)
	}
}

func TestBatcher_ConcurrentAppendsCoalesce(t *testing.T) {
	s := newBackend(t)
	b, err := store.NewBatcher(s, store.BatcherConfig{
		MaxBatch:      64,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	const writers = 32
	var wg sync.WaitGroup
	positions := make([]int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := b.Append(context.Background(), fmt.Sprintf("p-%d", i), store.AutoIndex, i, "")
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			positions[i] = c.Position
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, p := range positions {
		if p < 1 || p > writers {
			t.Fatalf("position %d out of range", p)
		}
		if seen[p] {
			t.Fatalf("position %d assigned twice", p)
		}
		seen[p] = true
	}
}

func TestBatcher_MapsDuplicateIndex(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "s", 1, "pre", "pre-op"); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	b, err := store.NewBatcher(s, store.DefaultBatcherConfig(), nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Append(ctx, "s", 1, "dup", "op2")
	var dup *store.DuplicateStreamIndexError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateStreamIndexError, got %v", err)
	}
	if dup.PartitionID != "s" || dup.Index != 1 {
		t.Fatalf("detail: %+v", dup)
	}
}

func TestBatcher_MapsDuplicateOperation(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "s", 1, "pre", "op"); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	b, err := store.NewBatcher(s, store.DefaultBatcherConfig(), nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	c, err := b.Append(ctx, "s", 2, "again", "op")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if c != nil {
		t.Fatalf("idempotent duplicate returned chunk %+v", c)
	}
}

func TestBatcher_AppendAfterClose(t *testing.T) {
	s := newBackend(t)
	b, err := store.NewBatcher(s, store.DefaultBatcherConfig(), nil)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := b.Append(context.Background(), "p", store.AutoIndex, "x", ""); !errors.Is(err, store.ErrBatcherClosed) {
		t.Fatalf("err = %v, want ErrBatcherClosed", err)
	}
}

func TestBatcher_RequiresStore(t *testing.T) {
	_, err := store.NewBatcher(nil, store.DefaultBatcherConfig(), nil)
	var ioerr *store.InvalidOptionsError
	if !errors.As(err, &ioerr) {
		t.Fatalf("expected InvalidOptionsError, got %v", err)
	}
}
