package poller

import (
	"context"
	"errors"
	"fmt"
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

func seed(t *testing.T, s *memory.Store, partition string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Append(context.Background(), partition, store.AutoIndex, fmt.Sprintf("e%d", i), ""); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestPoll_SingleCycleDeliversEverything(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 5)

	rec := &store.Recorder{}
	c, err := New(s, rec, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	delivered, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if delivered != 5 {
		t.Fatalf("delivered %d, want 5", delivered)
	}
	if c.Position() != 5 {
		t.Fatalf("position = %d, want 5", c.Position())
	}
}

func TestPoll_EmptyPollKeepsPosition(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 3)

	rec := &store.Recorder{}
	c, err := New(s, rec, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if c.Position() != 3 {
		t.Fatalf("position = %d, want 3 after empty poll", c.Position())
	}
}

func TestStartStop_CatchUp(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 5)

	rec := &store.Recorder{}
	c, err := New(s, rec, Config{
		Interval:        10 * time.Millisecond,
		ImmediateRepoll: true,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	c.Start(ctx)
	if c.State() != StateRunning {
		t.Fatalf("state = %v, want running", c.State())
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForCatchUp(waitCtx); err != nil {
		t.Fatalf("WaitForCatchUp: %v", err)
	}
	if c.Position() != 5 {
		t.Fatalf("position = %d, want 5", c.Position())
	}

	// New writes are picked up by the running loop.
	seed(t, s, "q", 2)
	if err := c.WaitForCatchUp(waitCtx); err != nil {
		t.Fatalf("WaitForCatchUp after new writes: %v", err)
	}
	if c.Position() != 7 {
		t.Fatalf("position = %d, want 7", c.Position())
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
}

func TestStart_Idempotent(t *testing.T) {
	s := newBackend(t)
	rec := &store.Recorder{}
	c, err := New(s, rec, Config{Interval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx) // second start is a no-op
	if c.State() != StateRunning {
		t.Fatalf("state = %v, want running", c.State())
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPoll_PositionNeverSkipsDeliveredChunk(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 10)

	// Consumer aborts after the third chunk; position must hold at 3.
	rec := &store.Recorder{StopAfter: 3}
	c, err := New(s, rec, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Position() != 3 {
		t.Fatalf("position = %d, want 3", c.Position())
	}
}

func TestPoll_ConsumerErrorSurfacesAndHaltsWhenFatal(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 3)

	boom := errors.New("projection broke")
	sub := &store.LambdaSubscription{
		OnNextFn: func(context.Context, *store.Chunk) (bool, error) {
			return false, boom
		},
	}

	var handled error
	c, err := New(s, sub, Config{
		Interval: 5 * time.Millisecond,
		OnError: func(err error) bool {
			handled = err
			return false // fatal
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	c.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateStopped {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateStopped {
		t.Fatalf("loop did not halt on fatal error")
	}
	if !errors.Is(handled, boom) {
		t.Fatalf("handler saw %v, want boom", handled)
	}
	if c.Position() != 0 {
		t.Fatalf("position advanced to %d past an undelivered chunk", c.Position())
	}
}

func TestNew_Validation(t *testing.T) {
	rec := &store.Recorder{}
	if _, err := New(nil, rec, Config{}, nil); err == nil {
		t.Fatalf("expected error for nil reader")
	}
	s := newBackend(t)
	if _, err := New(s, nil, Config{}, nil); err == nil {
		t.Fatalf("expected error for nil subscription")
	}
}

func TestConfig_FromPosition(t *testing.T) {
	s := newBackend(t)
	seed(t, s, "p", 5)

	rec := &store.Recorder{}
	c, err := New(s, rec, Config{FromPosition: 3}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	chunks := rec.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("delivered %d, want 2 (positions 4 and 5)", len(chunks))
	}
	if chunks[0].Position != 4 {
		t.Fatalf("first delivered position = %d, want 4", chunks[0].Position)
	}
}
