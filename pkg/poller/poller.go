// Package poller drives a subscription by repeatedly scanning the global
// chunk sequence from the last delivered position. It is the engine behind
// projections and the catch-up primitive higher runtimes block on.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	obs "github.com/stratalog/strata/pkg/observability/prometheus"
	"github.com/stratalog/strata/pkg/store"
)

// Reader is the slice of the persistence contract the polling client
// needs.
type Reader interface {
	ReadAll(ctx context.Context, fromPositionInclusive int64, sub store.Subscription, limit int64) error
	ReadLastPosition(ctx context.Context) (int64, error)
}

// State is the client's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures the polling client.
type Config struct {
	// Interval is the pause between polls. Default: 200ms.
	Interval time.Duration

	// ImmediateRepoll re-polls without sleeping after a poll that
	// delivered chunks.
	ImmediateRepoll bool

	// Limit caps chunks per poll. Default: 512.
	Limit int64

	// FromPosition is the position tracking start; the first poll scans
	// from FromPosition+1. Default: 0 (scan from the beginning).
	FromPosition int64

	// OnError decides whether polling continues after an error. Errors
	// are always logged; nil means continue.
	OnError func(err error) bool

	// Metrics defaults to the shared collection.
	Metrics *obs.Metrics
}

// Client polls ReadAll and feeds a subscription. Position tracking never
// skips ahead of a delivered chunk, so a consumer observing position P has
// seen every live chunk up to P.
type Client struct {
	reader  Reader
	sub     store.Subscription
	cfg     Config
	logger  *slog.Logger
	metrics *obs.Metrics

	position atomic.Int64
	state    atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a polling client over reader feeding sub. A nil logger
// defaults to slog.Default().
func New(reader Reader, sub store.Subscription, cfg Config, logger *slog.Logger) (*Client, error) {
	if reader == nil {
		return nil, &store.InvalidOptionsError{Reason: "poller requires a reader"}
	}
	if sub == nil {
		return nil, &store.InvalidOptionsError{Reason: "poller requires a subscription"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 512
	}
	if cfg.FromPosition < 0 {
		cfg.FromPosition = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = obs.GetMetrics()
	}

	c := &Client{
		reader:  reader,
		sub:     sub,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	c.position.Store(cfg.FromPosition)
	return c, nil
}

// Position returns the highest position delivered so far.
func (c *Client) Position() int64 { return c.position.Load() }

// State returns the client's lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Start launches the polling loop. It is idempotent while running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx)
}

// Stop asks the loop to finish and waits for it. The context bounds the
// wait only; the loop always exits.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateStopping))
	c.cancel()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) loop(ctx context.Context) {
	defer func() {
		c.state.Store(int32(StateStopped))
		close(c.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := c.Poll(ctx)
		if err != nil {
			c.metrics.RecordPoll("error")
			if ctx.Err() != nil {
				return
			}
			if !c.handleError(err) {
				return
			}
		} else if delivered > 0 {
			c.metrics.RecordPoll("delivered")
			if c.cfg.ImmediateRepoll {
				continue
			}
		} else {
			c.metrics.RecordPoll("empty")
		}

		t := time.NewTimer(c.cfg.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (c *Client) handleError(err error) bool {
	c.logger.Error("poll failed", "position", c.Position(), "error", err)
	if c.cfg.OnError != nil {
		return c.cfg.OnError(err)
	}
	return true
}

// Poll runs one cycle: scan from Position+1, feed the subscription, and
// advance Position to the largest delivered position. Returns how many
// chunks were delivered.
func (c *Client) Poll(ctx context.Context) (int, error) {
	from := c.position.Load() + 1
	w := &pollSubscription{inner: c.sub, last: from - 1}

	if err := c.reader.ReadAll(ctx, from, w, c.cfg.Limit); err != nil {
		return w.delivered, err
	}
	if w.err != nil {
		return w.delivered, w.err
	}

	// Advance only forward; a concurrent Poll must not move it back.
	for {
		cur := c.position.Load()
		if w.last <= cur || c.position.CompareAndSwap(cur, w.last) {
			break
		}
	}
	c.metrics.SetPollPosition(c.position.Load())
	return w.delivered, nil
}

// WaitForCatchUp blocks until the client's position reaches the store's
// last position at the time of each check.
func (c *Client) WaitForCatchUp(ctx context.Context) error {
	for {
		last, err := c.reader.ReadLastPosition(ctx)
		if err != nil {
			return err
		}
		if c.Position() >= last {
			return nil
		}

		t := time.NewTimer(c.cfg.Interval / 4)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// pollSubscription forwards deliveries to the consumer while tracking the
// highest delivered position and any error surfaced through OnError.
type pollSubscription struct {
	inner     store.Subscription
	last      int64
	delivered int
	err       error
}

func (w *pollSubscription) OnStart(position int64) error {
	return w.inner.OnStart(position)
}

func (w *pollSubscription) OnNext(ctx context.Context, chunk *store.Chunk) (bool, error) {
	ok, err := w.inner.OnNext(ctx, chunk)
	if err != nil {
		return false, err
	}
	w.last = chunk.Position
	w.delivered++
	return ok, nil
}

func (w *pollSubscription) Completed(position int64) error {
	return w.inner.Completed(position)
}

func (w *pollSubscription) Stopped(position int64) error {
	return w.inner.Stopped(position)
}

func (w *pollSubscription) OnError(position int64, err error) error {
	w.err = err
	return w.inner.OnError(position, err)
}

var _ store.Subscription = (*pollSubscription)(nil)
