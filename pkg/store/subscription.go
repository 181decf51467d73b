package store

import (
	"context"
	"sync"
)

// Subscription consumes a stream of chunks.
//
// Lifecycle: OnStart exactly once, then zero or more OnNext calls in strict
// sort order, then exactly one terminal callback: Completed when the query
// was exhausted, Stopped when OnNext returned false (or nothing was
// delivered at all), OnError when the read failed or the consumer errored.
//
// The position argument is the Index for partition-scoped reads and the
// Position for global reads. OnNext may run on any goroutine but is never
// invoked concurrently for one subscription instance.
type Subscription interface {
	OnStart(position int64) error
	OnNext(ctx context.Context, chunk *Chunk) (bool, error)
	Completed(position int64) error
	Stopped(position int64) error
	OnError(position int64, err error) error
}

// LambdaSubscription adapts plain functions to Subscription. Nil fields
// default to no-ops (OnNext defaults to "keep going").
type LambdaSubscription struct {
	OnStartFn   func(position int64) error
	OnNextFn    func(ctx context.Context, chunk *Chunk) (bool, error)
	CompletedFn func(position int64) error
	StoppedFn   func(position int64) error
	OnErrorFn   func(position int64, err error) error
}

func (s *LambdaSubscription) OnStart(position int64) error {
	if s.OnStartFn == nil {
		return nil
	}
	return s.OnStartFn(position)
}

func (s *LambdaSubscription) OnNext(ctx context.Context, chunk *Chunk) (bool, error) {
	if s.OnNextFn == nil {
		return true, nil
	}
	return s.OnNextFn(ctx, chunk)
}

func (s *LambdaSubscription) Completed(position int64) error {
	if s.CompletedFn == nil {
		return nil
	}
	return s.CompletedFn(position)
}

func (s *LambdaSubscription) Stopped(position int64) error {
	if s.StoppedFn == nil {
		return nil
	}
	return s.StoppedFn(position)
}

func (s *LambdaSubscription) OnError(position int64, err error) error {
	if s.OnErrorFn == nil {
		return nil
	}
	return s.OnErrorFn(position, err)
}

// TerminalKind identifies how a subscription ended.
type TerminalKind int

const (
	TerminalNone TerminalKind = iota
	TerminalCompleted
	TerminalStopped
	TerminalErrored
)

// Recorder is a Subscription that collects everything it sees. Intended
// for tests.
type Recorder struct {
	mu       sync.Mutex
	started  bool
	start    int64
	chunks   []*Chunk
	terminal TerminalKind
	last     int64
	err      error

	// StopAfter makes OnNext return false once that many chunks were
	// delivered. Zero means never stop early.
	StopAfter int
}

func (r *Recorder) OnStart(position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.start = position
	return nil
}

func (r *Recorder) OnNext(ctx context.Context, chunk *Chunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	if r.StopAfter > 0 && len(r.chunks) >= r.StopAfter {
		return false, nil
	}
	return true, nil
}

func (r *Recorder) Completed(position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = TerminalCompleted
	r.last = position
	return nil
}

func (r *Recorder) Stopped(position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = TerminalStopped
	r.last = position
	return nil
}

func (r *Recorder) OnError(position int64, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = TerminalErrored
	r.last = position
	r.err = err
	return nil
}

// Chunks returns the delivered chunks in delivery order.
func (r *Recorder) Chunks() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Terminal returns how the subscription ended and the position reported by
// the terminal callback.
func (r *Recorder) Terminal() (TerminalKind, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal, r.last
}

// Err returns the error passed to OnError, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Started reports whether OnStart ran, and with which position.
func (r *Recorder) Started() (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.start
}

var (
	_ Subscription = (*LambdaSubscription)(nil)
	_ Subscription = (*Recorder)(nil)
)
