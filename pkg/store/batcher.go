package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBatcherClosed is returned by Append after Close.
var ErrBatcherClosed = errors.New("store: batcher is closed")

// BatcherConfig configures the coalescing writer.
type BatcherConfig struct {
	// MaxBatch caps how many writes one AppendBatch call carries.
	MaxBatch int

	// FlushInterval bounds how long a write waits for companions before
	// the batch is flushed anyway.
	FlushInterval time.Duration

	// QueueSize bounds the number of writes waiting to be batched.
	QueueSize int
}

// DefaultBatcherConfig returns a conservative default config.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatch:      256,
		FlushInterval: 5 * time.Millisecond,
		QueueSize:     1024,
	}
}

type appendResult struct {
	chunk *Chunk
	err   error
}

type pendingWrite struct {
	job *WriteJob
	ack chan appendResult
}

// Batcher aggregates concurrent Append calls into AppendBatch bulk inserts.
// Callers keep the single-write Append signature and outcome mapping
// (idempotent duplicates return (nil, nil), index collisions return
// *DuplicateStreamIndexError); the store sees one AppendBatch call per
// batch.
//
// Note the batch path reserves no fillers for duplicated rows; callers who
// need gap density must use the store's Append directly.
type Batcher struct {
	store  Persistence
	cfg    BatcherConfig
	logger *slog.Logger

	ch chan *pendingWrite
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBatcher starts a batcher over the given store. A nil logger defaults
// to slog.Default().
func NewBatcher(p Persistence, cfg BatcherConfig, logger *slog.Logger) (*Batcher, error) {
	if p == nil {
		return nil, &InvalidOptionsError{Reason: "batcher requires a store"}
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Batcher{
		store:  p,
		cfg:    cfg,
		logger: logger,
		ch:     make(chan *pendingWrite, cfg.QueueSize),
	}
	b.wg.Add(1)
	go b.loop()
	return b, nil
}

// Append enqueues one write and blocks until its batch is flushed. The
// context only abandons the wait; a write already handed to the batcher may
// still be persisted after Append returns early.
func (b *Batcher) Append(ctx context.Context, partitionID string, index int64, payload any, operationID string) (*Chunk, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBatcherClosed
	}

	pw := &pendingWrite{
		job: NewWriteJob(partitionID, index, payload, operationID),
		ack: make(chan appendResult, 1),
	}

	select {
	case b.ch <- pw:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-pw.ack:
		return res.chunk, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close flushes pending writes and stops the background loop. Appends
// issued after Close fail with ErrBatcherClosed.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.ch)
	b.wg.Wait()
	return nil
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	batch := make([]*pendingWrite, 0, b.cfg.MaxBatch)
	for {
		pw, ok := <-b.ch
		if !ok {
			return
		}
		batch = append(batch[:0], pw)

		timer := time.NewTimer(b.cfg.FlushInterval)
	collect:
		for len(batch) < b.cfg.MaxBatch {
			select {
			case next, ok := <-b.ch:
				if !ok {
					break collect
				}
				batch = append(batch, next)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()

		b.flush(batch)
	}
}

func (b *Batcher) flush(batch []*pendingWrite) {
	jobs := make([]*WriteJob, len(batch))
	for i, pw := range batch {
		jobs[i] = pw.job
	}

	if err := b.store.AppendBatch(context.Background(), jobs); err != nil {
		b.logger.Error("batch append failed", "jobs", len(jobs), "error", err)
		for _, pw := range batch {
			pw.ack <- appendResult{err: err}
		}
		return
	}

	for _, pw := range batch {
		switch pw.job.Result() {
		case JobSucceeded:
			pw.ack <- appendResult{chunk: pw.job.Chunk()}
		case JobDuplicatedOperation:
			pw.ack <- appendResult{}
		case JobDuplicatedIndex:
			pw.ack <- appendResult{err: &DuplicateStreamIndexError{
				PartitionID: pw.job.PartitionID,
				Index:       pw.job.Index,
			}}
		default:
			pw.ack <- appendResult{err: fmt.Errorf("store: job left %s after batch", pw.job.Result())}
		}
	}
}
