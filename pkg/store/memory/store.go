// Package memory is the reference Strata backend. It defines the behavior
// every other backend must match: dense global positions, per-partition
// index and operation uniqueness, filler reservation on conflicts, soft
// deletes, and strictly ordered global reads.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	obs "github.com/stratalog/strata/pkg/observability/prometheus"
	"github.com/stratalog/strata/pkg/sequence"
	"github.com/stratalog/strata/pkg/store"
)

const backendName = "memory"

// Insert outcomes, internal to the append path.
var (
	errIndexTaken     = errors.New("memory: index taken")
	errOperationTaken = errors.New("memory: operation taken")
	errPositionTaken  = errors.New("memory: position taken")
)

// tombstone marks a position consumed by a duplicated batch row. The
// watermark may pass it but no read ever delivers it.
var tombstone = &store.Chunk{}

// Options configures the in-memory backend. The zero value is usable.
type Options struct {
	// Codec serializes payloads. Default: store.NopCodec.
	Codec store.Codec

	// Simulator injects latency before observable steps. Default: no-op.
	Simulator Simulator

	// Allocator overrides the position source. Default: a process-local
	// allocator starting at zero.
	Allocator sequence.Allocator

	// MaxAppendRetries caps the position-collision retry loop. The
	// upstream behavior is unbounded; the cap guards against a
	// persistently stale allocator. Default: 64.
	MaxAppendRetries int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to the shared collection.
	Metrics *obs.Metrics
}

// partition holds one stream's uniqueness maps. Entries stay after a soft
// delete so indices and operation keys are never reused.
type partition struct {
	mu      sync.Mutex
	byIndex map[int64]*store.Chunk
	byOp    map[string]*store.Chunk
}

// Store is the reference in-memory backend.
type Store struct {
	codec      store.Codec
	sim        Simulator
	seq        sequence.Allocator
	local      *sequence.Local
	maxRetries int
	logger     *slog.Logger
	metrics    *obs.Metrics

	// mu guards the global chunk slice and watermarks.
	mu        sync.RWMutex
	chunks    []*store.Chunk // indexed by Position-1; nil while pending
	watermark int64          // contiguous committed-or-dead prefix
	lastKnown int64          // highest persisted (non-tombstone) position

	pmu        sync.Mutex
	partitions map[string]*partition
}

// New creates an in-memory backend.
func New(opts Options) (*Store, error) {
	if opts.MaxAppendRetries < 0 {
		return nil, &store.InvalidOptionsError{Reason: "MaxAppendRetries cannot be negative"}
	}

	s := &Store{
		codec:      opts.Codec,
		sim:        opts.Simulator,
		seq:        opts.Allocator,
		maxRetries: opts.MaxAppendRetries,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		partitions: make(map[string]*partition),
	}
	if s.codec == nil {
		s.codec = store.NopCodec{}
	}
	if s.sim == nil {
		s.sim = NopSimulator{}
	}
	if s.seq == nil {
		local := sequence.NewLocal(0)
		s.seq = local
		s.local = local
	} else if local, ok := opts.Allocator.(*sequence.Local); ok {
		s.local = local
	}
	if s.maxRetries == 0 {
		s.maxRetries = 64
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = obs.GetMetrics()
	}
	return s, nil
}

// SupportsFillers reports that failed appends reserve their Position.
func (s *Store) SupportsFillers() bool { return true }

func (s *Store) partitionFor(id string) *partition {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	p, ok := s.partitions[id]
	if !ok {
		p = &partition{
			byIndex: make(map[int64]*store.Chunk),
			byOp:    make(map[string]*store.Chunk),
		}
		s.partitions[id] = p
	}
	return p
}

// insert commits a chunk: partition uniqueness checks, then the global
// slot, all atomically with respect to other writers.
func (s *Store) insert(ctx context.Context, chunk *store.Chunk) error {
	if err := s.sim.Wait(ctx); err != nil {
		return err
	}

	p := s.partitionFor(chunk.PartitionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byIndex[chunk.Index]; ok {
		return errIndexTaken
	}
	if _, ok := p.byOp[chunk.OperationID]; ok {
		return errOperationTaken
	}

	s.mu.Lock()
	if err := s.placeLocked(chunk); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	p.byIndex[chunk.Index] = chunk
	p.byOp[chunk.OperationID] = chunk
	return nil
}

// placeLocked stores the chunk at its position and advances the watermarks.
// Caller holds s.mu.
func (s *Store) placeLocked(chunk *store.Chunk) error {
	slot := chunk.Position - 1
	if slot < 0 {
		return fmt.Errorf("memory: position %d out of range", chunk.Position)
	}
	for int64(len(s.chunks)) <= slot {
		s.chunks = append(s.chunks, nil)
	}
	if s.chunks[slot] != nil {
		return errPositionTaken
	}
	s.chunks[slot] = chunk
	s.advanceLocked()
	if chunk != tombstone && chunk.Position > s.lastKnown {
		s.lastKnown = chunk.Position
	}
	return nil
}

func (s *Store) advanceLocked() {
	for s.watermark < int64(len(s.chunks)) && s.chunks[s.watermark] != nil {
		s.watermark++
	}
}

// reloadSequence re-primes a local allocator from the store after a
// position collision.
func (s *Store) reloadSequence() {
	if s.local == nil {
		return
	}
	s.mu.RLock()
	last := int64(len(s.chunks))
	s.mu.RUnlock()
	s.local.Prime(last)
	s.metrics.RecordSequenceReload(backendName)
}

// writeFiller reserves a consumed position with an empty chunk.
func (s *Store) writeFiller(ctx context.Context, position int64) {
	filler, err := store.NewFiller(position, s.codec)
	if err != nil {
		s.logger.Error("filler serialize failed", "position", position, "error", err)
		return
	}
	if err := s.insert(ctx, filler); err != nil {
		s.logger.Error("filler write failed", "position", position, "error", err)
		return
	}
	s.metrics.RecordFiller(backendName)
}

// Append implements the single-write path: allocate, attempt, and on
// conflict reserve the position with a filler before reporting.
func (s *Store) Append(ctx context.Context, partitionID string, index int64, payload any, operationID string) (*store.Chunk, error) {
	start := time.Now()
	if partitionID == "" {
		return nil, &store.InvalidOptionsError{Reason: "partition id is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wire, err := s.codec.Serialize(payload)
	if err != nil {
		return nil, err
	}
	if operationID == "" {
		operationID = uuid.NewString()
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		position, err := s.seq.NextIDs(ctx, 1)
		if err != nil {
			return nil, err
		}

		chunk := &store.Chunk{
			Position:    position,
			PartitionID: partitionID,
			Index:       index,
			OperationID: operationID,
			Payload:     wire,
		}
		if index < 0 {
			chunk.Index = position
		}

		switch err := s.insert(ctx, chunk); {
		case err == nil:
			s.metrics.RecordAppend(backendName, "persisted", time.Since(start))
			out := *chunk
			out.Payload = payload
			return &out, nil

		case errors.Is(err, errIndexTaken):
			s.writeFiller(ctx, position)
			s.metrics.RecordAppend(backendName, "duplicate_index", time.Since(start))
			return nil, &store.DuplicateStreamIndexError{PartitionID: partitionID, Index: chunk.Index}

		case errors.Is(err, errOperationTaken):
			s.writeFiller(ctx, position)
			s.metrics.RecordAppend(backendName, "duplicate_operation", time.Since(start))
			return nil, nil

		case errors.Is(err, errPositionTaken):
			s.reloadSequence()

		default:
			s.metrics.RecordAppend(backendName, "error", time.Since(start))
			return nil, err
		}
	}
	return nil, fmt.Errorf("memory: append gave up after %d position collisions", s.maxRetries)
}

// AppendBatch persists the jobs with contiguous positions and reports
// per-row duplicates on the jobs. The batch path writes no fillers, so a
// duplicated row's position becomes a dead slot the watermark may pass.
func (s *Store) AppendBatch(ctx context.Context, jobs []*store.WriteJob) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	last, err := s.seq.NextIDs(ctx, len(jobs))
	if err != nil {
		return err
	}
	first := last - int64(len(jobs)) + 1

	s.metrics.RecordBatch(len(jobs))

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		wire, err := s.codec.Serialize(job.Payload)
		if err != nil {
			return err
		}
		operationID := job.OperationID
		if operationID == "" {
			operationID = uuid.NewString()
		}

		position := first + int64(i)
		chunk := &store.Chunk{
			Position:    position,
			PartitionID: job.PartitionID,
			Index:       job.Index,
			OperationID: operationID,
			Payload:     wire,
		}
		if job.Index < 0 {
			chunk.Index = position
		}

		switch err := s.insert(ctx, chunk); {
		case err == nil:
			out := *chunk
			out.Payload = job.Payload
			job.Succeed(&out)
			s.metrics.RecordAppend(backendName, "persisted", 0)

		case errors.Is(err, errIndexTaken):
			job.MarkDuplicatedIndex()
			s.deadSlot(position)
			s.metrics.RecordAppend(backendName, "duplicate_index", 0)

		case errors.Is(err, errOperationTaken):
			job.MarkDuplicatedOperation()
			s.deadSlot(position)
			s.metrics.RecordAppend(backendName, "duplicate_operation", 0)

		default:
			return err
		}
	}
	return nil
}

// deadSlot marks a batch-duplicated position so the watermark can advance
// past it.
func (s *Store) deadSlot(position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := position - 1
	for int64(len(s.chunks)) <= slot {
		s.chunks = append(s.chunks, nil)
	}
	if s.chunks[slot] == nil {
		s.chunks[slot] = tombstone
		s.advanceLocked()
	}
}

// deliverable clones a chunk with its payload deserialized for delivery.
func (s *Store) deliverable(c *store.Chunk) (*store.Chunk, error) {
	payload, err := s.codec.Deserialize(c.Payload)
	if err != nil {
		return nil, err
	}
	out := *c
	out.Payload = payload
	return &out, nil
}

// source wraps a snapshot into a ChunkSource with simulator latency before
// each delivery.
func (s *Store) source(snapshot []*store.Chunk, limit int64) store.ChunkSource {
	if limit <= 0 {
		limit = store.NoLimit
	}
	var served int64
	i := 0
	return func(ctx context.Context) (*store.Chunk, error) {
		if i >= len(snapshot) || served >= limit {
			return nil, nil
		}
		if err := s.sim.Wait(ctx); err != nil {
			return nil, err
		}
		c, err := s.deliverable(snapshot[i])
		if err != nil {
			return nil, err
		}
		i++
		served++
		return c, nil
	}
}

// snapshotRange collects the partition's live chunks with index in
// [lo, hi], sorted ascending.
func (s *Store) snapshotRange(partitionID string, lo, hi int64) []*store.Chunk {
	p := s.partitionFor(partitionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	// Copies, not pointers: a concurrent Delete may flip the flag while
	// the snapshot is being delivered.
	var out []*store.Chunk
	for idx, c := range p.byIndex {
		if idx < lo || idx > hi || c.Deleted {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ReadForward delivers the partition's chunks ascending by index.
func (s *Store) ReadForward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub store.Subscription, toIndexInclusive int64, limit int64) error {
	snapshot := s.snapshotRange(partitionID, fromIndexInclusive, toIndexInclusive)
	err := store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, s.source(snapshot, limit))
	s.metrics.RecordDelivered(backendName, "forward", len(snapshot))
	return err
}

// ReadBackward delivers the partition's chunks descending by index.
func (s *Store) ReadBackward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub store.Subscription, toIndexInclusive int64, limit int64) error {
	snapshot := s.snapshotRange(partitionID, toIndexInclusive, fromIndexInclusive)
	for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
		snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
	}
	err := store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, s.source(snapshot, limit))
	s.metrics.RecordDelivered(backendName, "backward", len(snapshot))
	return err
}

// ReadSingleBackward returns the chunk with the largest index not
// exceeding fromIndexInclusive, or nil.
func (s *Store) ReadSingleBackward(ctx context.Context, partitionID string, fromIndexInclusive int64) (*store.Chunk, error) {
	if err := s.sim.Wait(ctx); err != nil {
		return nil, err
	}

	p := s.partitionFor(partitionID)
	p.mu.Lock()
	var best *store.Chunk
	for idx, c := range p.byIndex {
		if idx > fromIndexInclusive || c.Deleted {
			continue
		}
		if best == nil || idx > best.Index {
			best = c
		}
	}
	var cp store.Chunk
	if best != nil {
		cp = *best
	}
	p.mu.Unlock()

	if best == nil {
		return nil, nil
	}
	return s.deliverable(&cp)
}

// ReadAll delivers chunks of every partition by ascending position up to
// the committed watermark, fillers included, deleted chunks skipped.
func (s *Store) ReadAll(ctx context.Context, fromPositionInclusive int64, sub store.Subscription, limit int64) error {
	if fromPositionInclusive < 1 {
		fromPositionInclusive = 1
	}

	s.mu.RLock()
	var snapshot []*store.Chunk
	for pos := fromPositionInclusive; pos <= s.watermark; pos++ {
		c := s.chunks[pos-1]
		if c == tombstone || c.Deleted {
			continue
		}
		cp := *c
		snapshot = append(snapshot, &cp)
	}
	s.mu.RUnlock()

	err := store.Pump(ctx, sub, fromPositionInclusive, store.PositionKey, s.source(snapshot, limit))
	s.metrics.RecordDelivered(backendName, "all", len(snapshot))
	return err
}

// ReadLastPosition returns the highest persisted position, fillers
// included.
func (s *Store) ReadLastPosition(ctx context.Context) (int64, error) {
	if err := s.sim.Wait(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKnown, nil
}

// ReadByOperationID returns the partition's live chunk with the operation
// key, or nil.
func (s *Store) ReadByOperationID(ctx context.Context, partitionID, operationID string) (*store.Chunk, error) {
	if err := s.sim.Wait(ctx); err != nil {
		return nil, err
	}

	p := s.partitionFor(partitionID)
	p.mu.Lock()
	c := p.byOp[operationID]
	var cp store.Chunk
	if c != nil {
		cp = *c
	}
	p.mu.Unlock()

	if c == nil || cp.Deleted {
		return nil, nil
	}
	return s.deliverable(&cp)
}

// ReadAllByOperationID delivers every chunk carrying the operation key,
// position-ascending.
func (s *Store) ReadAllByOperationID(ctx context.Context, operationID string, sub store.Subscription) error {
	s.mu.RLock()
	var snapshot []*store.Chunk
	for pos := int64(1); pos <= s.watermark; pos++ {
		c := s.chunks[pos-1]
		if c == tombstone || c.Deleted || c.OperationID != operationID {
			continue
		}
		cp := *c
		snapshot = append(snapshot, &cp)
	}
	s.mu.RUnlock()

	err := store.Pump(ctx, sub, 0, store.PositionKey, s.source(snapshot, store.NoLimit))
	s.metrics.RecordDelivered(backendName, "operation", len(snapshot))
	return err
}

// Delete soft-deletes the partition's chunks with index in the range.
// Positions stay consumed and indices are never reused.
func (s *Store) Delete(ctx context.Context, partitionID string, fromIndexInclusive, toIndexInclusive int64) error {
	if err := s.sim.Wait(ctx); err != nil {
		return err
	}

	p := s.partitionFor(partitionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	// The Deleted flag is read under s.mu by global scans, so flip it
	// under the same lock.
	s.mu.Lock()
	matched := 0
	for idx, c := range p.byIndex {
		if idx < fromIndexInclusive || idx > toIndexInclusive || c.Deleted {
			continue
		}
		c.Deleted = true
		matched++
	}
	s.mu.Unlock()
	if matched == 0 {
		return &store.StreamDeleteError{PartitionID: partitionID}
	}
	return nil
}

// Compile-time contract assertion.
var _ store.Persistence = (*Store)(nil)
