package store

import (
	"context"
	"sync"
)

// Persistence is the contract every Strata backend implements. All
// operations are context-aware; cancellation observed mid-scan is reported
// through the subscription, while direct-result operations return the
// context error.
type Persistence interface {
	// ReadForward delivers the partition's chunks with Index in
	// [fromIndexInclusive, toIndexInclusive], ascending, at most limit of
	// them.
	ReadForward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub Subscription, toIndexInclusive int64, limit int64) error

	// ReadBackward delivers the partition's chunks with Index in
	// [toIndexInclusive, fromIndexInclusive], descending from
	// fromIndexInclusive, at most limit of them.
	ReadBackward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub Subscription, toIndexInclusive int64, limit int64) error

	// ReadSingleBackward returns the chunk with the largest Index not
	// exceeding fromIndexInclusive, or nil if the partition has none.
	ReadSingleBackward(ctx context.Context, partitionID string, fromIndexInclusive int64) (*Chunk, error)

	// ReadAll delivers chunks of every partition by ascending Position,
	// starting at fromPositionInclusive. Fillers are delivered too;
	// consumers filter them by partition id.
	ReadAll(ctx context.Context, fromPositionInclusive int64, sub Subscription, limit int64) error

	// ReadLastPosition returns the largest persisted Position, or 0.
	ReadLastPosition(ctx context.Context) (int64, error)

	// ReadByOperationID returns the partition's chunk carrying the
	// operation key, or nil.
	ReadByOperationID(ctx context.Context, partitionID, operationID string) (*Chunk, error)

	// ReadAllByOperationID delivers every chunk carrying the operation
	// key across partitions, Position-ascending.
	ReadAllByOperationID(ctx context.Context, operationID string, sub Subscription) error

	// Append persists one chunk. index < 0 requests auto-assignment
	// (Index becomes the Position); an empty operationID gets a fresh
	// token. Returns (nil, nil) when (partition, operationID) already
	// exists: the write is an idempotent no-op. Returns
	// *DuplicateStreamIndexError when (partition, index) already exists.
	// Either conflict reserves the allocated Position with a filler.
	Append(ctx context.Context, partitionID string, index int64, payload any, operationID string) (*Chunk, error)

	// AppendBatch persists the jobs with contiguous Positions from one
	// allocator call. The bundled backends insert the rows one at a time
	// in job order, not as a single bulk statement. Per-row duplicates are
	// reported on the jobs, not raised; other failures propagate and
	// leave unprocessed jobs pending. The batch path writes no fillers.
	AppendBatch(ctx context.Context, jobs []*WriteJob) error

	// Delete soft-deletes the partition's chunks with Index in
	// [fromIndexInclusive, toIndexInclusive]. Returns *StreamDeleteError
	// when nothing matched.
	Delete(ctx context.Context, partitionID string, fromIndexInclusive, toIndexInclusive int64) error

	// SupportsFillers reports whether failed appends reserve their
	// Position with an empty chunk.
	SupportsFillers() bool
}

// JobResult is the outcome of one batch write job.
type JobResult int

const (
	// JobPending means the job was not processed (initial state, or the
	// batch failed before reaching it).
	JobPending JobResult = iota

	// JobSucceeded means the chunk was persisted.
	JobSucceeded

	// JobDuplicatedIndex means (partition, index) already existed.
	JobDuplicatedIndex

	// JobDuplicatedOperation means (partition, operationID) already
	// existed; the write is an idempotent no-op.
	JobDuplicatedOperation
)

func (r JobResult) String() string {
	switch r {
	case JobPending:
		return "pending"
	case JobSucceeded:
		return "succeeded"
	case JobDuplicatedIndex:
		return "duplicated-index"
	case JobDuplicatedOperation:
		return "duplicated-operation"
	default:
		return "unknown"
	}
}

// WriteJob is one row of an AppendBatch call. Backends assign the Position,
// attempt the insert and record the outcome; the caller reads it back with
// Result and Chunk.
type WriteJob struct {
	PartitionID string
	Index       int64
	Payload     any
	OperationID string

	mu     sync.Mutex
	result JobResult
	chunk  *Chunk
}

// NewWriteJob builds a pending write job. index may be AutoIndex and
// operationID may be empty, with the same meaning as in Append.
func NewWriteJob(partitionID string, index int64, payload any, operationID string) *WriteJob {
	return &WriteJob{
		PartitionID: partitionID,
		Index:       index,
		Payload:     payload,
		OperationID: operationID,
	}
}

// Result returns the job's outcome.
func (j *WriteJob) Result() JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Chunk returns the persisted chunk for a succeeded job, nil otherwise.
func (j *WriteJob) Chunk() *Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunk
}

// Succeed records a persisted chunk. Called by backends.
func (j *WriteJob) Succeed(c *Chunk) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = JobSucceeded
	j.chunk = c
}

// MarkDuplicatedIndex records a (partition, index) collision. Called by
// backends.
func (j *WriteJob) MarkDuplicatedIndex() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = JobDuplicatedIndex
	j.chunk = nil
}

// MarkDuplicatedOperation records a (partition, operationID) collision.
// Called by backends.
func (j *WriteJob) MarkDuplicatedOperation() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = JobDuplicatedOperation
	j.chunk = nil
}
