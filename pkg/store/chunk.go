package store

import "strconv"

// EmptyPartitionID is the reserved partition holding filler chunks.
// Application code must never write to it directly.
const EmptyPartitionID = "::empty"

const (
	// AutoIndex requests index auto-assignment: the chunk's Index becomes
	// its Position.
	AutoIndex int64 = -1

	// MaxIndex is the largest addressable per-partition index.
	MaxIndex int64 = 1<<63 - 1

	// MaxPosition is the largest addressable global position.
	MaxPosition int64 = 1<<63 - 1

	// NoLimit disables the row cap on range reads.
	NoLimit int64 = 1<<63 - 1
)

// Chunk is one immutable record in the log.
type Chunk struct {
	// Position is the global, strictly monotonic id across all partitions.
	// Assigned by the sequence allocator at write time.
	Position int64

	// PartitionID names the owning partition (event stream).
	PartitionID string

	// Index is the per-partition ordinal. Unique within a partition but
	// not necessarily contiguous.
	Index int64

	// OperationID is the idempotency key, unique within a partition.
	OperationID string

	// Payload is the record body, already run through the store's Codec.
	Payload any

	// Deleted marks a soft-deleted chunk. Deleted chunks keep their
	// Position and are skipped by every read path.
	Deleted bool
}

// IsFiller reports whether the chunk is a stand-in reserving a Position
// after a write conflict.
func (c *Chunk) IsFiller() bool {
	return c.PartitionID == EmptyPartitionID
}

// FillerOperationID builds the operation token a filler carries at the
// given position.
func FillerOperationID(position int64) string {
	return "_" + strconv.FormatInt(position, 10)
}

// NewFiller builds the empty chunk reserving position. The payload is the
// codec's serialization of nil so read paths can deserialize it like any
// other chunk.
func NewFiller(position int64, codec Codec) (*Chunk, error) {
	payload, err := codec.Serialize(nil)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Position:    position,
		PartitionID: EmptyPartitionID,
		Index:       position,
		OperationID: FillerOperationID(position),
		Payload:     payload,
	}, nil
}
