// Package streams provides the per-partition façade over a Strata store.
// Streams are value-typed handles; the factory caches nothing.
package streams

import (
	"context"
	"errors"

	"github.com/stratalog/strata/pkg/store"
)

// ErrReadOnly is returned by writes on a read-only stream.
var ErrReadOnly = errors.New("streams: stream is read-only")

// Stream binds a partition id to a store.
type Stream struct {
	partitionID string
	store       store.Persistence
	readOnly    bool
}

// PartitionID returns the bound partition.
func (s Stream) PartitionID() string { return s.partitionID }

// IsWritable reports whether Append and Delete are allowed.
func (s Stream) IsWritable() bool { return !s.readOnly }

// Append writes one chunk at the next auto-assigned index.
func (s Stream) Append(ctx context.Context, payload any, operationID string) (*store.Chunk, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	return s.store.Append(ctx, s.partitionID, store.AutoIndex, payload, operationID)
}

// AppendAt writes one chunk at a caller-chosen index.
func (s Stream) AppendAt(ctx context.Context, index int64, payload any, operationID string) (*store.Chunk, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	return s.store.Append(ctx, s.partitionID, index, payload, operationID)
}

// Read delivers the stream's chunks with index in [fromIndex, toIndex],
// ascending.
func (s Stream) Read(ctx context.Context, sub store.Subscription, fromIndexInclusive, toIndexInclusive int64) error {
	return s.store.ReadForward(ctx, s.partitionID, fromIndexInclusive, sub, toIndexInclusive, store.NoLimit)
}

// Last returns the stream's most recent chunk, or nil.
func (s Stream) Last(ctx context.Context) (*store.Chunk, error) {
	return s.store.ReadSingleBackward(ctx, s.partitionID, store.MaxIndex)
}

// Delete removes the whole stream.
func (s Stream) Delete(ctx context.Context) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.store.Delete(ctx, s.partitionID, 0, store.MaxIndex)
}

// DeleteRange removes the chunks with index in the range.
func (s Stream) DeleteRange(ctx context.Context, fromIndexInclusive, toIndexInclusive int64) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.store.Delete(ctx, s.partitionID, fromIndexInclusive, toIndexInclusive)
}

// Factory opens stream handles over one store.
type Factory struct {
	store store.Persistence
}

// NewFactory builds a stream factory.
func NewFactory(p store.Persistence) Factory {
	return Factory{store: p}
}

// Open returns a writable stream bound to the partition.
func (f Factory) Open(partitionID string) Stream {
	return Stream{partitionID: partitionID, store: f.store}
}

// OpenReadOnly returns a stream whose writes fail with ErrReadOnly.
func (f Factory) OpenReadOnly(partitionID string) Stream {
	return Stream{partitionID: partitionID, store: f.store, readOnly: true}
}
