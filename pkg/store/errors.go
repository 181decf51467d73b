package store

import "fmt"

// DuplicateStreamIndexError reports a (partition, index) uniqueness
// violation during Append. When a backend's Append returns it, the Position
// allocated for the failed write has been reserved with a filler on
// backends that support fillers; the Batcher returns it with no filler.
type DuplicateStreamIndexError struct {
	PartitionID string
	Index       int64
}

func (e *DuplicateStreamIndexError) Error() string {
	return fmt.Sprintf("duplicate index %d in partition %q", e.Index, e.PartitionID)
}

// StreamDeleteError reports a Delete call that matched no chunks.
type StreamDeleteError struct {
	PartitionID string
}

func (e *StreamDeleteError) Error() string {
	return fmt.Sprintf("delete matched no chunks in partition %q", e.PartitionID)
}

// InvalidOptionsError reports a backend constructed with an unusable
// configuration.
type InvalidOptionsError struct {
	Reason string
}

func (e *InvalidOptionsError) Error() string {
	return "invalid options: " + e.Reason
}
