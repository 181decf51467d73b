// Package store defines the persistence contract for the Strata append-only
// chunk log: the immutable Chunk record, the pluggable payload Codec, the
// Persistence interface every backend implements, the push-based Subscription
// protocol, and the coalescing Batcher that rides on AppendBatch.
//
// Contract summary:
//   - Chunks are immutable once persisted; Positions are globally unique
//     and strictly increasing starting at 1, and dense except where a
//     duplicated AppendBatch row leaves its Position unused.
//   - Within a partition, Index and OperationID are unique.
//   - A failed Append reserves its Position with an empty filler chunk in
//     the "::empty" partition so the global sequence stays gap-free.
//   - All operations are context-aware; backends never hold internal locks
//     across subscription callbacks.
package store
