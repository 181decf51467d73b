package store

import "context"

// ChunkSource yields the next chunk of a prepared scan. It returns
// (nil, nil) when the scan is exhausted. Payloads must already be
// deserialized.
type ChunkSource func(ctx context.Context) (*Chunk, error)

// Pump drives a subscription over a chunk source, enforcing the protocol:
// OnStart once, OnNext per chunk in source order, then exactly one terminal
// callback. keyOf selects the position reported to terminal callbacks (the
// Index for partition reads, the Position for global reads).
//
// Cancellation and source failures terminate through OnError with the last
// delivered key; an empty scan terminates through Stopped(initial). The
// returned error is whatever the terminal callback itself returned, so read
// operations only fail when the consumer's terminal handling fails.
func Pump(ctx context.Context, sub Subscription, initial int64, keyOf func(*Chunk) int64, src ChunkSource) error {
	if err := sub.OnStart(initial); err != nil {
		return sub.OnError(initial, err)
	}

	last := initial
	delivered := false
	for {
		if err := ctx.Err(); err != nil {
			return sub.OnError(last, err)
		}

		chunk, err := src(ctx)
		if err != nil {
			return sub.OnError(last, err)
		}
		if chunk == nil {
			if !delivered {
				return sub.Stopped(initial)
			}
			return sub.Completed(last)
		}

		ok, err := sub.OnNext(ctx, chunk)
		if err != nil {
			return sub.OnError(keyOf(chunk), err)
		}
		last = keyOf(chunk)
		delivered = true
		if !ok {
			return sub.Stopped(last)
		}
	}
}

// SliceSource adapts a prepared slice of chunks to a ChunkSource.
func SliceSource(chunks []*Chunk) ChunkSource {
	i := 0
	return func(context.Context) (*Chunk, error) {
		if i >= len(chunks) {
			return nil, nil
		}
		c := chunks[i]
		i++
		return c, nil
	}
}

// IndexKey selects a chunk's Index; used by partition-scoped reads.
func IndexKey(c *Chunk) int64 { return c.Index }

// PositionKey selects a chunk's Position; used by global reads.
func PositionKey(c *Chunk) int64 { return c.Position }
