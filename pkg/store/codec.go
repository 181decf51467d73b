package store

import (
	"encoding/json"
	"fmt"
)

// Codec converts payloads to and from their persisted form. It is invoked
// on every write (fillers included) and on every read before delivery to a
// subscription. Implementations must be stateless and safe for concurrent
// use.
type Codec interface {
	// Serialize converts a payload into its wire form.
	Serialize(payload any) (any, error)

	// Deserialize converts a wire form back into a payload.
	Deserialize(wire any) (any, error)
}

// NopCodec passes payloads through unchanged. It is the default codec.
type NopCodec struct{}

func (NopCodec) Serialize(payload any) (any, error) { return payload, nil }
func (NopCodec) Deserialize(wire any) (any, error)  { return wire, nil }

// JSONCodec stores payloads as JSON bytes. Deserialize yields the generic
// JSON shape (map[string]any, []any, float64, string, bool, nil); callers
// needing typed payloads wrap their own codec around their own types.
type JSONCodec struct{}

func (JSONCodec) Serialize(payload any) (any, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json serialize failed: %w", err)
	}
	return data, nil
}

func (JSONCodec) Deserialize(wire any) (any, error) {
	if wire == nil {
		return nil, nil
	}
	data, ok := wire.([]byte)
	if !ok {
		return nil, fmt.Errorf("json deserialize: expected []byte, got %T", wire)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json deserialize failed: %w", err)
	}
	return v, nil
}

// Compile-time interface assertions.
var (
	_ Codec = NopCodec{}
	_ Codec = JSONCodec{}
)
