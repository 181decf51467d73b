// Package relay publishes committed chunks to NATS subjects by riding a
// polling client. It is a notification bridge for downstream consumers,
// not replication: the store stays the source of truth and consumers
// re-read from it after a gap.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stratalog/strata/pkg/poller"
	"github.com/stratalog/strata/pkg/store"
)

// Config configures the relay.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "strata".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// Poll configures the underlying polling client.
	Poll poller.Config

	// IncludeFillers also publishes filler chunks. Default: skip them.
	IncludeFillers bool
}

// Envelope is the JSON wire form of a relayed chunk.
type Envelope struct {
	Position    int64  `json:"position"`
	PartitionID string `json:"partitionId"`
	Index       int64  `json:"index"`
	OperationID string `json:"operationId"`
	Payload     any    `json:"payload,omitempty"`
}

// Relay feeds a NATS subject per partition:
// <prefix>.chunks.<partition id>.
type Relay struct {
	nc     *nats.Conn
	client *poller.Client
	prefix string
	logger *slog.Logger
}

// New connects to NATS and prepares the relay over the given store.
func New(reader poller.Reader, cfg Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "strata"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := &Relay{
		nc:     nc,
		prefix: prefix,
		logger: logger,
	}

	sub := &store.LambdaSubscription{
		OnNextFn: func(ctx context.Context, chunk *store.Chunk) (bool, error) {
			if chunk.IsFiller() && !cfg.IncludeFillers {
				return true, nil
			}
			if err := r.publish(chunk); err != nil {
				return false, err
			}
			return true, nil
		},
		OnErrorFn: func(position int64, err error) error {
			logger.Error("relay delivery failed", "position", position, "error", err)
			return nil
		},
	}

	client, err := poller.New(reader, sub, cfg.Poll, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.client = client
	return r, nil
}

func (r *Relay) publish(chunk *store.Chunk) error {
	env := Envelope{
		Position:    chunk.Position,
		PartitionID: chunk.PartitionID,
		Index:       chunk.Index,
		OperationID: chunk.OperationID,
		Payload:     chunk.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: envelope encode failed: %w", err)
	}
	subject := fmt.Sprintf("%s.chunks.%s", r.prefix, chunk.PartitionID)
	return r.nc.Publish(subject, data)
}

// Start launches the relay's polling loop.
func (r *Relay) Start(ctx context.Context) {
	r.client.Start(ctx)
}

// Position returns the highest relayed position.
func (r *Relay) Position() int64 { return r.client.Position() }

// WaitForCatchUp blocks until every committed chunk has been relayed.
func (r *Relay) WaitForCatchUp(ctx context.Context) error {
	return r.client.WaitForCatchUp(ctx)
}

// Stop halts polling, flushes the connection and closes it.
func (r *Relay) Stop(ctx context.Context) error {
	err := r.client.Stop(ctx)
	if ferr := r.nc.FlushTimeout(5 * time.Second); ferr != nil && err == nil {
		err = ferr
	}
	r.nc.Close()
	return err
}
