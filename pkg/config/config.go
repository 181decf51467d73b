// Package config loads store configuration from YAML or JSON files with
// environment overrides, and builds the configured backend.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratalog/strata/pkg/store"
	"github.com/stratalog/strata/pkg/store/memory"
	"github.com/stratalog/strata/pkg/store/sqlstore"
)

// PollOptions configures the polling client built on top of the store.
type PollOptions struct {
	// Interval between polls.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// ImmediateRepoll re-polls without sleeping after non-empty polls.
	ImmediateRepoll bool `yaml:"immediateRepoll" json:"immediateRepoll"`

	// Limit caps chunks per poll.
	Limit int64 `yaml:"limit" json:"limit"`
}

// PoolOptions bounds the SQL connection pool.
type PoolOptions struct {
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime" json:"connMaxIdleTime"`
}

// Options selects and configures a backend.
type Options struct {
	// Backend is "memory", "sqlite3", "pgx" or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// DSN is the connection string for SQL backends.
	DSN string `yaml:"dsn" json:"dsn"`

	// Table is the chunk table name for SQL backends.
	Table string `yaml:"table" json:"table"`

	// Codec is "nop" or "json".
	Codec string `yaml:"codec" json:"codec"`

	// SharedSequence switches SQL backends to the counter-table
	// allocator.
	SharedSequence bool `yaml:"sharedSequence" json:"sharedSequence"`

	// CounterName keys the shared counter row.
	CounterName string `yaml:"counterName" json:"counterName"`

	Pool PoolOptions `yaml:"pool" json:"pool"`
	Poll PollOptions `yaml:"poll" json:"poll"`
}

// Default returns the options used when no file is given: an in-memory
// store with the identity codec.
func Default() Options {
	return Options{
		Backend: "memory",
		Codec:   "nop",
		Poll: PollOptions{
			Interval:        200 * time.Millisecond,
			ImmediateRepoll: true,
			Limit:           512,
		},
	}
}

// Load reads options from a YAML or JSON file, detected by extension.
func Load(path string) (Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("config: parse %s: %w", path, err)
		}
		return opts, nil
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// LoadWithEnv loads options from a file and applies environment overrides.
// Variables use the form <prefix>_BACKEND, <prefix>_DSN, <prefix>_TABLE,
// <prefix>_CODEC; prefix defaults to "STRATA".
func LoadWithEnv(path, prefix string) (Options, error) {
	opts, err := Load(path)
	if err != nil {
		return opts, err
	}
	ApplyEnv(prefix, &opts)
	return opts, nil
}

// ApplyEnv applies environment overrides onto opts.
func ApplyEnv(prefix string, opts *Options) {
	if prefix == "" {
		prefix = "STRATA"
	}
	if v := os.Getenv(prefix + "_BACKEND"); v != "" {
		opts.Backend = v
	}
	if v := os.Getenv(prefix + "_DSN"); v != "" {
		opts.DSN = v
	}
	if v := os.Getenv(prefix + "_TABLE"); v != "" {
		opts.Table = v
	}
	if v := os.Getenv(prefix + "_CODEC"); v != "" {
		opts.Codec = v
	}
}

// Validate checks the options before Build.
func (o Options) Validate() error {
	switch o.Backend {
	case "memory":
	case "sqlite3", "pgx", "postgres":
		if o.DSN == "" {
			return &store.InvalidOptionsError{Reason: fmt.Sprintf("backend %q requires a dsn", o.Backend)}
		}
	default:
		return &store.InvalidOptionsError{Reason: fmt.Sprintf("unknown backend %q", o.Backend)}
	}

	switch o.Codec {
	case "", "nop", "json":
	default:
		return &store.InvalidOptionsError{Reason: fmt.Sprintf("unknown codec %q", o.Codec)}
	}
	return nil
}

func (o Options) codec() store.Codec {
	if o.Codec == "json" {
		return store.JSONCodec{}
	}
	return store.NopCodec{}
}

// Build constructs the configured backend. The returned close function
// releases backend resources (a no-op for the in-memory store).
func Build(ctx context.Context, o Options, logger *slog.Logger) (store.Persistence, func() error, error) {
	if err := o.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch o.Backend {
	case "memory":
		s, err := memory.New(memory.Options{
			Codec:  o.codec(),
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil

	default:
		s, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver: o.Backend,
			DSN:    o.DSN,
			Table:  o.Table,
			Pool: sqlstore.PoolConfig{
				MaxOpenConns:    o.Pool.MaxOpenConns,
				MaxIdleConns:    o.Pool.MaxIdleConns,
				ConnMaxLifetime: o.Pool.ConnMaxLifetime,
				ConnMaxIdleTime: o.Pool.ConnMaxIdleTime,
			},
			Codec:          o.codec(),
			SharedSequence: o.SharedSequence,
			CounterName:    o.CounterName,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
