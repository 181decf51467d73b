// Package sqlstore is the relational Strata backend over database/sql.
// Supported drivers: sqlite3 (mattn/go-sqlite3) and postgres, either
// through pgx's database/sql adapter (driver "pgx") or lib/pq (driver
// "postgres"). Behavior follows the in-memory reference: fillers on
// conflicting appends, soft deletes, and the two per-partition unique
// keys.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	// Drivers register themselves with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	obs "github.com/stratalog/strata/pkg/observability/prometheus"
	"github.com/stratalog/strata/pkg/sequence"
	"github.com/stratalog/strata/pkg/store"
)

const backendName = "sql"

// Serializer tags persisted alongside the payload so reads can restore the
// codec's wire form.
const (
	serializerNone   = ""
	serializerBytes  = "bytes"
	serializerString = "string"
	serializerJSON   = "json"
)

// PoolConfig bounds the database/sql connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns conservative pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Options configures the SQL backend.
type Options struct {
	// Driver is "sqlite3", "pgx" or "postgres". Always required: it
	// selects the dialect, and when DB is nil it also names the
	// database/sql driver to open.
	Driver string

	// DSN is the connection string. Ignored when DB is set.
	DSN string

	// DB is an optional pre-opened handle; the store will not close it.
	DB *sql.DB

	// Table is the chunk table name. Default: "chunks".
	Table string

	// Pool bounds the connection pool when the store opens the handle.
	Pool PoolConfig

	// Codec serializes payloads. Default: store.NopCodec.
	Codec store.Codec

	// SharedSequence allocates positions through the counter table,
	// making the sequence safe across processes. The default is a local
	// allocator primed from MAX(position) at open.
	SharedSequence bool

	// CounterName keys the shared counter row. Default: Table.
	CounterName string

	// MaxAppendRetries caps the position-collision retry loop.
	// Default: 64.
	MaxAppendRetries int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to the shared collection.
	Metrics *obs.Metrics
}

// Store is the relational backend.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	dialect dialect
	table   string
	codec   store.Codec
	seq     sequence.Allocator
	local   *sequence.Local
	retries int
	logger  *slog.Logger
	metrics *obs.Metrics
	tracer  trace.Tracer
}

// Open connects (unless given a handle), creates the schema and primes the
// sequence.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DB == nil && opts.DSN == "" {
		return nil, &store.InvalidOptionsError{Reason: "sqlstore requires a DSN or an open DB"}
	}
	if opts.Driver == "" {
		return nil, &store.InvalidOptionsError{Reason: "sqlstore requires a driver name"}
	}
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, &store.InvalidOptionsError{Reason: err.Error()}
	}
	if opts.MaxAppendRetries < 0 {
		return nil, &store.InvalidOptionsError{Reason: "MaxAppendRetries cannot be negative"}
	}

	s := &Store{
		db:      opts.DB,
		dialect: d,
		table:   opts.Table,
		codec:   opts.Codec,
		retries: opts.MaxAppendRetries,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("strata/sqlstore"),
	}
	if s.table == "" {
		s.table = "chunks"
	}
	if s.codec == nil {
		s.codec = store.NopCodec{}
	}
	if s.retries == 0 {
		s.retries = 64
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = obs.GetMetrics()
	}

	if s.db == nil {
		db, err := sql.Open(opts.Driver, opts.DSN)
		if err != nil {
			return nil, err
		}
		pool := opts.Pool
		if pool.MaxOpenConns == 0 && pool.MaxIdleConns == 0 {
			pool = DefaultPoolConfig()
		}
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.ownsDB = true
	}

	for _, ddl := range s.dialect.Schema(s.table) {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.closeOwned()
			return nil, fmt.Errorf("sqlstore: schema setup failed: %w", err)
		}
	}

	if opts.SharedSequence {
		name := opts.CounterName
		if name == "" {
			name = s.table
		}
		counter := &counterStore{db: s.db, dialect: s.dialect, table: s.table}
		s.seq = sequence.NewShared(counter, name)
	} else {
		last, err := s.maxPosition(ctx)
		if err != nil {
			s.closeOwned()
			return nil, err
		}
		local := sequence.NewLocal(last)
		s.seq = local
		s.local = local
	}

	return s, nil
}

// Close releases the connection pool if the store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) closeOwned() {
	if s.ownsDB {
		_ = s.db.Close()
	}
}

// SupportsFillers reports that failed appends reserve their Position.
func (s *Store) SupportsFillers() bool { return true }

func (s *Store) maxPosition(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(position), 0) FROM %s`, s.table)
	var last int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// encodePayload flattens the codec's wire form into bytes plus a
// serializer tag.
func (s *Store) encodePayload(payload any) ([]byte, string, error) {
	wire, err := s.codec.Serialize(payload)
	if err != nil {
		return nil, "", err
	}
	switch v := wire.(type) {
	case nil:
		return nil, serializerNone, nil
	case []byte:
		return v, serializerBytes, nil
	case string:
		return []byte(v), serializerString, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("sqlstore: payload encode failed: %w", err)
		}
		return data, serializerJSON, nil
	}
}

// decodePayload restores the wire form and runs the codec.
func (s *Store) decodePayload(data []byte, info string) (any, error) {
	var wire any
	switch info {
	case serializerNone:
		wire = nil
	case serializerBytes:
		wire = data
	case serializerString:
		wire = string(data)
	case serializerJSON:
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("sqlstore: payload decode failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("sqlstore: unknown serializer %q", info)
	}
	return s.codec.Deserialize(wire)
}

func (s *Store) insert(ctx context.Context, c *store.Chunk, payload []byte, info string) error {
	query := s.dialect.Bind(fmt.Sprintf(
		`INSERT INTO %s (position, partition_id, idx, operation_id, payload, serializer_info, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, FALSE)`,
		s.table,
	))
	_, err := s.db.ExecContext(ctx, query, c.Position, c.PartitionID, c.Index, c.OperationID, payload, info)
	return err
}

func (s *Store) reloadSequence(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	last, err := s.maxPosition(ctx)
	if err != nil {
		return err
	}
	s.local.Prime(last)
	s.metrics.RecordSequenceReload(backendName)
	return nil
}

func (s *Store) writeFiller(ctx context.Context, position int64) {
	filler, err := store.NewFiller(position, s.codec)
	if err != nil {
		s.logger.Error("filler serialize failed", "position", position, "error", err)
		return
	}
	payload, info, err := s.encodePayload(nil)
	if err != nil {
		s.logger.Error("filler encode failed", "position", position, "error", err)
		return
	}
	if err := s.insert(ctx, filler, payload, info); err != nil {
		s.logger.Error("filler write failed", "position", position, "error", err)
		return
	}
	s.metrics.RecordFiller(backendName)
}

// Append implements the single-write path with filler reservation and
// stale-sequence recovery.
func (s *Store) Append(ctx context.Context, partitionID string, index int64, payload any, operationID string) (*store.Chunk, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.Append")
	defer span.End()

	start := time.Now()
	if partitionID == "" {
		return nil, &store.InvalidOptionsError{Reason: "partition id is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, info, err := s.encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if operationID == "" {
		operationID = uuid.NewString()
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		position, err := s.seq.NextIDs(ctx, 1)
		if err != nil {
			return nil, err
		}

		chunk := &store.Chunk{
			Position:    position,
			PartitionID: partitionID,
			Index:       index,
			OperationID: operationID,
			Payload:     payload,
		}
		if index < 0 {
			chunk.Index = position
		}

		err = s.insert(ctx, chunk, data, info)
		switch s.dialect.Violation(err) {
		case violationNone:
			if err != nil {
				s.metrics.RecordAppend(backendName, "error", time.Since(start))
				return nil, err
			}
			s.metrics.RecordAppend(backendName, "persisted", time.Since(start))
			return chunk, nil

		case violationIndex:
			s.writeFiller(ctx, position)
			s.metrics.RecordAppend(backendName, "duplicate_index", time.Since(start))
			return nil, &store.DuplicateStreamIndexError{PartitionID: partitionID, Index: chunk.Index}

		case violationOperation:
			s.writeFiller(ctx, position)
			s.metrics.RecordAppend(backendName, "duplicate_operation", time.Since(start))
			return nil, nil

		case violationPosition:
			if err := s.reloadSequence(ctx); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("sqlstore: append gave up after %d position collisions", s.retries)
}

// AppendBatch inserts the jobs row by row with preallocated contiguous
// positions, reporting per-row duplicates on the jobs. No fillers on this
// path; duplicated rows leave gaps the caller reconciles.
func (s *Store) AppendBatch(ctx context.Context, jobs []*store.WriteJob) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.AppendBatch")
	defer span.End()

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

		data, info, err := s.encodePayload(job.Payload)
		if err != nil {
			return err
		}
		operationID := job.OperationID
		if operationID == "" {
			operationID = uuid.NewString()
		}

		chunk := &store.Chunk{
			Position:    first + int64(i),
			PartitionID: job.PartitionID,
			Index:       job.Index,
			OperationID: operationID,
			Payload:     job.Payload,
		}
		if job.Index < 0 {
			chunk.Index = chunk.Position
		}

		err = s.insert(ctx, chunk, data, info)
		switch s.dialect.Violation(err) {
		case violationNone:
			if err != nil {
				return err
			}
			job.Succeed(chunk)
			s.metrics.RecordAppend(backendName, "persisted", 0)
		case violationPosition:
			// A stale allocator invalidates the whole preallocated
			// range; let the caller retry the batch.
			return err
		case violationIndex:
			job.MarkDuplicatedIndex()
			s.metrics.RecordAppend(backendName, "duplicate_index", 0)
		case violationOperation:
			job.MarkDuplicatedOperation()
			s.metrics.RecordAppend(backendName, "duplicate_operation", 0)
		}
	}
	return nil
}

const chunkColumns = `position, partition_id, idx, operation_id, payload, serializer_info, deleted`

func (s *Store) scanChunks(rows *sql.Rows) ([]*store.Chunk, error) {
	defer rows.Close()

	var out []*store.Chunk
	for rows.Next() {
		var (
			c    store.Chunk
			data []byte
			info string
		)
		if err := rows.Scan(&c.Position, &c.PartitionID, &c.Index, &c.OperationID, &data, &info, &c.Deleted); err != nil {
			return nil, err
		}
		payload, err := s.decodePayload(data, info)
		if err != nil {
			return nil, err
		}
		c.Payload = payload
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]*store.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Bind(query), args...)
	if err != nil {
		return nil, err
	}
	return s.scanChunks(rows)
}

func limitClause(limit int64) string {
	if limit <= 0 || limit == store.NoLimit {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// ReadForward delivers the partition's chunks ascending by index.
func (s *Store) ReadForward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub store.Subscription, toIndexInclusive int64, limit int64) error {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE partition_id = ? AND idx >= ? AND idx <= ? AND NOT deleted
		 ORDER BY idx ASC%s`,
		chunkColumns, s.table, limitClause(limit),
	)
	chunks, err := s.queryChunks(ctx, query, partitionID, fromIndexInclusive, toIndexInclusive)
	if err != nil {
		return store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, failingSource(err))
	}
	s.metrics.RecordDelivered(backendName, "forward", len(chunks))
	return store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, store.SliceSource(chunks))
}

// ReadBackward delivers the partition's chunks descending by index.
func (s *Store) ReadBackward(ctx context.Context, partitionID string, fromIndexInclusive int64, sub store.Subscription, toIndexInclusive int64, limit int64) error {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE partition_id = ? AND idx <= ? AND idx >= ? AND NOT deleted
		 ORDER BY idx DESC%s`,
		chunkColumns, s.table, limitClause(limit),
	)
	chunks, err := s.queryChunks(ctx, query, partitionID, fromIndexInclusive, toIndexInclusive)
	if err != nil {
		return store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, failingSource(err))
	}
	s.metrics.RecordDelivered(backendName, "backward", len(chunks))
	return store.Pump(ctx, sub, fromIndexInclusive, store.IndexKey, store.SliceSource(chunks))
}

// ReadSingleBackward returns the chunk with the largest index not
// exceeding fromIndexInclusive, or nil.
func (s *Store) ReadSingleBackward(ctx context.Context, partitionID string, fromIndexInclusive int64) (*store.Chunk, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE partition_id = ? AND idx <= ? AND NOT deleted
		 ORDER BY idx DESC LIMIT 1`,
		chunkColumns, s.table,
	)
	chunks, err := s.queryChunks(ctx, query, partitionID, fromIndexInclusive)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// ReadAll delivers chunks by ascending position, fillers included, deleted
// chunks skipped.
func (s *Store) ReadAll(ctx context.Context, fromPositionInclusive int64, sub store.Subscription, limit int64) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.ReadAll")
	defer span.End()

	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE position >= ? AND NOT deleted
		 ORDER BY position ASC%s`,
		chunkColumns, s.table, limitClause(limit),
	)
	chunks, err := s.queryChunks(ctx, query, fromPositionInclusive)
	if err != nil {
		return store.Pump(ctx, sub, fromPositionInclusive, store.PositionKey, failingSource(err))
	}
	s.metrics.RecordDelivered(backendName, "all", len(chunks))
	return store.Pump(ctx, sub, fromPositionInclusive, store.PositionKey, store.SliceSource(chunks))
}

// ReadLastPosition returns the highest persisted position, fillers
// included.
func (s *Store) ReadLastPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.maxPosition(ctx)
}

// ReadByOperationID returns the partition's live chunk with the operation
// key, or nil.
func (s *Store) ReadByOperationID(ctx context.Context, partitionID, operationID string) (*store.Chunk, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE partition_id = ? AND operation_id = ? AND NOT deleted`,
		chunkColumns, s.table,
	)
	chunks, err := s.queryChunks(ctx, query, partitionID, operationID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// ReadAllByOperationID delivers every chunk carrying the operation key,
// position-ascending.
func (s *Store) ReadAllByOperationID(ctx context.Context, operationID string, sub store.Subscription) error {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE operation_id = ? AND NOT deleted
		 ORDER BY position ASC`,
		chunkColumns, s.table,
	)
	chunks, err := s.queryChunks(ctx, query, operationID)
	if err != nil {
		return store.Pump(ctx, sub, 0, store.PositionKey, failingSource(err))
	}
	s.metrics.RecordDelivered(backendName, "operation", len(chunks))
	return store.Pump(ctx, sub, 0, store.PositionKey, store.SliceSource(chunks))
}

// Delete soft-deletes the partition's chunks with index in the range.
func (s *Store) Delete(ctx context.Context, partitionID string, fromIndexInclusive, toIndexInclusive int64) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.Delete")
	defer span.End()

	query := s.dialect.Bind(fmt.Sprintf(
		`UPDATE %s SET deleted = TRUE
		 WHERE partition_id = ? AND idx >= ? AND idx <= ? AND NOT deleted`,
		s.table,
	))
	res, err := s.db.ExecContext(ctx, query, partitionID, fromIndexInclusive, toIndexInclusive)
	if err != nil {
		return err
	}
	matched, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if matched == 0 {
		return &store.StreamDeleteError{PartitionID: partitionID}
	}
	return nil
}

// failingSource surfaces a query failure through the subscription's
// OnError.
func failingSource(err error) store.ChunkSource {
	return func(context.Context) (*store.Chunk, error) {
		return nil, err
	}
}

// Compile-time contract assertion.
var _ store.Persistence = (*Store)(nil)
