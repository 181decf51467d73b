package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// violation classifies a unique-key failure by the constraint it hit.
type violation int

const (
	violationNone violation = iota
	violationPosition
	violationIndex
	violationOperation
)

// dialect abstracts the driver differences: placeholder style, schema DDL,
// and unique-violation classification.
type dialect interface {
	// Bind rewrites '?' placeholders into the driver's style.
	Bind(query string) string

	// Schema returns the DDL creating the chunk table, its unique
	// indexes and the counter table.
	Schema(table string) []string

	// Violation classifies err, returning violationNone for anything
	// that is not a unique-key failure.
	Violation(err error) violation
}

// dialectFor selects a dialect by driver name.
func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect{}, nil
	case "pgx", "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}

func chunkSchema(table, payloadType string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			position BIGINT NOT NULL PRIMARY KEY,
			partition_id VARCHAR(255) NOT NULL,
			idx BIGINT NOT NULL,
			operation_id VARCHAR(255) NOT NULL,
			payload %s,
			serializer_info VARCHAR(255) NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, table, payloadType),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_partition_index ON %s (partition_id, idx)`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_partition_operation ON %s (partition_id, operation_id)`, table, table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_counters (
			name VARCHAR(255) NOT NULL PRIMARY KEY,
			last_value BIGINT NOT NULL
		)`, table),
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Bind(query string) string { return query }

func (sqliteDialect) Schema(table string) []string {
	return chunkSchema(table, "BLOB")
}

func (sqliteDialect) Violation(err error) violation {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return violationNone
	}
	if serr.Code != sqlite3.ErrConstraint {
		return violationNone
	}
	// sqlite names the columns in the message:
	// "UNIQUE constraint failed: chunks.partition_id, chunks.idx"
	msg := serr.Error()
	switch {
	case strings.Contains(msg, ".position"):
		return violationPosition
	case strings.Contains(msg, ".operation_id"):
		return violationOperation
	case strings.Contains(msg, ".idx"):
		return violationIndex
	default:
		return violationNone
	}
}

type postgresDialect struct{}

func (postgresDialect) Bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) Schema(table string) []string {
	return chunkSchema(table, "BYTEA")
}

func (postgresDialect) Violation(err error) violation {
	var constraint string

	var pgerr *pgconn.PgError
	var pqerr *pq.Error
	switch {
	case errors.As(err, &pgerr):
		if pgerr.Code != "23505" {
			return violationNone
		}
		constraint = pgerr.ConstraintName
	case errors.As(err, &pqerr):
		if pqerr.Code != "23505" {
			return violationNone
		}
		constraint = pqerr.Constraint
	default:
		return violationNone
	}

	switch {
	case strings.HasSuffix(constraint, "_pkey"):
		return violationPosition
	case strings.HasSuffix(constraint, "_partition_index"):
		return violationIndex
	case strings.HasSuffix(constraint, "_partition_operation"):
		return violationOperation
	default:
		return violationNone
	}
}
