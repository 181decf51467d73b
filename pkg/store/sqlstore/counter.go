package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stratalog/strata/pkg/sequence"
)

// counterStore implements sequence.CounterStore over the backend's counter
// table with a single-row atomic upsert-and-increment.
type counterStore struct {
	db      *sql.DB
	dialect dialect
	table   string
}

func (c *counterStore) Increment(ctx context.Context, name string, by int64) (int64, error) {
	query := c.dialect.Bind(fmt.Sprintf(
		`INSERT INTO %s_counters (name, last_value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET last_value = %s_counters.last_value + excluded.last_value
		 RETURNING last_value`,
		c.table, c.table,
	))

	var last int64
	if err := c.db.QueryRowContext(ctx, query, name, by).Scan(&last); err != nil {
		return 0, fmt.Errorf("sqlstore: counter increment failed: %w", err)
	}
	return last, nil
}

var _ sequence.CounterStore = (*counterStore)(nil)
