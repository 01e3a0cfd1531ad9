// Package demo provisions the sample retail warehouse used when no target
// database is configured.
package demo

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed warehouse.sql
var warehouseSQL string

// Seed creates and fills the demo tables. It does nothing when the sales
// table already holds rows.
func Seed(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx, "SELECT count(*) FROM information_schema.tables WHERE table_name = 'sales'").Scan(&n)
	if err != nil {
		return fmt.Errorf("check demo tables: %w", err)
	}
	if n > 0 {
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sales").Scan(&n); err != nil {
			return fmt.Errorf("count sales: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	if _, err := db.ExecContext(ctx, warehouseSQL); err != nil {
		return fmt.Errorf("seed demo warehouse: %w", err)
	}
	return nil
}
