package main

import (
	"context"
	"database/sql"
)

// inspectSchema reads the golang-migrate bookkeeping row. It fails with
// sql.ErrNoRows, or an undefined table error, on a database that was never
// migrated.
func inspectSchema(ctx context.Context, db *sql.DB) (version int64, dirty bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	return version, dirty, err
}
