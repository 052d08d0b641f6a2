package persistence

import (
	"context"
	"database/sql"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be limited to a single connection
// (db.SetMaxOpenConns(1)), since every new connection opens a fresh database.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, sqliteDialect)
}
