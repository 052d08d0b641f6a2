package persistence

import (
	"context"
	"database/sql"
)

// NewPostgresStore initializes the required schema in the given database and
// returns a Store backed by it.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect)
}
