package quill

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteBundle is an Engine together with the SQLite database that holds its
// log. It is the usual single-process durable setup.
type SQLiteBundle struct {
	Engine *Engine
	DB     *sql.DB
}

// OpenSQLite opens (or creates) the database at path and builds an Engine on
// it. path may be ":memory:" for a throwaway database.
//
// Typical usage:
//
//	b, err := quill.OpenSQLite(ctx, "quill.db", quill.Options{})
//	defer b.Close()
//	n, err := quill.Recover(ctx, b.Engine)
//	go b.Engine.Run(ctx)
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteBundle, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY and
	// keeps in-memory databases from splitting per connection.
	db.SetMaxOpenConns(1)

	eng, err := NewSQLiteEngine(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBundle{Engine: eng, DB: db}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Close closes the database. The engine must not be used afterwards.
func (b *SQLiteBundle) Close() error {
	return b.DB.Close()
}
