package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/quotagate/quotagate/internal/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable backend. It runs in WAL mode with a
// busy timeout and serializes writers on a single connection.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	// A single connection keeps the read and write of one UPDATE ... RETURNING in
	// the same transaction lineage and avoids SQLITE_BUSY_SNAPSHOT under contention.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if _, err := migrate(ctx, db, dialectSQLite); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		sqlStore: &sqlStore{db: db, dialect: dialectSQLite},
		path:     dbPath,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
