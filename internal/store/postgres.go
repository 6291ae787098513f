package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quotagate/quotagate/internal/errors"
)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrations leaves the schema untouched, for deployments that migrate separately.
	SkipMigrations bool
}

// PostgresStore keeps tenant accounts in PostgreSQL. Row-level locking of the
// conditional UPDATE serializes concurrent increments of one tenant.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects through the pgx database/sql driver and applies migrations.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	if !opts.SkipMigrations {
		if _, err := migrate(ctx, db, dialectPostgres); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an existing handle without running migrations.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: &sqlStore{db: db, dialect: dialectPostgres}}
}
