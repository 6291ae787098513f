package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	Postgres    PostgresOptions
	Redis       RedisOptions
}

// Open creates the configured store. SQL backends are migrated on open.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.PostgresDSN, opts.Postgres)
	case DriverRedis:
		return ConnectRedis(ctx, opts.Redis)
	case DriverMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}

// Migrate applies the embedded schema for SQL drivers and returns the schema
// version. Redis and memory need no schema and report version 0.
func Migrate(ctx context.Context, opts Options) (int64, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		s, err := NewSQLiteStore(ctx, opts.SQLitePath)
		if err != nil {
			return 0, err
		}
		defer s.Close()
		return schemaVersion(ctx, s.db, dialectSQLite)
	case DriverPostgres:
		pgOpts := opts.Postgres
		pgOpts.SkipMigrations = false
		s, err := NewPostgresStore(ctx, opts.PostgresDSN, pgOpts)
		if err != nil {
			return 0, err
		}
		defer s.Close()
		return schemaVersion(ctx, s.db, dialectPostgres)
	case DriverRedis, DriverMemory:
		return 0, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", opts.Driver)
}

func schemaVersion(ctx context.Context, db *sql.DB, d dialect) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	p, err := gooseProvider(db, d)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
