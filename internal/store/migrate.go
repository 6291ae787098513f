package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/quotagate/quotagate/internal/errors"
)

//go:embed migrations
var migrationsFS embed.FS

func gooseProvider(db *sql.DB, d dialect) (*goose.Provider, error) {
	dir := "migrations/sqlite"
	gd := goose.DialectSQLite3
	if d == dialectPostgres {
		dir = "migrations/postgres"
		gd = goose.DialectPostgres
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, &errors.ErrDatabaseMigration{Dialect: string(d), Err: err}
	}
	p, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return nil, &errors.ErrDatabaseMigration{Dialect: string(d), Err: err}
	}
	return p, nil
}

// migrate applies all pending embedded migrations and returns the schema version.
func migrate(ctx context.Context, db *sql.DB, d dialect) (int64, error) {
	p, err := gooseProvider(db, d)
	if err != nil {
		return 0, err
	}
	if _, err := p.Up(ctx); err != nil {
		return 0, &errors.ErrDatabaseMigration{Dialect: string(d), Err: err}
	}
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, &errors.ErrDatabaseMigration{Dialect: string(d), Err: err}
	}
	return v, nil
}
