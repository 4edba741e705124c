// Package database holds the persistent state stores: postgres or sqlite for
// durable records, redis for the live endpoint registry and caches.
package database

import (
	"context"
	"fmt"

	"github.com/spotnest/spotnest/internal/config"
)

// DB abstracts over the pgx pool and database/sql so the store layer is
// backend-agnostic. Queries use $N placeholders, which both backends accept.
type DB interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	Close() error
	Migrate() error
}

type Row interface {
	Scan(dest ...interface{}) error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close()
}

func NewDatabase(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewPostgresDB(cfg)
	case "sqlite":
		return NewSQLiteDB(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
