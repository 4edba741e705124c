package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spotnest/spotnest/internal/config"
)

type PostgresDB struct {
	Pool *pgxpool.Pool
}

func NewPostgresDB(cfg config.DatabaseConfig) (*PostgresDB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

func (db *PostgresDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := db.Pool.Exec(ctx, query, args...)
	return err
}

func (db *PostgresDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &postgresRow{row: db.Pool.QueryRow(ctx, query, args...)}
}

func (db *PostgresDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &postgresRows{rows: rows}, nil
}

func (db *PostgresDB) Close() error {
	db.Pool.Close()
	return nil
}

// Timestamps are stored as unix seconds so rows scan identically from pgx and
// database/sql; zero means "never".
func (db *PostgresDB) Migrate() error {
	ctx := context.Background()

	for _, query := range migrationQueries("JSONB") {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func migrationQueries(jsonType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS standby_associations (
			id TEXT PRIMARY KEY,
			logical_id TEXT UNIQUE NOT NULL,
			state TEXT NOT NULL,
			cpu_zone TEXT NOT NULL DEFAULT '',
			gpu ` + jsonType + `,
			mirror ` + jsonType + `,
			last_sync_at BIGINT NOT NULL DEFAULT 0,
			sync_count BIGINT NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			active_chain_head TEXT NOT NULL DEFAULT '',
			failover_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_standby_associations_logical_id ON standby_associations(logical_id)`,
		`CREATE INDEX IF NOT EXISTS idx_standby_associations_state ON standby_associations(state)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			source_instance_id TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL,
			codec TEXT NOT NULL DEFAULT '',
			file_count INTEGER NOT NULL DEFAULT 0,
			bytes_uncompressed BIGINT NOT NULL DEFAULT 0,
			bytes_stored BIGINT NOT NULL DEFAULT 0,
			blobs_uploaded INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_snapshots_parent_id ON snapshots(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source_instance_id)`,

		`CREATE TABLE IF NOT EXISTS hibernation_events (
			id TEXT PRIMARY KEY,
			logical_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			idle_seconds INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			woke_at BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_hibernation_events_logical_id ON hibernation_events(logical_id)`,

		`CREATE TABLE IF NOT EXISTS provision_attempts (
			id TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			candidate_id TEXT NOT NULL DEFAULT '',
			launched_at BIGINT NOT NULL,
			ssh_ready_at BIGINT NOT NULL DEFAULT 0,
			final_state TEXT NOT NULL,
			destroyed_at BIGINT NOT NULL DEFAULT 0,
			won BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_provision_attempts_machine_id ON provision_attempts(machine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_provision_attempts_launched_at ON provision_attempts(launched_at)`,

		`CREATE TABLE IF NOT EXISTS learned_zones (
			geolocation TEXT PRIMARY KEY,
			zone TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
}

type postgresRow struct {
	row interface {
		Scan(dest ...interface{}) error
	}
}

func (r *postgresRow) Scan(dest ...interface{}) error {
	return r.row.Scan(dest...)
}

type postgresRows struct {
	rows interface {
		Next() bool
		Scan(dest ...interface{}) error
		Close()
	}
}

func (r *postgresRows) Next() bool {
	return r.rows.Next()
}

func (r *postgresRows) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r *postgresRows) Close() {
	r.rows.Close()
}
