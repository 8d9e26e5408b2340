// Package db provides the pgx connection pool, SQL migrations and the
// Postgres-backed domain event repository.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// Pool defaults, applied unless the URL sets pool_max_conns / pool_min_conns.
const (
	DefaultMaxConns          = 20
	DefaultMinConns          = 2
	DefaultHealthCheckPeriod = 30 * time.Second
)

// NewPool creates a new pgx connection pool from the given database URL and pings it.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established (max %d conns)", logPrefix, config.MaxConns))
	return pool, nil
}

func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%s - database URL is empty", logPrefix)
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	if !strings.Contains(databaseURL, "pool_max_conns") {
		config.MaxConns = DefaultMaxConns
	}
	if !strings.Contains(databaseURL, "pool_min_conns") {
		config.MinConns = DefaultMinConns
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}
	config.HealthCheckPeriod = DefaultHealthCheckPeriod
	return config, nil
}

// RunMigrations applies migrations in order. Every file is written with
// IF NOT EXISTS so re-running is safe.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrations)))

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Debug(fmt.Sprintf("%s - Applied %s", logPrefix, m.Name))
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// MigrationStatus reports, per table, whether the schema has been applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (map[string]bool, error) {
	const statusLogPrefix = "db:MigrationStatus"

	status := make(map[string]bool, len(managedTables))
	for _, table := range managedTables {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to check table %s: %w", statusLogPrefix, table, err)
		}
		status[table] = exists
	}

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return nil, fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - %d migration files in %s", statusLogPrefix, len(files), migrationPath))
	return status, nil
}

// managedTables lists the tables created by migrations/.
var managedTables = []string{"kv_entries", "domain_events"}
