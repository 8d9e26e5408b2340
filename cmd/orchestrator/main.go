// Package main is the entrypoint for the orchestration core (binary name "orchestrator").
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/orchestration-core/internal/config"
	"github.com/morezero/orchestration-core/internal/server"
	"github.com/morezero/orchestration-core/pkg/db"
	"github.com/morezero/orchestration-core/pkg/kv"
)

const usage = `Usage: orchestrator [command]
       orchestrator serve              Start the orchestrator (NATS, key-value store, HTTP health).
       orchestrator migrate up         Run database migrations.
       orchestrator migrate status     Show migration status.
       orchestrator ensure-db [name]   Create database if missing (default name: orchestration_test). Uses DATABASE_URL host/user.
       orchestrator clear              Truncate key-value and event tables; schema is preserved.
       orchestrator purge              Delete expired key-value entries from Postgres.

Commands:
  serve            (default) Start the command/query dispatcher and the saga orchestrator.
  migrate up       Run database migrations only.
  migrate status   Show which tables exist.
  ensure-db [name] Create database on same host as DATABASE_URL; then run integration tests with that URL.
  clear            Truncate orchestration state; schema preserved.
  purge            Remove expired idempotency records, cache entries and saga instances.

Environment: COMMS_URL, KV_BACKEND (redis|postgres), REDIS_ADDR, EVENT_STORE (memory|postgres),
DATABASE_URL (required for postgres backends and DB commands), MIGRATION_PATH, HTTP_PORT, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("orchestrator migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("orchestrator migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("orchestrator migrate status: %v", err)
			}
		default:
			log.Fatalf("orchestrator migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("orchestrator clear: %v", err)
		}
		return
	case "purge":
		if err := runPurge(); err != nil {
			log.Fatalf("orchestrator purge: %v", err)
		}
		return
	case "ensure-db":
		dbName := "orchestration_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("orchestrator ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}

// withPool loads config, validates it for DB use and runs fn with a connected pool.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		status, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
		if err != nil {
			return err
		}
		fmt.Print(formatStatus(status))
		return nil
	})
}

func formatStatus(status map[string]bool) string {
	tables := make([]string, 0, len(status))
	for table := range status {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var out string
	for _, table := range tables {
		state := "missing"
		if status[table] {
			state = "applied"
		}
		out += fmt.Sprintf("%-16s %s\n", table, state)
	}
	return out
}

func runClear() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearState(ctx, pool); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
		return nil
	})
}

func runPurge() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		n, err := kv.NewPostgresStore(pool).PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge expired entries: %w", err)
		}
		fmt.Printf("Purged %d expired entries.\n", n)
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabase swaps the database name in databaseURL, keeping query options such as sslmode.
func withDatabase(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
