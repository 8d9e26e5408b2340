//go:build integration

package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
)

const dbIntegrationPrefix = "db:integration_test"

// testDBEnv returns the database URL for integration tests; skips the test if not set.
func testDBEnv(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("db:integration_test - DATABASE_URL not set, skipping")
	}
	return url
}

// setupIntegrationPool creates a pool with migrations applied and empty tables.
func setupIntegrationPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	url := testDBEnv(t)

	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", dbIntegrationPrefix, err)
	}
	t.Cleanup(pool.Close)

	migrationPath := "migrations"
	if _, err := os.Stat(migrationPath); os.IsNotExist(err) {
		migrationPath = filepath.Join("..", "..", "migrations")
	}
	migrations, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		t.Fatalf("%s - LoadMigrationFiles failed: %v", dbIntegrationPrefix, err)
	}
	if err := RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - RunMigrations failed: %v", dbIntegrationPrefix, err)
	}
	if err := ClearState(ctx, pool); err != nil {
		t.Fatalf("%s - ClearState failed: %v", dbIntegrationPrefix, err)
	}
	return ctx, pool
}

func TestIntegration_MigrationStatus(t *testing.T) {
	ctx, pool := setupIntegrationPool(t)

	status, err := MigrationStatus(ctx, pool, filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - MigrationStatus failed: %v", dbIntegrationPrefix, err)
	}
	for _, table := range managedTables {
		if !status[table] {
			t.Errorf("%s - table %s not reported as applied", dbIntegrationPrefix, table)
		}
	}
}

func TestIntegration_EventRepository_AppendAndList(t *testing.T) {
	ctx, pool := setupIntegrationPool(t)
	repo := NewEventRepository(pool)

	first := events.Event{
		ID: uuid.NewString(), Type: "OrderPlaced", AggregateID: "o-1",
		Data:     map[string]any{"total": float64(42)},
		Metadata: map[string]string{events.MetaCorrelationID: "c-1"},
		Timestamp: time.Now().UTC(),
	}
	second := events.Event{ID: uuid.NewString(), Type: "OrderShipped", AggregateID: "o-1"}
	third := events.Event{ID: uuid.NewString(), Type: "OrderPlaced", AggregateID: "o-2"}

	if err := repo.Append(ctx, first, second, third); err != nil {
		t.Fatalf("%s - Append failed: %v", dbIntegrationPrefix, err)
	}
	if err := repo.Append(ctx, first); err != nil {
		t.Fatalf("%s - re-Append failed: %v", dbIntegrationPrefix, err)
	}

	got, err := repo.ListByTypes(ctx, "OrderPlaced")
	if err != nil {
		t.Fatalf("%s - ListByTypes failed: %v", dbIntegrationPrefix, err)
	}
	if len(got) != 2 {
		t.Fatalf("%s - expected 2 OrderPlaced events, got %d", dbIntegrationPrefix, len(got))
	}
	if got[0].ID != first.ID || got[1].ID != third.ID {
		t.Errorf("%s - events out of append order", dbIntegrationPrefix)
	}
	if got[0].Data["total"] != float64(42) {
		t.Errorf("%s - Data[total] = %v, want 42", dbIntegrationPrefix, got[0].Data["total"])
	}
	if got[0].Metadata[events.MetaCorrelationID] != "c-1" {
		t.Errorf("%s - correlation metadata lost", dbIntegrationPrefix)
	}
}

func TestIntegration_PostgresKV(t *testing.T) {
	ctx, pool := setupIntegrationPool(t)
	store := kv.NewPostgresStore(pool)

	ok, err := store.CompareAndSwap(ctx, "saga:instance:1", nil, []byte("v1"), 0)
	if err != nil || !ok {
		t.Fatalf("%s - create CAS = %v, %v; want true", dbIntegrationPrefix, ok, err)
	}
	ok, _ = store.CompareAndSwap(ctx, "saga:instance:1", nil, []byte("v1"), 0)
	if ok {
		t.Errorf("%s - create CAS on existing key should fail", dbIntegrationPrefix)
	}
	ok, _ = store.CompareAndSwap(ctx, "saga:instance:1", []byte("stale"), []byte("v2"), 0)
	if ok {
		t.Errorf("%s - CAS with stale value should fail", dbIntegrationPrefix)
	}
	ok, _ = store.CompareAndSwap(ctx, "saga:instance:1", []byte("v1"), []byte("v2"), 0)
	if !ok {
		t.Errorf("%s - CAS with current value should succeed", dbIntegrationPrefix)
	}

	if err := store.Set(ctx, "query:cache:a", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("%s - Set failed: %v", dbIntegrationPrefix, err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := store.Get(ctx, "query:cache:a"); err != kv.ErrNotFound {
		t.Errorf("%s - expired key should be not found, got %v", dbIntegrationPrefix, err)
	}
	if _, err := store.PurgeExpired(ctx); err != nil {
		t.Errorf("%s - PurgeExpired failed: %v", dbIntegrationPrefix, err)
	}

	keys, err := store.Keys(ctx, "saga:instance:*")
	if err != nil || len(keys) != 1 {
		t.Errorf("%s - Keys = %v, %v; want one key", dbIntegrationPrefix, keys, err)
	}
}
