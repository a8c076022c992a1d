//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	dir := t.TempDir()
	sql := `CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if err := os.WriteFile(filepath.Join(dir, "001_engine_state.sql"), []byte(sql), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}

	if err := runMigrations(ctx, pool, dir, t.Logf); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	// Second run is a no-op.
	if err := runMigrations(ctx, pool, dir, t.Logf); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count applied: %v", err)
	}
	if count != 1 {
		t.Fatalf("applied count = %d", count)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO engine_state(key, value) VALUES ('authUrls', '{}')`); err != nil {
		t.Fatalf("migrated table unusable: %v", err)
	}
}
