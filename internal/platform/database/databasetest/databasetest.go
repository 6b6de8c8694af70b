// Package databasetest starts a throwaway PostgreSQL container for
// integration tests.
package databasetest

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-qbank/internal/platform/config"
	"github.com/p-n-ai/pai-qbank/internal/platform/database"
)

const image = "postgres:16-alpine"

// NewPool starts PostgreSQL, applies the migrations, and returns a pool that
// is closed when the test ends. It skips the test in short mode.
func NewPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := t.Context()
	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("qbank"),
		postgres.WithUsername("qbank"),
		postgres.WithPassword("qbank"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := database.New(ctx, config.DatabaseConfig{URL: url, MaxConns: 5, MinConns: 1})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db.Pool
}
