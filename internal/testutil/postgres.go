// Package testutil provides testing utilities for agentauth.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	sqlstore "github.com/aloks98/agentauth/store/sql"
)

// PostgresImage is the container image used by SetupPostgres.
const PostgresImage = "postgres:16-alpine"

// SetupPostgres starts a PostgreSQL testcontainer and returns a migrated
// store connected to it. The container and store are cleaned up when the
// test finishes. The test is skipped in -short mode and when no container
// runtime is reachable.
func SetupPostgres(t *testing.T) *sqlstore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("agentauth_test"),
		postgres.WithUsername("agentauth"),
		postgres.WithPassword("agentauth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := sqlstore.New(&sqlstore.Config{
		Dialect:      sqlstore.PostgreSQL,
		DSN:          dsn,
		MaxOpenConns: 10,
	})
	if err != nil {
		t.Fatalf("Failed to create SQL store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Failed to close store: %v", err)
		}
	})

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return s
}
