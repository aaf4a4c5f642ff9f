// Package pgtest provides a shared PostgreSQL instance for integration tests.
// Each test gets its own schema migrated to the version it asks for, so
// tests against older schema shapes run side by side.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/migrations"
)

const image = "postgres:16-alpine"

// URLEnv points the helpers at an existing database instead of a container.
const URLEnv = "FRONTDESK_TEST_DATABASE_URL"

var (
	sharedURL  string
	sharedOnce sync.Once
	sharedErr  error
)

// URL returns the connection string of the shared test database, starting
// the container on first use. Tests are skipped in -short mode and when no
// Docker provider is reachable.
func URL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode (requires Docker)")
	}
	if url := os.Getenv(URLEnv); url != "" {
		return url
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	sharedOnce.Do(func() {
		sharedURL, sharedErr = startContainer(context.Background())
	})
	if sharedErr != nil {
		t.Fatalf("failed to start test database: %v", sharedErr)
	}
	return sharedURL
}

func startContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "frontdesk",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://testuser:testpass@%s:%s/frontdesk?sslmode=disable", host, port.Port()), nil
}

// Schema creates a fresh schema migrated up to version (0 = latest) and
// returns a pool whose search_path resolves to it. The schema is dropped
// when the test ends.
func Schema(t *testing.T, version int) *pgxpool.Pool {
	t.Helper()
	url := URL(t)
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(admin.Close)

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := db.CreateSchema(ctx, admin, schema, db.NewMigrator(admin, migrations.FS), version); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, url, schema, 10, 1)
	if err != nil {
		t.Fatalf("open pool for %s: %v", schema, err)
	}
	t.Cleanup(func() {
		pool.Close()
		admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})
	return pool
}
