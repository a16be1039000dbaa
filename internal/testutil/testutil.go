// Package testutil provides shared test infrastructure: throwaway sqlite
// databases for unit tests and a postgres container for the integration
// tests of the store.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/RichardoC/listing-designer/internal/db"
)

// NewDB opens a private in-memory sqlite database closed at test cleanup.
func NewDB(t testing.TB) *db.Database {
	t.Helper()
	database, err := db.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Logger returns a zap logger that writes through t.Log at warn level.
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// PostgresContainer wraps a running postgres container.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a disposable postgres server. Tests calling it
// should skip under -short since it needs a Docker daemon.
func StartPostgres(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "designer",
			"POSTGRES_PASSWORD": "designer",
			"POSTGRES_DB":       "designer",
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
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://designer:designer@%s:%s/designer?sslmode=disable", host, port.Port())
	return &PostgresContainer{Container: container, DSN: dsn}, nil
}

// Terminate stops and removes the container.
func (pc *PostgresContainer) Terminate() {
	_ = pc.Container.Terminate(context.Background())
}
