// Package testutil provides shared test infrastructure: a disposable
// Postgres container for roster integration tests and a quiet logger.
//
// Usage:
//
//	func TestPostgres(t *testing.T) {
//	    tc := testutil.StartPostgres(t)
//	    store, err := roster.Open(ctx, tc.DSN, testutil.TestLogger())
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container for the duration of t. The test
// is skipped when no container runtime is available, and the container is
// terminated during cleanup.
func StartPostgres(t *testing.T) *TestContainer {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hibiki",
			"POSTGRES_PASSWORD": "hibiki",
			"POSTGRES_DB":       "hibiki",
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
		t.Skipf("testutil: postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}

	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://hibiki:hibiki@%s:%s/hibiki?sslmode=disable", host, port.Port()),
	}
}

// TestLogger returns a logger configured for test output (warns only).
// Set HIBIKI_TEST_VERBOSE=1 to see everything.
func TestLogger() *slog.Logger {
	if os.Getenv("HIBIKI_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
