// Package testutil provides shared test infrastructure: a quiet logger and
// throwaway Postgres and Redis containers for the key/value store tests.
//
// Container helpers skip the calling test under -short or when Docker is
// unavailable, so the unit suite runs anywhere:
//
//	func TestPostgresStore(t *testing.T) {
//	    tc := testutil.StartPostgres(t)
//	    store, err := kv.OpenPostgres(ctx, tc.DSN, testutil.TestLogger())
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container and registers its cleanup.
func StartPostgres(t testing.TB) *TestContainer {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "toolgate",
			"POSTGRES_PASSWORD": "toolgate",
			"POSTGRES_DB":       "toolgate",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	return start(t, req, "5432", func(host, port string) string {
		return fmt.Sprintf("postgres://toolgate:toolgate@%s:%s/toolgate?sslmode=disable", host, port)
	})
}

// StartRedis starts a Redis container and registers its cleanup.
func StartRedis(t testing.TB) *TestContainer {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	return start(t, req, "6379", func(host, port string) string {
		return fmt.Sprintf("redis://%s:%s/0", host, port)
	})
}

func start(t testing.TB, req testcontainers.ContainerRequest, port string, dsn func(host, port string) string) *TestContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx := context.Background()

	container, err := startContainer(ctx, req)
	if err != nil {
		t.Skipf("testutil: container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("testutil: failed to get container port: %v", err)
	}
	return &TestContainer{Container: container, DSN: dsn(host, mapped.Port())}
}

// startContainer converts a Docker provider panic (no daemon) into an error.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (c testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker provider: %v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
