// Package testutil starts shared backend containers for integration tests.
//
// Containers are started once per test binary and removed by the
// testcontainers reaper when the binary exits. Tests that need one are
// skipped under -short and when no container runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type shared struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *shared) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", name)
	}

	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		s.endpoint, s.err = start(ctx)
	})
	if s.err != nil {
		t.Skipf("%s container unavailable: %v", name, s.err)
	}
	return s.endpoint
}

var (
	redisC    shared
	postgresC shared
	mongoC    shared
)

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	return redisC.get(t, "redis", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		return c.Endpoint(ctx, "")
	})
}

// GetPostgresDSN returns a pgx DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	return postgresC.get(t, "postgres", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://quill:quill@%s:%s/quill_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "quill",
				"POSTGRES_PASSWORD": "quill",
				"POSTGRES_DB":       "quill_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("postgres://quill:quill@%s/quill_test?sslmode=disable", endpoint), nil
	})
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	return mongoC.get(t, "mongo", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return "mongodb://" + endpoint, nil
	})
}
