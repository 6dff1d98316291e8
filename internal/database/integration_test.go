package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgresContainer starts PostgreSQL and returns a Target for it.
// It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) Target {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("billing"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return Target{}
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	return Target{
		URL: fmt.Sprintf("postgres://test:test@%s:%s/billing?sslmode=disable", host, port.Port()),
	}
}

func TestPostgresProbeEventuallyReachable(t *testing.T) {
	target := startPostgresContainer(t)
	p := SQLProber{Target: target, Timeout: 2 * time.Second}

	// The container may report ready before accepting connections.
	deadline := time.Now().Add(45 * time.Second)
	for {
		err := p.Probe(context.Background())
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not reachable in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestClickHouseProbe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	p := SQLProber{
		Target:  Target{Driver: "clickhouse", Host: host, Port: port.Int(), User: "default", Name: "default"},
		Timeout: 5 * time.Second,
	}
	if err := p.Probe(ctx); err != nil {
		t.Fatalf("clickhouse probe failed: %v", err)
	}
}
