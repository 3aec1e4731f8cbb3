package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/gridvisor/internal/history"
)

func TestPostgresSinkEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	for _, e := range []history.Event{
		{Type: history.EventLaunched, OccurredAt: time.Now(), InstanceID: "i1", Engine: "ResInsight", PID: 4242, Port: 50099},
		{Type: history.EventReady, OccurredAt: time.Now(), InstanceID: "i1", Engine: "ResInsight", PID: 4242, Port: 50099, Version: "2024.9.0"},
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.pool.QueryRow(ctx, "SELECT COUNT(*) FROM engine_history WHERE pid = $1", 4242).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
	var version *string
	if err := sink.pool.QueryRow(ctx, "SELECT version FROM engine_history WHERE type = 'launched'").Scan(&version); err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != nil {
		t.Errorf("empty version should be stored as NULL, got %q", *version)
	}
}
