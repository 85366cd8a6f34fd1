// Package testutil starts a disposable Postgres with pgvector for storage
// integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err != nil { ... skip ... }
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a pgvector-enabled Postgres and creates the vector
// extension. Callers decide whether a failure skips or fails the run.
func StartPostgres() (*TestContainer, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "sapphire",
			"POSTGRES_PASSWORD": "sapphire",
			"POSTGRES_DB":       "sapphire",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := StartContainer(ctx, req)
	if err != nil {
		return nil, err
	}
	tc := &TestContainer{Container: container}

	host, err := container.Host(ctx)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	tc.DSN = fmt.Sprintf("postgres://sapphire:sapphire@%s:%s/sapphire?sslmode=disable", host, port.Port())

	// The extension must exist before the pool connects so pgvector types
	// register in AfterConnect.
	conn, err := pgx.Connect(ctx, tc.DSN)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: bootstrap connection: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: create vector extension: %w", err)
	}
	return tc, nil
}

// StartContainer starts req. testcontainers panics when no Docker provider
// is reachable; that panic comes back as an error so TestMain can skip.
func StartContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	return guardStart(func() (testcontainers.Container, error) {
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	})
}

func guardStart(start func() (testcontainers.Container, error)) (c testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("testutil: container provider unavailable: %v", r)
		}
	}()
	c, err = start()
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}
	return c, nil
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
