package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgres is a throwaway Postgres container with every up migration applied.
type TestPostgres struct {
	Container *postgres.PostgresContainer
	ConnStr   string
}

// NewTestDB starts a TestPostgres and returns a pool connected to it.
// The container is terminated when the test finishes.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()

	pg, err := StartTestPostgres(ctx)
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	pool, err := pgxpool.New(ctx, pg.ConnStr)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

// StartTestPostgres starts the container outside a test. The caller must Terminate it.
func StartTestPostgres(ctx context.Context) (*TestPostgres, error) {
	scripts, err := upMigrations()
	if err != nil {
		return nil, err
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync_test"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword("mailsync"),
		postgres.WithInitScripts(scripts...),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &TestPostgres{Container: container, ConnStr: connStr}, nil
}

// Terminate stops and removes the container.
func (p *TestPostgres) Terminate(ctx context.Context) error {
	return p.Container.Terminate(ctx)
}

// upMigrations lists the *.up.sql files of the repository's migrations directory in order.
func upMigrations() ([]string, error) {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("failed to locate testutil source file")
	}
	dir := filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}

	var scripts []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			scripts = append(scripts, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(scripts)

	if len(scripts) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", dir)
	}
	return scripts, nil
}
