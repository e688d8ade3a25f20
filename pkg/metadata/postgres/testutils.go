package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer creates a PostgreSQL test container for integration tests
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("csvaudit_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	return postgresContainer, connStr
}

// createTestSchema creates the files table for tests that run without the
// on-disk migration files.
func createTestSchema(ctx context.Context, store *Store) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id BIGSERIAL PRIMARY KEY,
			original_filename TEXT NOT NULL,
			stored_filename TEXT NOT NULL UNIQUE,
			file_path TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			file_reference TEXT NOT NULL UNIQUE,
			null_count BIGINT,
			total_rows BIGINT,
			total_columns BIGINT,
			duplicate_records JSONB,
			analysis_time TEXT,
			memory_usage_mb TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_original_filename
			ON files (LOWER(original_filename))`,
	}

	for _, statement := range statements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to create test schema: %w", err)
		}
	}
	return nil
}
