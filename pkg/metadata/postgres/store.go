// Package postgres implements the metadata store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/TheEntropyCollective/csvaudit/pkg/metadata"
)

// Config holds configuration for the PostgreSQL metadata store
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// Store provides PostgreSQL storage for file records
type Store struct {
	pool   *pgxpool.Pool
	config *Config
}

// NewStore creates a new metadata store connection
func NewStore(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("store config is required")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Set defaults
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// MigrateToLatest applies all pending database migrations
func (s *Store) MigrateToLatest(ctx context.Context) error {
	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := migratepg.WithInstance(migrationDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		s.config.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

const recordColumns = `
	id, original_filename, stored_filename, file_path, file_size,
	content_type, file_reference, null_count, total_rows, total_columns,
	duplicate_records, analysis_time, memory_usage_mb, created_at, updated_at`

func scanRecord(row pgx.Row) (*metadata.FileRecord, error) {
	record := &metadata.FileRecord{}
	var duplicates []byte
	err := row.Scan(
		&record.ID,
		&record.OriginalFilename,
		&record.StoredFilename,
		&record.FilePath,
		&record.FileSize,
		&record.ContentType,
		&record.FileReference,
		&record.NullCount,
		&record.TotalRows,
		&record.TotalColumns,
		&duplicates,
		&record.AnalysisTime,
		&record.MemoryUsageMB,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if duplicates != nil {
		if err := json.Unmarshal(duplicates, &record.DuplicateRecords); err != nil {
			return nil, fmt.Errorf("failed to decode duplicate records: %w", err)
		}
	}
	return record, nil
}

// Insert creates a new file record, assigning its id, reference and
// timestamps. Durable before returning.
func (s *Store) Insert(ctx context.Context, draft *metadata.Draft) (*metadata.FileRecord, error) {
	query := `
		INSERT INTO files (
			original_filename, stored_filename, file_path, file_size,
			content_type, file_reference, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NOW(), NOW()
		)
		RETURNING ` + recordColumns

	ref := uuid.New().String()
	record, err := scanRecord(s.pool.QueryRow(ctx, query,
		draft.OriginalFilename,
		draft.StoredFilename,
		draft.FilePath,
		draft.FileSize,
		draft.ContentType,
		ref,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert file record: %w", err)
	}

	return record, nil
}

// UpdateAnalysis writes the analysis results onto an existing record.
func (s *Store) UpdateAnalysis(ctx context.Context, id int64, update *metadata.AnalysisUpdate) error {
	duplicates, err := json.Marshal(update.DuplicateRecords)
	if err != nil {
		return fmt.Errorf("failed to encode duplicate records: %w", err)
	}

	query := `
		UPDATE files
		SET null_count = $2, total_rows = $3, total_columns = $4,
			duplicate_records = $5, analysis_time = $6, memory_usage_mb = $7,
			updated_at = NOW()
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query,
		id,
		update.NullCount,
		update.TotalRows,
		update.TotalColumns,
		duplicates,
		update.AnalysisTime,
		update.MemoryUsageMB,
	)
	if err != nil {
		return fmt.Errorf("failed to update analysis results: %w", err)
	}

	if result.RowsAffected() == 0 {
		return metadata.ErrNotFound
	}

	return nil
}

// GetByID retrieves a file record by its numeric id
func (s *Store) GetByID(ctx context.Context, id int64) (*metadata.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files WHERE id = $1`

	record, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metadata.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}

	return record, nil
}

// GetByReference retrieves a file record by its opaque reference
func (s *Store) GetByReference(ctx context.Context, ref string) (*metadata.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files WHERE file_reference = $1`

	record, err := scanRecord(s.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metadata.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}

	return record, nil
}

// escapeLike escapes LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// List returns one page of records, newest first, with the total match
// count. search filters by case-insensitive substring on the original
// filename.
func (s *Store) List(ctx context.Context, page, limit int, search string) ([]*metadata.FileRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	whereClause := ""
	args := []interface{}{}
	if search != "" {
		whereClause = "WHERE original_filename ILIKE $1"
		args = append(args, "%"+escapeLike(search)+"%")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM files %s", whereClause)
	var total int64
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count file records: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM files
		%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`,
		recordColumns, whereClause, len(args)+1, len(args)+2)

	args = append(args, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var records []*metadata.FileRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating file records: %w", err)
	}

	return records, total, nil
}

// Delete removes a file record
func (s *Store) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM files WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	if result.RowsAffected() == 0 {
		return metadata.ErrNotFound
	}

	return nil
}
