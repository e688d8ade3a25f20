// Package metadata defines the file-record model and the store contract
// shared by the Postgres implementation and the in-memory test double.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches the given id or reference.
var ErrNotFound = errors.New("file record not found")

// FileRecord is one uploaded file and, once analysis has run, its
// data-quality results. Analysis fields are pointers: they are nil until
// UpdateAnalysis commits, and either all of NullCount/TotalRows/
// TotalColumns/AnalysisTime are set or none are.
type FileRecord struct {
	ID               int64            `json:"id"`
	OriginalFilename string           `json:"original_filename"`
	StoredFilename   string           `json:"stored_filename"`
	FilePath         string           `json:"file_path"`
	FileSize         int64            `json:"file_size"`
	ContentType      string           `json:"content_type"`
	FileReference    string           `json:"file_reference"`
	NullCount        *int64           `json:"null_count"`
	TotalRows        *int64           `json:"total_rows"`
	TotalColumns     *int64           `json:"total_columns"`
	DuplicateRecords map[string]int64 `json:"duplicate_records"`
	AnalysisTime     *string          `json:"analysis_time"`
	MemoryUsageMB    *string          `json:"memory_usage_mb"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Draft carries the fields known at insert time. The store assigns the id,
// the file reference, and both timestamps.
type Draft struct {
	OriginalFilename string
	StoredFilename   string
	FilePath         string
	FileSize         int64
	ContentType      string
}

// AnalysisUpdate carries the results written back when analysis completes.
// MemoryUsageMB is nil when the resident-set metric was unavailable.
type AnalysisUpdate struct {
	NullCount        int64
	TotalRows        int64
	TotalColumns     int64
	DuplicateRecords map[string]int64
	AnalysisTime     string
	MemoryUsageMB    *string
}

// Store is the transactional record of uploaded files, keyed both by the
// dense numeric id and by the opaque file reference. Each operation is its
// own transaction; Insert and UpdateAnalysis are durable before returning.
type Store interface {
	Insert(ctx context.Context, draft *Draft) (*FileRecord, error)
	UpdateAnalysis(ctx context.Context, id int64, update *AnalysisUpdate) error
	GetByID(ctx context.Context, id int64) (*FileRecord, error)
	GetByReference(ctx context.Context, ref string) (*FileRecord, error)
	List(ctx context.Context, page, limit int, search string) ([]*FileRecord, int64, error)
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}
