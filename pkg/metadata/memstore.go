package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by handler and pipeline tests, and
// as a stand-in when no database is available. It applies the same
// semantics as the Postgres store: dense ids, unique references, and
// not-found errors.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*FileRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:  1,
		records: make(map[int64]*FileRecord),
	}
}

func cloneRecord(r *FileRecord) *FileRecord {
	copied := *r
	if r.DuplicateRecords != nil {
		copied.DuplicateRecords = make(map[string]int64, len(r.DuplicateRecords))
		for k, v := range r.DuplicateRecords {
			copied.DuplicateRecords[k] = v
		}
	}
	return &copied
}

// Insert implements Store.
func (s *MemStore) Insert(ctx context.Context, draft *Draft) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record := &FileRecord{
		ID:               s.nextID,
		OriginalFilename: draft.OriginalFilename,
		StoredFilename:   draft.StoredFilename,
		FilePath:         draft.FilePath,
		FileSize:         draft.FileSize,
		ContentType:      draft.ContentType,
		FileReference:    uuid.New().String(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.nextID++
	s.records[record.ID] = record
	return cloneRecord(record), nil
}

// UpdateAnalysis implements Store.
func (s *MemStore) UpdateAnalysis(ctx context.Context, id int64, update *AnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	nullCount := update.NullCount
	totalRows := update.TotalRows
	totalColumns := update.TotalColumns
	analysisTime := update.AnalysisTime
	record.NullCount = &nullCount
	record.TotalRows = &totalRows
	record.TotalColumns = &totalColumns
	record.AnalysisTime = &analysisTime
	record.DuplicateRecords = update.DuplicateRecords
	record.MemoryUsageMB = update.MemoryUsageMB
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// GetByID implements Store.
func (s *MemStore) GetByID(ctx context.Context, id int64) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

// GetByReference implements Store.
func (s *MemStore) GetByReference(ctx context.Context, ref string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.FileReference == ref {
			return cloneRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// List implements Store. Results are ordered newest first.
func (s *MemStore) List(ctx context.Context, page, limit int, search string) ([]*FileRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(search)
	var matched []*FileRecord
	for _, record := range s.records {
		if needle == "" || strings.Contains(strings.ToLower(record.OriginalFilename), needle) {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := int64(len(matched))
	offset := (page - 1) * limit
	if offset >= len(matched) {
		return []*FileRecord{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*FileRecord, 0, end-offset)
	for _, record := range matched[offset:end] {
		out = append(out, cloneRecord(record))
	}
	return out, total, nil
}

// Delete implements Store.
func (s *MemStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// Ping implements Store.
func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}
