// Package events carries upload lifecycle events from the pipeline to the
// SSE layer over a bounded in-memory bus.
package events

import "math"

// Status is the lifecycle state carried by an event.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event is a single progress or lifecycle update for one upload. Optional
// numeric metadata fields are pointers and optional strings are omitted
// when empty, so that only populated fields appear in the serialized frame.
type Event struct {
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`

	FileID           *int64   `json:"file_id,omitempty"`
	FileReference    string   `json:"file_reference,omitempty"`
	OriginalFilename string   `json:"original_filename,omitempty"`
	StoredFilename   string   `json:"stored_filename,omitempty"`
	FileSize         *int64   `json:"file_size,omitempty"`
	FilePath         string   `json:"file_path,omitempty"`
	NullCount        *int64   `json:"null_count,omitempty"`
	ProcessedCount   *int64   `json:"processed_count,omitempty"`
	TotalRows        *int64   `json:"total_rows,omitempty"`
	TotalColumns     *int64   `json:"total_columns,omitempty"`
	TimeConsumption  *float64 `json:"time_consumption,omitempty"`
	MemoryUsageMB    *float64 `json:"memory_usage_mb,omitempty"`
}

// Terminal reports whether the event ends the stream for its upload.
func (e Event) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}

// RoundProgress clamps a ratio to [0, 1] and rounds it to two decimals,
// the precision carried on the wire.
func RoundProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return math.Round(p*100) / 100
}

// Int64 returns a pointer to v, for populating optional event fields.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v, for populating optional event fields.
func Float64(v float64) *float64 { return &v }
