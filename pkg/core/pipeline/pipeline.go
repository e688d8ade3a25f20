// Package pipeline drives the upload-and-analyze flow for one file: it
// validates, persists, records, analyzes, and finalizes, publishing
// lifecycle events to a per-upload bus consumed by the SSE layer.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/TheEntropyCollective/csvaudit/pkg/common/logging"
	"github.com/TheEntropyCollective/csvaudit/pkg/core/analyze"
	"github.com/TheEntropyCollective/csvaudit/pkg/core/events"
	"github.com/TheEntropyCollective/csvaudit/pkg/metadata"
	"github.com/TheEntropyCollective/csvaudit/pkg/storage/local"
	"github.com/TheEntropyCollective/csvaudit/pkg/system/memwatch"
)

// ValidationError is a rejection decided before any filesystem or database
// mutation. The HTTP layer reports it as a 400 with the detail string.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// Upload is one buffered multipart upload.
type Upload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Options configures a Pipeline.
type Options struct {
	MaxFileSize    int64
	ChunkSize      int
	SampleInterval time.Duration
	Logger         *logging.Logger
}

// Pipeline coordinates one upload at a time per Run call. A single Pipeline
// is shared across requests; all per-upload state lives in Run's frame.
type Pipeline struct {
	store          metadata.Store
	files          *local.Store
	maxFileSize    int64
	chunkSize      int
	sampleInterval time.Duration
	logger         *logging.Logger
}

// New creates a pipeline over the given metadata store and file store.
func New(store metadata.Store, files *local.Store, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("pipeline")
	}
	return &Pipeline{
		store:          store,
		files:          files,
		maxFileSize:    opts.MaxFileSize,
		chunkSize:      opts.ChunkSize,
		sampleInterval: opts.SampleInterval,
		logger:         logger,
	}
}

// Validate applies the pre-stream checks: a case-insensitive .csv suffix
// and the size cap. Both run before any mutation, so the HTTP layer can
// still answer 400.
func (p *Pipeline) Validate(upload *Upload) error {
	if !strings.HasSuffix(strings.ToLower(upload.Filename), ".csv") {
		return &ValidationError{Detail: "Only CSV files are allowed"}
	}
	if int64(len(upload.Content)) > p.maxFileSize {
		return &ValidationError{Detail: "File too large"}
	}
	return nil
}

// Persist writes the content and inserts the metadata row, rolling the file
// back if the insert fails. Used directly by the non-streaming upload
// endpoint; the streaming path interleaves the same steps with events.
func (p *Pipeline) Persist(ctx context.Context, upload *Upload) (*metadata.FileRecord, error) {
	storedName, path, err := p.files.Write(upload.Content, ".csv")
	if err != nil {
		return nil, err
	}

	record, err := p.store.Insert(ctx, &metadata.Draft{
		OriginalFilename: upload.Filename,
		StoredFilename:   storedName,
		FilePath:         path,
		FileSize:         int64(len(upload.Content)),
		ContentType:      upload.ContentType,
	})
	if err != nil {
		if delErr := p.files.Delete(path); delErr != nil {
			p.logger.Warnf("rollback delete failed for %s: %v", path, delErr)
		}
		return nil, err
	}
	return record, nil
}

// Run executes phases 1–9 for an already-validated upload, publishing to
// bus and closing it when done. It never returns an error: failures after
// the stream has begun become a terminal error event, and a closed bus
// (client disconnect) cancels the remaining work silently.
func (p *Pipeline) Run(ctx context.Context, upload *Upload, bus *events.Bus) {
	defer bus.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// publish stops the run on a closed bus by cancelling runCtx.
	publish := func(event events.Event) bool {
		if err := bus.Publish(event); err != nil {
			cancel()
			return false
		}
		return true
	}
	fail := func(message string) {
		p.logger.Error("upload failed", map[string]interface{}{
			"filename": upload.Filename,
			"reason":   message,
		})
		publish(events.Event{Status: events.StatusError, Progress: 1.00, Message: message})
	}

	if !publish(events.Event{Status: events.StatusUploading, Progress: 0.00, Message: "Starting upload"}) {
		return
	}
	publish(events.Event{Status: events.StatusUploading, Progress: 0.10, Message: "File extension validated"})
	publish(events.Event{Status: events.StatusUploading, Progress: 0.20, Message: "File content read"})
	publish(events.Event{Status: events.StatusUploading, Progress: 0.30, Message: "File size validated"})

	storedName, path, err := p.files.Write(upload.Content, ".csv")
	if err != nil {
		fail("Failed to store file")
		return
	}
	size := int64(len(upload.Content))
	publish(events.Event{
		Status: events.StatusUploading, Progress: 0.50,
		Message:        "File stored",
		StoredFilename: storedName,
		FileSize:       events.Int64(size),
	})

	record, err := p.store.Insert(runCtx, &metadata.Draft{
		OriginalFilename: upload.Filename,
		StoredFilename:   storedName,
		FilePath:         path,
		FileSize:         size,
		ContentType:      upload.ContentType,
	})
	if err != nil {
		if delErr := p.files.Delete(path); delErr != nil {
			p.logger.Warnf("rollback delete failed for %s: %v", path, delErr)
		}
		fail("Failed to record file metadata")
		return
	}
	publish(events.Event{Status: events.StatusUploading, Progress: 0.70, Message: "File metadata recorded"})
	publish(events.Event{
		Status: events.StatusUploading, Progress: 0.90,
		Message:          "File record created",
		FileID:           events.Int64(record.ID),
		FileReference:    record.FileReference,
		OriginalFilename: record.OriginalFilename,
		StoredFilename:   record.StoredFilename,
		FileSize:         events.Int64(record.FileSize),
		FilePath:         record.FilePath,
	})
	if !publish(events.Event{Status: events.StatusUploading, Progress: 1.00, Message: "Upload complete, starting analysis"}) {
		return
	}

	p.analyzeAndFinalize(runCtx, record, publish, fail)
}

// analyzeAndFinalize runs phase 7–9: sampler, chunked analysis, metadata
// write-back, completion event. The file is durable and the row inserted by
// the time this runs, so every failure past here leaves a retrievable
// record with null analysis fields.
func (p *Pipeline) analyzeAndFinalize(ctx context.Context, record *metadata.FileRecord, publish func(events.Event) bool, fail func(string)) {
	sampler, samplerErr := memwatch.NewSampler(p.sampleInterval)
	if samplerErr != nil {
		p.logger.Warnf("memory sampler unavailable: %v", samplerErr)
	} else {
		sampler.Start()
		defer sampler.Stop()
	}

	publish(events.Event{Status: events.StatusAnalyzing, Progress: 0.10, Message: "Starting analysis"})

	started := time.Now()
	analyzer := analyze.NewAnalyzer(p.chunkSize)

	resultCh := make(chan *analyze.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := analyzer.Analyze(ctx, record.FilePath, analyze.Callbacks{
			OnLoaded: func(totalRows int64, totalColumns int) {
				publish(events.Event{
					Status: events.StatusAnalyzing, Progress: 0.20,
					Message:      "CSV loaded",
					TotalRows:    events.Int64(totalRows),
					TotalColumns: events.Int64(int64(totalColumns)),
				})
			},
			OnChunk: func(rowsProcessed, totalRows, nullRows int64) {
				denominator := totalRows
				if denominator < 1 {
					denominator = 1
				}
				progress := 0.1 + 0.8*float64(rowsProcessed)/float64(denominator)
				if progress > 0.9 {
					progress = 0.9
				}
				publish(events.Event{
					Status:         events.StatusAnalyzing,
					Progress:       events.RoundProgress(progress),
					Message:        fmt.Sprintf("Analyzed %d of %d rows", rowsProcessed, totalRows),
					ProcessedCount: events.Int64(rowsProcessed),
					NullCount:      events.Int64(nullRows),
					TotalRows:      events.Int64(totalRows),
				})
			},
		})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	var result *analyze.Result
	select {
	case result = <-resultCh:
	case err := <-errCh:
		if ctx.Err() != nil {
			// Client went away; no event, partial results discarded.
			return
		}
		fail(analysisFailureMessage(err))
		return
	}

	elapsed := time.Since(started).Seconds()
	if sampler != nil {
		sampler.Stop()
	}

	publish(events.Event{
		Status: events.StatusAnalyzing, Progress: 0.90,
		Message:        "Analysis complete",
		NullCount:      events.Int64(result.NullRows),
		ProcessedCount: events.Int64(result.TotalRows),
		TotalRows:      events.Int64(result.TotalRows),
		TotalColumns:   events.Int64(int64(result.TotalColumns)),
	})

	update := &metadata.AnalysisUpdate{
		NullCount:        result.NullRows,
		TotalRows:        result.TotalRows,
		TotalColumns:     int64(result.TotalColumns),
		DuplicateRecords: result.DuplicateCounts,
		AnalysisTime:     fmt.Sprintf("%.2f", elapsed),
	}
	var peakMB *float64
	if sampler != nil && sampler.Available() {
		rounded := math.Round(sampler.PeakMB()*100) / 100
		peakMB = &rounded
		formatted := fmt.Sprintf("%.2f", sampler.PeakMB())
		update.MemoryUsageMB = &formatted
	}

	if err := p.store.UpdateAnalysis(ctx, record.ID, update); err != nil {
		// The file is durable and analysis succeeded; report completion
		// with the in-memory values; the row keeps null analysis fields.
		p.logger.Error("failed to persist analysis results", map[string]interface{}{
			"file_id": record.ID,
			"error":   err.Error(),
		})
	}

	completion := events.Event{
		Status: events.StatusCompleted, Progress: 1.00,
		Message:          "File uploaded and analyzed successfully",
		FileID:           events.Int64(record.ID),
		FileReference:    record.FileReference,
		OriginalFilename: record.OriginalFilename,
		StoredFilename:   record.StoredFilename,
		FileSize:         events.Int64(record.FileSize),
		FilePath:         record.FilePath,
		NullCount:        events.Int64(result.NullRows),
		ProcessedCount:   events.Int64(result.TotalRows),
		TotalRows:        events.Int64(result.TotalRows),
		TotalColumns:     events.Int64(int64(result.TotalColumns)),
		TimeConsumption:  events.Float64(math.Round(elapsed*100) / 100),
		MemoryUsageMB:    peakMB,
	}
	publish(completion)

	p.logger.Info("upload analyzed", map[string]interface{}{
		"file_id":    record.ID,
		"total_rows": result.TotalRows,
		"null_rows":  result.NullRows,
		"seconds":    fmt.Sprintf("%.2f", elapsed),
	})
}

func analysisFailureMessage(err error) string {
	switch err.(type) {
	case *analyze.ParseError:
		return fmt.Sprintf("CSV parsing failed: %v", err)
	case *analyze.IOError:
		return fmt.Sprintf("Could not read stored file: %v", err)
	default:
		return fmt.Sprintf("Analysis failed: %v", err)
	}
}
