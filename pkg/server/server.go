// Package server exposes the csvaudit HTTP API: the streaming
// upload-and-analyze endpoint plus CRUD over stored files.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/TheEntropyCollective/csvaudit/pkg/common/logging"
	"github.com/TheEntropyCollective/csvaudit/pkg/core/events"
	"github.com/TheEntropyCollective/csvaudit/pkg/core/pipeline"
	"github.com/TheEntropyCollective/csvaudit/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/csvaudit/pkg/metadata"
	"github.com/TheEntropyCollective/csvaudit/pkg/storage/local"
)

const (
	defaultUpdateInterval = 500 * time.Millisecond
	minUpdateInterval     = 100 * time.Millisecond

	defaultListLimit = 10
	maxListLimit     = 100

	defaultPreviewLimit = 10
	maxPreviewLimit     = 1000
)

// Server wires the pipeline, stores and configuration behind the router.
type Server struct {
	store    metadata.Store
	files    *local.Store
	pipeline *pipeline.Pipeline
	cfg      *config.Config
	logger   *logging.Logger
}

// New creates a server over the given stores.
func New(store metadata.Store, files *local.Store, cfg *config.Config) *Server {
	logger := logging.GetGlobalLogger().WithComponent("server")
	p := pipeline.New(store, files, pipeline.Options{
		MaxFileSize:    cfg.Upload.MaxFileSize,
		ChunkSize:      cfg.Upload.ChunkSize,
		SampleInterval: time.Duration(cfg.Upload.SampleIntervalMS) * time.Millisecond,
		Logger:         logging.GetGlobalLogger().WithComponent("pipeline"),
	})
	return &Server{
		store:    store,
		files:    files,
		pipeline: p,
		cfg:      cfg,
		logger:   logger,
	}
}

// Router builds the API routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	files := api.PathPrefix("/files").Subrouter()
	files.HandleFunc("/upload-sse", s.handleUploadSSE).Methods("POST")
	files.HandleFunc("/upload", s.handleUpload).Methods("POST")
	files.HandleFunc("/", s.handleList).Methods("GET")
	files.HandleFunc("/reference/{ref}/report", s.handleReport).Methods("GET")
	files.HandleFunc("/{id:[0-9]+}", s.handleGet).Methods("GET")
	files.HandleFunc("/{id:[0-9]+}/preview", s.handlePreview).Methods("GET")
	files.HandleFunc("/{id:[0-9]+}", s.handleDelete).Methods("DELETE")

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// readUpload extracts and buffers the multipart "file" field. The copy into
// Content is capped one byte past the size limit, which is enough for
// Validate to reject an oversize file; the multipart parsing done by
// FormFile has already received the whole request body.
func (s *Server) readUpload(r *http.Request) (*pipeline.Upload, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, &pipeline.ValidationError{Detail: "Missing file field"}
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.cfg.Upload.MaxFileSize+1))
	if err != nil {
		return nil, err
	}

	return &pipeline.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, nil
}

func parseUpdateInterval(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("update_interval")
	if raw == "" {
		return defaultUpdateInterval
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultUpdateInterval
	}
	interval := time.Duration(seconds * float64(time.Second))
	if interval < minUpdateInterval {
		return minUpdateInterval
	}
	return interval
}

// handleUploadSSE runs the full upload-and-analyze pipeline, streaming
// progress as Server-Sent Events. Validation failures are rejected with a
// 400 before the stream opens; everything after that surfaces as an error
// event on the stream.
func (s *Server) handleUploadSSE(w http.ResponseWriter, r *http.Request) {
	upload, err := s.readUpload(r)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Detail)
		} else {
			writeError(w, http.StatusBadRequest, "Failed to read upload")
		}
		return
	}

	if err := s.pipeline.Validate(upload); err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Detail)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bus := events.NewBus(events.DefaultCapacity)
	go s.pipeline.Run(r.Context(), upload, bus)
	s.streamEvents(w, r, bus, parseUpdateInterval(r))
}

// handleUpload persists a file without analysis.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.readUpload(r)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Detail)
		} else {
			writeError(w, http.StatusBadRequest, "Failed to read upload")
		}
		return
	}

	if err := s.pipeline.Validate(upload); err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Detail)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.pipeline.Persist(r.Context(), upload)
	if err != nil {
		s.logger.Errorf("upload persist failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "File uploaded successfully",
		"file_id":           record.ID,
		"original_filename": record.OriginalFilename,
		"stored_filename":   record.StoredFilename,
		"file_size":         record.FileSize,
		"file_path":         record.FilePath,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid page parameter")
			return
		}
		page = parsed
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	search := r.URL.Query().Get("search")

	records, total, err := s.store.List(r.Context(), page, limit, search)
	if err != nil {
		s.logger.Errorf("list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	if records == nil {
		records = []*metadata.FileRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": records,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) recordByPathID(w http.ResponseWriter, r *http.Request) (*metadata.FileRecord, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file id")
		return nil, false
	}
	record, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
		} else {
			s.logger.Errorf("lookup failed for id %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "Failed to load file record")
		}
		return nil, false
	}
	return record, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, ok := s.recordByPathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseStoredFloat(value *string) interface{} {
	if value == nil {
		return nil
	}
	parsed, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		return nil
	}
	return parsed
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	record, err := s.store.GetByReference(r.Context(), ref)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
		} else {
			s.logger.Errorf("lookup failed for reference %s: %v", ref, err)
			writeError(w, http.StatusInternalServerError, "Failed to load file record")
		}
		return
	}

	duplicates := record.DuplicateRecords
	if duplicates == nil {
		duplicates = map[string]int64{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":           record.ID,
		"original_filename": record.OriginalFilename,
		"file_size":         record.FileSize,
		"total_records":     record.TotalRows,
		"total_columns":     record.TotalColumns,
		"null_records":      record.NullCount,
		"duplicate_records": duplicates,
		"time_consumption":  parseStoredFloat(record.AnalysisTime),
		"memory_usage_mb":   parseStoredFloat(record.MemoryUsageMB),
		"created_at":        record.CreatedAt,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	record, ok := s.recordByPathID(w, r)
	if !ok {
		return
	}

	limit := defaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPreviewLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	columns, rows, err := s.previewRows(record.FilePath, limit)
	if err != nil {
		s.logger.Errorf("preview failed for id %d: %v", record.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to read stored file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":       record.ID,
		"columns":       columns,
		"records":       rows,
		"total_rows":    record.TotalRows,
		"preview_count": len(rows),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	record, ok := s.recordByPathID(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), record.ID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
		} else {
			s.logger.Errorf("delete failed for id %d: %v", record.ID, err)
			writeError(w, http.StatusInternalServerError, "Failed to delete file record")
		}
		return
	}

	// Row first, then the file: a crash in between leaves an orphan file
	// for the sweeper rather than a record pointing at nothing.
	if err := s.files.Delete(record.FilePath); err != nil {
		s.logger.Warnf("failed to unlink %s: %v", record.FilePath, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "File deleted successfully",
		"file_id": record.ID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":   "ok",
		"database": database,
	})
}
