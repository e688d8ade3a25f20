package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/csvaudit/pkg/core/events"
	"github.com/TheEntropyCollective/csvaudit/pkg/metadata"
	"github.com/TheEntropyCollective/csvaudit/pkg/storage/local"
)

func newTestPipeline(t *testing.T, store metadata.Store) (*Pipeline, *local.Store) {
	t.Helper()
	files, err := local.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(store, files, Options{
		MaxFileSize:    1024 * 1024,
		ChunkSize:      10,
		SampleInterval: 10 * time.Millisecond,
	}), files
}

func drain(bus *events.Bus) []events.Event {
	var out []events.Event
	for {
		event, ok := bus.Consume()
		if !ok {
			return out
		}
		out = append(out, event)
	}
}

func TestValidate(t *testing.T) {
	p, _ := newTestPipeline(t, metadata.NewMemStore())

	assert.NoError(t, p.Validate(&Upload{Filename: "data.csv", Content: []byte("a\n1\n")}))
	assert.NoError(t, p.Validate(&Upload{Filename: "DATA.CSV", Content: []byte("a\n1\n")}))

	err := p.Validate(&Upload{Filename: "data.txt", Content: []byte("a\n1\n")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Only CSV files are allowed", ve.Detail)

	big := make([]byte, 1024*1024+1)
	err = p.Validate(&Upload{Filename: "big.csv", Content: big})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "File too large", ve.Detail)
}

func TestRunHappyPath(t *testing.T) {
	store := metadata.NewMemStore()
	p, _ := newTestPipeline(t, store)

	upload := &Upload{
		Filename:    "sample.csv",
		ContentType: "text/csv",
		Content:     []byte("a,b\n1,2\n3,\n,5\n"),
	}

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), upload, bus)
	got := drain(bus)

	require.NotEmpty(t, got)
	final := got[len(got)-1]
	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.Equal(t, 1.00, final.Progress)
	require.NotNil(t, final.NullCount)
	assert.Equal(t, int64(2), *final.NullCount)
	assert.Equal(t, int64(3), *final.TotalRows)
	assert.Equal(t, int64(2), *final.TotalColumns)
	require.NotNil(t, final.TimeConsumption)
	assert.GreaterOrEqual(t, *final.TimeConsumption, 0.0)
	assert.NotEmpty(t, final.FileReference)

	// Progress never decreases within a status phase sequence.
	lastUploading, lastAnalyzing := -1.0, -1.0
	for _, event := range got {
		switch event.Status {
		case events.StatusUploading:
			assert.GreaterOrEqual(t, event.Progress, lastUploading)
			lastUploading = event.Progress
		case events.StatusAnalyzing:
			assert.GreaterOrEqual(t, event.Progress, lastAnalyzing)
			lastAnalyzing = event.Progress
		}
	}

	// The record carries the persisted analysis.
	record, err := store.GetByID(context.Background(), *final.FileID)
	require.NoError(t, err)
	require.NotNil(t, record.NullCount)
	assert.Equal(t, int64(2), *record.NullCount)
	assert.Equal(t, int64(3), *record.TotalRows)
	require.NotNil(t, record.AnalysisTime)
	seconds, err := strconv.ParseFloat(*record.AnalysisTime, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seconds, 0.0)
	assert.True(t, !record.UpdatedAt.Before(record.CreatedAt))

	// The stored file is still on disk.
	_, err = os.Stat(record.FilePath)
	assert.NoError(t, err)
}

func TestRunEmitsPhaseCheckpoints(t *testing.T) {
	p, _ := newTestPipeline(t, metadata.NewMemStore())

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), &Upload{Filename: "a.csv", Content: []byte("x\n1\n")}, bus)
	got := drain(bus)

	var uploadingProgress []float64
	for _, event := range got {
		if event.Status == events.StatusUploading {
			uploadingProgress = append(uploadingProgress, event.Progress)
		}
	}
	assert.Equal(t, []float64{0.00, 0.10, 0.20, 0.30, 0.50, 0.70, 0.90, 1.00}, uploadingProgress)
}

func TestChunkProgressFormula(t *testing.T) {
	p, _ := newTestPipeline(t, metadata.NewMemStore())

	var b strings.Builder
	b.WriteString("v\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), &Upload{Filename: "rows.csv", Content: []byte(b.String())}, bus)
	got := drain(bus)

	var chunkEvents []events.Event
	for _, event := range got {
		if event.Status == events.StatusAnalyzing && event.ProcessedCount != nil {
			chunkEvents = append(chunkEvents, event)
		}
	}
	// Chunk size 10 over 40 rows: four chunk callbacks plus the 0.90
	// analysis-complete event, which also carries a processed count.
	require.GreaterOrEqual(t, len(chunkEvents), 4)
	first := chunkEvents[0]
	assert.Equal(t, int64(10), *first.ProcessedCount)
	// 0.1 + 0.8 * 10/40 = 0.30
	assert.Equal(t, 0.30, first.Progress)
	for _, event := range chunkEvents {
		assert.GreaterOrEqual(t, event.Progress, 0.1)
		assert.LessOrEqual(t, event.Progress, 0.9)
	}
}

type insertFailStore struct {
	metadata.Store
}

func (s *insertFailStore) Insert(ctx context.Context, draft *metadata.Draft) (*metadata.FileRecord, error) {
	return nil, errors.New("insert refused")
}

func TestInsertFailureRollsBackFile(t *testing.T) {
	store := &insertFailStore{Store: metadata.NewMemStore()}
	files, err := local.NewStore(t.TempDir())
	require.NoError(t, err)
	p := New(store, files, Options{MaxFileSize: 1024, ChunkSize: 10, SampleInterval: 10 * time.Millisecond})

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), &Upload{Filename: "a.csv", Content: []byte("x\n1\n")}, bus)
	got := drain(bus)

	final := got[len(got)-1]
	assert.Equal(t, events.StatusError, final.Status)
	assert.Equal(t, 1.00, final.Progress)

	// The rolled-back file is gone.
	entries, err := os.ReadDir(files.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type updateFailStore struct {
	*metadata.MemStore
}

func (s *updateFailStore) UpdateAnalysis(ctx context.Context, id int64, update *metadata.AnalysisUpdate) error {
	return errors.New("update refused")
}

func TestUpdateFailureStillCompletes(t *testing.T) {
	store := &updateFailStore{MemStore: metadata.NewMemStore()}
	p, _ := newTestPipeline(t, store)

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), &Upload{Filename: "a.csv", Content: []byte("x\n1\n1\n")}, bus)
	got := drain(bus)

	final := got[len(got)-1]
	assert.Equal(t, events.StatusCompleted, final.Status)
	require.NotNil(t, final.TotalRows)
	assert.Equal(t, int64(2), *final.TotalRows)

	// The record keeps null analysis fields.
	record, err := store.GetByID(context.Background(), *final.FileID)
	require.NoError(t, err)
	assert.Nil(t, record.NullCount)
}

func TestMalformedCSVEmitsError(t *testing.T) {
	store := metadata.NewMemStore()
	p, _ := newTestPipeline(t, store)

	bus := events.NewBus(events.DefaultCapacity)
	go p.Run(context.Background(), &Upload{Filename: "bad.csv", Content: []byte("a,b\n1,2,3\n")}, bus)
	got := drain(bus)

	final := got[len(got)-1]
	assert.Equal(t, events.StatusError, final.Status)
	assert.Equal(t, 1.00, final.Progress)
	assert.Contains(t, final.Message, "CSV parsing failed")

	// The record survives with analysis fields null.
	record, err := store.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, record.NullCount)
	_, err = os.Stat(record.FilePath)
	assert.NoError(t, err)
}

func TestClientDisconnectCancelsRun(t *testing.T) {
	store := metadata.NewMemStore()
	p, _ := newTestPipeline(t, store)

	var b strings.Builder
	b.WriteString("v\n")
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}

	bus := events.NewBus(events.MinCapacity)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), &Upload{Filename: "big.csv", Content: []byte(b.String())}, bus)
		close(done)
	}()

	// Consume until the first analyzing frame, then drop the connection.
	for {
		event, ok := bus.Consume()
		require.True(t, ok)
		if event.Status == events.StatusAnalyzing {
			break
		}
	}
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after bus close")
	}

	// Insert committed, so the record remains with null analysis fields.
	record, err := store.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, record.NullCount)
}
