// Package analyze implements the chunked CSV data-quality scan: null-row
// detection against a fixed sentinel set, per-column duplicate accounting,
// and row/column shape, with progress callbacks per chunk.
package analyze

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// DefaultChunkSize is the number of data rows processed between progress
// callbacks.
const DefaultChunkSize = 100_000

// nullSentinels is the closed set of string tokens treated as missing data,
// matched after trimming surrounding whitespace and lowercasing. The empty
// string is matched directly.
var nullSentinels = map[string]struct{}{
	"":          {},
	"null":      {},
	"none":      {},
	"undefined": {},
	"nan":       {},
	"n/a":       {},
	"na":        {},
}

// IsNullToken reports whether a raw cell value counts as missing data.
func IsNullToken(cell string) bool {
	if cell == "" {
		return true
	}
	_, ok := nullSentinels[strings.ToLower(strings.TrimSpace(cell))]
	return ok
}

// Result is the outcome of a full scan.
type Result struct {
	NullRows        int64
	DuplicateCounts map[string]int64
	TotalRows       int64
	TotalColumns    int
}

// Callbacks receives progress notifications during a scan. Any field may be
// nil. Callbacks must return quickly; they run on the analyzer goroutine.
type Callbacks struct {
	// OnLoaded fires once after the shape pass, before chunk processing.
	OnLoaded func(totalRows int64, totalColumns int)
	// OnChunk fires after each chunk of rows has been classified.
	OnChunk func(rowsProcessed, totalRows, nullRows int64)
	// OnColumn fires once per column during the final duplicate
	// aggregation pass.
	OnColumn func(index int, name string)
}

// Analyzer scans CSV files in fixed-size row chunks.
type Analyzer struct {
	chunkSize int
}

// NewAnalyzer creates an analyzer. A non-positive chunkSize falls back to
// DefaultChunkSize.
func NewAnalyzer(chunkSize int) *Analyzer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Analyzer{chunkSize: chunkSize}
}

// Analyze scans the CSV at path. The first pass establishes the shape
// (validating the whole file in the process); the second pass classifies
// rows in chunks and accumulates per-column value counts. Between chunks
// the context is checked, so cancellation takes effect without finishing
// the file.
//
// Returns *ParseError for malformed CSV, *IOError for filesystem failures,
// or the context error on cancellation.
func (a *Analyzer) Analyze(ctx context.Context, path string, cb Callbacks) (*Result, error) {
	header, totalRows, err := a.shape(path)
	if err != nil {
		return nil, err
	}

	if cb.OnLoaded != nil {
		cb.OnLoaded(totalRows, len(header))
	}

	result := &Result{
		DuplicateCounts: make(map[string]int64),
		TotalColumns:    len(header),
	}
	if totalRows == 0 {
		result.TotalRows = 0
		return result, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.ReuseRecord = true
	if _, err := reader.Read(); err != nil {
		return nil, &IOError{Err: err}
	}

	// value -> occurrences, per column, on the raw token as read. No
	// trimming or case folding applies to duplicate keys.
	valueCounts := make([]map[string]int64, len(header))
	for i := range valueCounts {
		valueCounts[i] = make(map[string]int64)
	}

	var rowsProcessed, nullRows int64
	for rowsProcessed < totalRows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		inChunk := 0
		for inChunk < a.chunkSize {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, readError(err, rowsProcessed+1)
			}

			isNull := false
			for i, cell := range record {
				if !isNull && IsNullToken(cell) {
					isNull = true
				}
				if i < len(valueCounts) {
					valueCounts[i][cell]++
				}
			}
			if isNull {
				nullRows++
			}
			rowsProcessed++
			inChunk++
		}
		if inChunk == 0 {
			break
		}

		if cb.OnChunk != nil {
			cb.OnChunk(rowsProcessed, totalRows, nullRows)
		}
	}

	for i, name := range header {
		if cb.OnColumn != nil {
			cb.OnColumn(i, name)
		}
		var extra int64
		for _, count := range valueCounts[i] {
			if count >= 2 {
				extra += count - 1
			}
		}
		if extra > 0 {
			result.DuplicateCounts[name] = extra
		}
	}

	result.TotalRows = rowsProcessed
	result.NullRows = nullRows
	return result, nil
}

// shape reads the whole file once, returning the header and the number of
// data rows. Malformed input surfaces here with its row number, so the
// second pass cannot hit a parse failure partway through chunk accounting.
func (a *Analyzer) shape(path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &IOError{Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, 0, &ParseError{Row: 1, Err: errors.New("empty CSV: missing header")}
	}
	if err != nil {
		return nil, 0, readError(err, 1)
	}
	columns := make([]string, len(header))
	copy(columns, header)

	var rows int64
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, readError(err, rows+1)
		}
		rows++
	}
	return columns, rows, nil
}

// readError maps an encoding/csv failure to the analyzer's error taxonomy.
// row is the 1-based data row being read when the failure occurred.
func readError(err error, row int64) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return &ParseError{Row: row, Err: parseErr.Err}
	}
	return &IOError{Err: err}
}
