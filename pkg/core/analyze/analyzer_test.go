package analyze

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func analyze(t *testing.T, content string, chunkSize int) *Result {
	t.Helper()
	result, err := NewAnalyzer(chunkSize).Analyze(context.Background(), writeCSV(t, content), Callbacks{})
	require.NoError(t, err)
	return result
}

func TestNullAndShapeDetection(t *testing.T) {
	// Two rows contain an empty cell.
	result := analyze(t, "a,b\n1,2\n3,\n,5\n", 100)

	assert.Equal(t, int64(3), result.TotalRows)
	assert.Equal(t, 2, result.TotalColumns)
	assert.Equal(t, int64(2), result.NullRows)
	assert.Empty(t, result.DuplicateCounts)
}

func TestDuplicatesAreCaseSensitiveRawTokens(t *testing.T) {
	result := analyze(t, "x\nfoo\nFOO\nfoo\n", 100)

	assert.Equal(t, int64(3), result.TotalRows)
	assert.Equal(t, 1, result.TotalColumns)
	assert.Equal(t, int64(0), result.NullRows)
	assert.Equal(t, map[string]int64{"x": 1}, result.DuplicateCounts)
}

func TestSentinelSet(t *testing.T) {
	result := analyze(t, "c\n \n null\nNone\nundefined\nNaN\nN/A\nvalue\n", 100)

	assert.Equal(t, int64(7), result.TotalRows)
	assert.Equal(t, int64(6), result.NullRows)
	assert.Empty(t, result.DuplicateCounts)
}

func TestSentinelClosedUnderCaseAndWhitespace(t *testing.T) {
	for _, token := range []string{"", "null", "none", "undefined", "nan", "n/a", "na"} {
		variants := []string{token, strings.ToUpper(token), " " + token + " ", "\t" + token + "  "}
		if token != "" {
			variants = append(variants, strings.ToUpper(token[:1])+token[1:])
		}
		for _, v := range variants {
			assert.True(t, IsNullToken(v), "token %q variant %q should classify as null", token, v)
		}
	}
	for _, v := range []string{"value", "0", "n / a", "nul", "nothing"} {
		assert.False(t, IsNullToken(v), "%q should not classify as null", v)
	}
}

func TestEntirelyEmptyRowCountsOnce(t *testing.T) {
	result := analyze(t, "a,b\n,\n1,2\n", 100)
	assert.Equal(t, int64(2), result.TotalRows)
	assert.Equal(t, int64(1), result.NullRows)
}

func TestZeroDataRows(t *testing.T) {
	result := analyze(t, "a,b,c\n", 100)
	assert.Equal(t, int64(0), result.TotalRows)
	assert.Equal(t, 3, result.TotalColumns)
	assert.Equal(t, int64(0), result.NullRows)
	assert.Empty(t, result.DuplicateCounts)
}

func TestEmptyFileIsParseError(t *testing.T) {
	_, err := NewAnalyzer(100).Analyze(context.Background(), writeCSV(t, ""), Callbacks{})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, int64(1), parseErr.Row)
}

func TestInconsistentColumnCount(t *testing.T) {
	_, err := NewAnalyzer(100).Analyze(context.Background(), writeCSV(t, "a,b\n1,2\n1,2,3\n"), Callbacks{})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, int64(2), parseErr.Row)
}

func TestUnterminatedQuote(t *testing.T) {
	_, err := NewAnalyzer(100).Analyze(context.Background(), writeCSV(t, "a,b\n\"unterminated,2\n"), Callbacks{})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestMissingFileIsIOError(t *testing.T) {
	_, err := NewAnalyzer(100).Analyze(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), Callbacks{})
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
}

func TestChunkSizeInvariance(t *testing.T) {
	var b strings.Builder
	b.WriteString("a,b,c\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "v%d,%d,%s\n", i%7, i%3, map[bool]string{true: "null", false: "x"}[i%5 == 0])
	}
	content := b.String()

	reference := analyze(t, content, 100)
	for chunkSize := 1; chunkSize <= 100; chunkSize++ {
		result := analyze(t, content, chunkSize)
		assert.Equal(t, reference.TotalRows, result.TotalRows, "chunk size %d", chunkSize)
		assert.Equal(t, reference.TotalColumns, result.TotalColumns, "chunk size %d", chunkSize)
		assert.Equal(t, reference.NullRows, result.NullRows, "chunk size %d", chunkSize)
		assert.Equal(t, reference.DuplicateCounts, result.DuplicateCounts, "chunk size %d", chunkSize)
	}
}

func TestCallbackSequence(t *testing.T) {
	var b strings.Builder
	b.WriteString("a,b\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i, i)
	}

	var loadedRows int64
	var loadedCols int
	var chunks []int64
	var columns []string

	_, err := NewAnalyzer(10).Analyze(context.Background(), writeCSV(t, b.String()), Callbacks{
		OnLoaded: func(totalRows int64, totalColumns int) {
			loadedRows = totalRows
			loadedCols = totalColumns
		},
		OnChunk: func(rowsProcessed, totalRows, nullRows int64) {
			assert.Equal(t, int64(25), totalRows)
			chunks = append(chunks, rowsProcessed)
		},
		OnColumn: func(index int, name string) {
			columns = append(columns, name)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(25), loadedRows)
	assert.Equal(t, 2, loadedCols)
	assert.Equal(t, []int64{10, 20, 25}, chunks)
	assert.Equal(t, []string{"a", "b"}, columns)
}

func TestCancellationBetweenChunks(t *testing.T) {
	var b strings.Builder
	b.WriteString("a\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := NewAnalyzer(10).Analyze(ctx, writeCSV(t, b.String()), Callbacks{
		OnChunk: func(rowsProcessed, totalRows, nullRows int64) {
			if rowsProcessed >= 30 {
				cancel()
			}
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// referenceScan is a deliberately naive whole-file implementation used as
// the oracle for the randomized property test.
func referenceScan(content string) (nullRows int64, duplicates map[string]int64, rows int64, cols int) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	header := strings.Split(lines[0], ",")
	cols = len(header)
	duplicates = make(map[string]int64)

	counts := make([]map[string]int64, cols)
	for i := range counts {
		counts[i] = make(map[string]int64)
	}

	for _, line := range lines[1:] {
		// encoding/csv (like the usual dataframe readers) skips blank lines.
		if line == "" {
			continue
		}
		cells := strings.Split(line, ",")
		rows++
		null := false
		for i, cell := range cells {
			if IsNullToken(cell) {
				null = true
			}
			counts[i][cell]++
		}
		if null {
			nullRows++
		}
	}
	for i, name := range header {
		var extra int64
		for _, c := range counts[i] {
			if c >= 2 {
				extra += c - 1
			}
		}
		if extra > 0 {
			duplicates[name] = extra
		}
	}
	return
}

func TestRandomizedAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []string{"a", "b", "c", "xy", "z9", "null", "NULL", "None", "NaN", "n/a", "NA", "undefined", " ", ""}

	for trial := 0; trial < 20; trial++ {
		rows := 1 + rng.Intn(400)
		cols := 1 + rng.Intn(8)

		var b strings.Builder
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "col%d", c)
		}
		b.WriteString("\n")
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if c > 0 {
					b.WriteString(",")
				}
				b.WriteString(alphabet[rng.Intn(len(alphabet))])
			}
			b.WriteString("\n")
		}
		content := b.String()

		wantNull, wantDup, wantRows, wantCols := referenceScan(content)
		chunkSize := 1 + rng.Intn(2*rows)
		result := analyze(t, content, chunkSize)

		assert.Equal(t, wantRows, result.TotalRows, "trial %d", trial)
		assert.Equal(t, wantCols, result.TotalColumns, "trial %d", trial)
		assert.Equal(t, wantNull, result.NullRows, "trial %d", trial)
		assert.Equal(t, wantDup, result.DuplicateCounts, "trial %d", trial)
	}
}
