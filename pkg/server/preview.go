package server

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/TheEntropyCollective/csvaudit/pkg/core/analyze"
)

// previewRows reads the header and the first limit data rows of a stored
// file. Cells matching the null-sentinel set come back as nil so they
// serialize as JSON null.
func (s *Server) previewRows(path string, limit int) ([]string, []map[string]interface{}, error) {
	f, err := s.files.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("stored file has no header")
	}
	if err != nil {
		return nil, nil, err
	}

	rows := make([]map[string]interface{}, 0, limit)
	for len(rows) < limit {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		row := make(map[string]interface{}, len(header))
		for i, name := range header {
			if i >= len(record) {
				break
			}
			if analyze.IsNullToken(record[i]) {
				row[name] = nil
			} else {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return header, rows, nil
}
