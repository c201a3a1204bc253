package local

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Query is one search input row.
type Query struct {
	Keywords string
	Location string
}

// ReadQueriesCSV reads "keywords" and "location" columns. Header matching is
// case-insensitive; rows with blank keywords are skipped.
func ReadQueriesCSV(r io.Reader) ([]Query, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	kwIdx, locIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "keywords", "keyword":
			if kwIdx < 0 {
				kwIdx = i
			}
		case "location":
			if locIdx < 0 {
				locIdx = i
			}
		}
	}
	if kwIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", "keywords")
	}
	if locIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", "location")
	}

	var out []Query
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if kwIdx >= len(rec) || locIdx >= len(rec) {
			return nil, fmt.Errorf("row %d has %d columns, want at least %d", line, len(rec), max(kwIdx, locIdx)+1)
		}
		q := Query{Keywords: strings.TrimSpace(rec[kwIdx]), Location: strings.TrimSpace(rec[locIdx])}
		if q.Keywords == "" {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// CSVFile stores rows into a file, replacing it atomically once per run.
type CSVFile[Row any] struct {
	Path   string
	Encode func(w io.Writer, rows []Row) error
}

func (f CSVFile[Row]) Store(_ context.Context, rows []Row) error {
	if strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("output path is required")
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := f.Encode(tmp, rows); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
