package harvest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
)

// symbolColumn is the key column; it is always the first CSV column.
const symbolColumn = "symbol"

// columnsFor builds the header for a record set: symbol first, then
// the sorted union of all remaining field names. Sorting keeps the
// layout deterministic across runs.
func columnsFor(records []dtn.Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for name := range rec.Fields {
			seen[name] = struct{}{}
		}
	}

	rest := make([]string, 0, len(seen))
	for name := range seen {
		rest = append(rest, name)
	}
	sort.Strings(rest)

	return append([]string{symbolColumn}, rest...)
}

// writeRecordsCSV writes records to path atomically (temp+rename).
func writeRecordsCSV(path string, records []dtn.Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := encodeCSV(tmp, records); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func encodeCSV(w io.Writer, records []dtn.Record) error {
	columns := columnsFor(records)
	cw := csv.NewWriter(w)

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(columns))
	for _, rec := range records {
		row[0] = rec.Symbol
		for i, name := range columns[1:] {
			row[i+1] = rec.Fields[name]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a record file written by this package. The header must
// contain a symbol column.
func ReadCSV(path string) ([]dtn.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header of %s: %w", path, err)
	}

	symbolIdx := -1
	for i, name := range header {
		if name == symbolColumn {
			symbolIdx = i
			break
		}
	}
	if symbolIdx < 0 {
		return nil, fmt.Errorf("%s: missing %q column", path, symbolColumn)
	}

	var records []dtn.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row of %s: %w", path, err)
		}

		rec := dtn.Record{Fields: make(map[string]string, len(header)-1)}
		for i, value := range row {
			if i >= len(header) {
				break
			}
			if i == symbolIdx {
				rec.Symbol = value
				continue
			}
			rec.Fields[header[i]] = value
		}
		records = append(records, rec)
	}
	return records, nil
}
