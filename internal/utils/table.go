package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/biomatch/internal/types"
)

// Table is a CSV file with a header row, the input and output format of
// every batch command.
type Table struct {
	Header []string
	Rows   [][]string
	index  map[string]int
}

// ReadTable parses a CSV file whose first row names the columns.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v: %w", path, err, types.ErrIO)
	}
	defer f.Close()
	return ParseTable(f)
}

// ParseTable reads CSV from r. Column names are matched case-insensitively.
func ParseTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %v: %w", err, types.ErrBadArgument)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row: %w", types.ErrBadArgument)
	}
	t := &Table{Header: records[0], Rows: records[1:]}
	t.reindex()
	return t, nil
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		t.index[strings.ToLower(strings.TrimSpace(h))] = i
	}
}

// Has reports whether the named column exists.
func (t *Table) Has(col string) bool {
	_, ok := t.index[strings.ToLower(col)]
	return ok
}

// Require fails unless every named column exists.
func (t *Table) Require(cols ...string) error {
	for _, c := range cols {
		if !t.Has(c) {
			return fmt.Errorf("csv is missing column %q: %w", c, types.ErrBadArgument)
		}
	}
	return nil
}

// Get returns the named cell of row i, or "" when the column is absent.
func (t *Table) Get(i int, col string) string {
	j, ok := t.index[strings.ToLower(col)]
	if !ok || j >= len(t.Rows[i]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[i][j])
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// TableWriter streams CSV rows to a file or stdout.
type TableWriter struct {
	w      *csv.Writer
	closer io.Closer
}

// CreateTable opens path for writing ("-" is stdout) and writes the header.
func CreateTable(path string, header ...string) (*TableWriter, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %v: %w", path, err, types.ErrIO)
		}
		out, closer = f, f
	}
	tw := &TableWriter{w: csv.NewWriter(out), closer: closer}
	if err := tw.Write(header...); err != nil {
		tw.Close()
		return nil, err
	}
	return tw, nil
}

func (tw *TableWriter) Write(fields ...string) error {
	if err := tw.w.Write(fields); err != nil {
		return fmt.Errorf("writing csv: %v: %w", err, types.ErrIO)
	}
	return nil
}

// Close flushes and closes the file.
func (tw *TableWriter) Close() error {
	tw.w.Flush()
	err := tw.w.Error()
	if tw.closer != nil {
		if cerr := tw.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("closing csv: %v: %w", err, types.ErrIO)
	}
	return nil
}
