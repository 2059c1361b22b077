package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	pq "github.com/segmentio/parquet-go"
)

// FileInfo describes a finished part file.
type FileInfo struct {
	Path      string
	Rows      int64
	RowGroups int
	Schema    string
}

// Inspect opens a parquet file and reads its footer.
func Inspect(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	pf, err := pq.OpenFile(f, st.Size())
	if err != nil {
		return FileInfo{}, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return FileInfo{
		Path:      path,
		Rows:      pf.NumRows(),
		RowGroups: len(pf.RowGroups()),
		Schema:    pf.Schema().String(),
	}, nil
}

// Count returns the number of rows in a parquet file.
func Count(path string) (int64, error) {
	info, err := Inspect(path)
	if err != nil {
		return 0, err
	}
	return info.Rows, nil
}

// ReadStrings returns every value of a top-level string column, in file order.
// Null values are returned as empty strings.
func ReadStrings(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := pq.NewReader(f)
	defer r.Close()
	leaf, ok := r.Schema().Lookup(column)
	if !ok {
		return nil, fmt.Errorf("column %q not found in %s", column, path)
	}

	var out []string
	rows := make([]pq.Row, 64)
	for {
		n, err := r.ReadRows(rows)
		for _, row := range rows[:n] {
			for _, v := range row {
				if v.Column() == leaf.ColumnIndex {
					if v.IsNull() {
						out = append(out, "")
					} else {
						out = append(out, string(v.ByteArray()))
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
}
