package parquet

import (
	"fmt"
	"os"
	"strings"

	pq "github.com/segmentio/parquet-go"
	"github.com/segmentio/parquet-go/compress"

	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/schema"
)

// Compression names accepted by Options.
const (
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionNone   = "none"
)

type Options struct {
	// Compression is one of the Compression* names; empty means zstd.
	Compression string
}

// Codec resolves a compression name.
func Codec(name string) (compress.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionZstd:
		return &pq.Zstd, nil
	case CompressionSnappy:
		return &pq.Snappy, nil
	case CompressionGzip:
		return &pq.Gzip, nil
	case CompressionNone, "uncompressed":
		return &pq.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

// Writer appends record batches to one parquet file, one row group per batch.
type Writer struct {
	path   string
	file   *os.File
	w      *pq.Writer
	shred  *shredder
	closed bool
}

// Create opens a new parquet file at path. It refuses to overwrite an existing
// file.
func Create(path string, s *schema.Schema, opts Options) (*Writer, error) {
	codec, err := Codec(opts.Compression)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &Writer{
		path:  path,
		file:  f,
		w:     pq.NewWriter(f, BuildSchema(s), pq.Compression(codec)),
		shred: newShredder(s),
	}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// WriteBatch shreds recs and writes them as one row group.
func (w *Writer) WriteBatch(recs []record.Record) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write %s: writer closed", w.path)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([]pq.Row, len(recs))
	for i, rec := range recs {
		rows[i] = w.shred.Row(rec)
	}
	n, err := w.w.WriteRows(rows)
	if err != nil {
		return n, fmt.Errorf("write rows to %s: %w", w.path, err)
	}
	if err := w.w.Flush(); err != nil {
		return n, fmt.Errorf("flush row group to %s: %w", w.path, err)
	}
	return n, nil
}

// Close writes the footer and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	werr := w.w.Close()
	ferr := w.file.Close()
	if werr != nil {
		return fmt.Errorf("close parquet writer %s: %w", w.path, werr)
	}
	if ferr != nil {
		return fmt.Errorf("close %s: %w", w.path, ferr)
	}
	return nil
}
