// Package store implements the buffered shard store: records are routed to a
// shard by their key, buffered per shard, and written to that shard's sink in
// batches.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
	parquetio "github.com/palantir/extractpipe/pkg/pipeline/io/parquet"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/schema"
	"github.com/palantir/extractpipe/pkg/pipeline/shard"
)

const (
	MaxShards        = 999
	DefaultNumShards = 128
	DefaultBatchRows = 1024
)

// ErrClosed is returned by Add and Close once the store has been closed.
var ErrClosed = errors.New("store is closed")

// Sink is the append-only file behind one shard.
type Sink interface {
	WriteBatch(recs []record.Record) (int, error)
	Close() error
}

// OpenFunc creates the sink for a shard file. It is called at most once per
// shard, on that shard's first non-empty flush.
type OpenFunc func(path string, s *schema.Schema) (Sink, error)

// Options configures a Store.
type Options struct {
	Schema     *schema.Schema
	OutputRoot string
	NumShards  uint32
	BatchRows  int
	// Open defaults to a zstd-compressed parquet file.
	Open     OpenFunc
	Observer core.Observer
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.NumShards == 0 {
		o.NumShards = DefaultNumShards
	}
	if o.BatchRows == 0 {
		o.BatchRows = DefaultBatchRows
	}
	if o.Open == nil {
		o.Open = ParquetOpener(parquetio.Options{})
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Observer = core.ObserverOrNop(o.Observer)
	return o
}

// ParquetOpener adapts the parquet writer to an OpenFunc.
func ParquetOpener(opts parquetio.Options) OpenFunc {
	return func(path string, s *schema.Schema) (Sink, error) {
		return parquetio.Create(path, s, opts)
	}
}

type sinkState uint8

const (
	sinkUnopened sinkState = iota
	sinkOpen
	sinkClosed
)

type shardState struct {
	buf   []record.Record
	state sinkState
	sink  Sink
	rows  uint64
}

// Store is safe for concurrent use.
//
// One mutex guards every shard's buffer, sink and row count, and an auto-flush
// runs inside the same critical section as the Add that filled the buffer. A
// producer therefore blocks behind any flush in progress, including flushes
// of other shards.
type Store struct {
	opts Options

	mu     sync.Mutex
	shards []shardState
	closed bool
	// failed is the first flush error; the store accepts nothing after it.
	failed error
}

var _ core.RowSink = (*Store)(nil)

// New validates opts and returns an empty store. The output root must already
// exist; no file is created until a shard first flushes.
func New(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Schema == nil {
		return nil, core.Configf("store requires a schema")
	}
	if opts.NumShards < 1 || opts.NumShards > MaxShards {
		return nil, core.Configf("numShards must be in [1, %d], got %d", MaxShards, opts.NumShards)
	}
	if opts.BatchRows < 1 {
		return nil, core.Configf("batchRows must be at least 1, got %d", opts.BatchRows)
	}
	return &Store{
		opts:   opts,
		shards: make([]shardState, opts.NumShards),
	}, nil
}

// ShardPath is the file written for shard under root.
func ShardPath(root string, shard uint32) string {
	return filepath.Join(root, fmt.Sprintf("part-%03d.parquet", shard))
}

// Add routes rec to its shard and flushes that shard when its buffer reaches
// BatchRows.
func (s *Store) Add(rec record.Record) error {
	id := shard.ComputeKey(rec, s.opts.Schema.Key, s.opts.NumShards)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.failed != nil {
		return s.failed
	}
	st := &s.shards[id]
	st.buf = append(st.buf, rec)
	if len(st.buf) >= s.opts.BatchRows {
		return s.flushLocked(id)
	}
	return nil
}

// Flush writes shard's buffered records. It is a no-op for an empty buffer.
func (s *Store) Flush(shard uint32) error {
	if shard >= s.opts.NumShards {
		return fmt.Errorf("shard %d out of range [0, %d)", shard, s.opts.NumShards)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(shard)
}

// FlushAll flushes every shard with buffered records.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushAllLocked()
}

// Close flushes every buffer, then closes every opened sink, then reports the
// totals. Sinks are closed even when a flush fails.
func (s *Store) Close() (core.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Stats{}, ErrClosed
	}
	s.closed = true

	var errs []error
	if s.failed == nil {
		if err := s.flushAllLocked(); err != nil {
			errs = append(errs, err)
		}
	}

	stats := core.Stats{OutputRoot: s.opts.OutputRoot}
	for i := range s.shards {
		st := &s.shards[i]
		if st.state != sinkOpen {
			continue
		}
		if err := st.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", i, err))
		}
		st.state = sinkClosed
		st.sink = nil
		stats.TotalRows += st.rows
		stats.NumShardsWithData++
	}
	s.opts.Logger.Debug("store closed",
		zap.Uint64("rows", stats.TotalRows),
		zap.Uint32("shards", stats.NumShardsWithData),
	)
	return stats, errors.Join(errs...)
}

// Buffered reports how many records shard holds in memory. It is 0 for a
// shard outside [0, NumShards).
func (s *Store) Buffered(shard uint32) int {
	if shard >= s.opts.NumShards {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shards[shard].buf)
}

// Rows reports how many records shard has written so far. It is 0 for a shard
// outside [0, NumShards).
func (s *Store) Rows(shard uint32) uint64 {
	if shard >= s.opts.NumShards {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shards[shard].rows
}

func (s *Store) flushAllLocked() error {
	for i := range s.shards {
		if err := s.flushLocked(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) flushLocked(id uint32) error {
	if s.failed != nil {
		return s.failed
	}
	st := &s.shards[id]
	if len(st.buf) == 0 {
		return nil
	}

	for _, rec := range st.buf {
		if err := s.opts.Schema.Validate(rec); err != nil {
			var mm *core.SchemaMismatchError
			if errors.As(err, &mm) {
				mm.Shard = int(id)
			}
			return s.fail(st, err)
		}
	}

	switch st.state {
	case sinkUnopened:
		path := ShardPath(s.opts.OutputRoot, id)
		sink, err := s.opts.Open(path, s.opts.Schema)
		if err != nil {
			return s.fail(st, fmt.Errorf("open shard %d: %w", id, err))
		}
		st.sink = sink
		st.state = sinkOpen
		s.opts.Logger.Debug("opened shard file", zap.Uint32("shard", id), zap.String("path", path))
	case sinkClosed:
		return fmt.Errorf("shard %d: sink already closed", id)
	}

	n, err := st.sink.WriteBatch(st.buf)
	if err != nil {
		return s.fail(st, fmt.Errorf("write shard %d: %w", id, err))
	}
	st.rows += uint64(n)
	s.opts.Observer.RowsFlushed(id, n)
	clear(st.buf)
	st.buf = st.buf[:0]
	return nil
}

func (s *Store) fail(st *shardState, err error) error {
	s.failed = err
	st.buf = nil
	return err
}
