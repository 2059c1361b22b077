package core

import "github.com/palantir/extractpipe/pkg/pipeline/record"

// RowSink absorbs records streamed out of workers.
//
// Implementations must be safe for concurrent use: the multi-file path feeds one
// sink from several worker goroutines at once.
type RowSink interface {
	Add(rec record.Record) error
	// Close flushes anything buffered, releases resources and reports what was
	// written. It must be called exactly once.
	Close() (Stats, error)
}

// LineSink is implemented by row sinks that keep worker output verbatim. When
// the sink passed to the supervisor implements it, lines that are JSON objects
// go to AddLine undecoded and Add is never called.
type LineSink interface {
	RowSink
	AddLine(line []byte) error
}

// Stats summarises one run's output. It is produced once, by RowSink.Close.
type Stats struct {
	TotalRows         uint64
	NumShardsWithData uint32
	OutputRoot        string
}

// Observer receives lifecycle events from the store and the supervisor.
// All methods may be called concurrently.
type Observer interface {
	RowsFlushed(shard uint32, rows int)
	WorkerStarted(unit string)
	WorkerFinished(unit string, err error)
	MalformedLine(unit string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) RowsFlushed(uint32, int)      {}
func (NopObserver) WorkerStarted(string)         {}
func (NopObserver) WorkerFinished(string, error) {}
func (NopObserver) MalformedLine(string)         {}

// ObserverOrNop returns o, or a NopObserver when o is nil.
func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
