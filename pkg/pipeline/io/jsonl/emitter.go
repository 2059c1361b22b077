package jsonl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
)

// ErrEmitterClosed is returned by Add and Close after Close.
var ErrEmitterClosed = errors.New("emitter is closed")

// Emitter is the row sink for the alternate output mode: every record is
// written as one JSON line. No schema routing or sharding happens. Lines given
// to AddLine are written byte for byte; Add re-encodes a decoded record.
type Emitter struct {
	mu     sync.Mutex
	dst    io.Writer
	bw     *bufio.Writer
	rows   uint64
	closed bool
}

var _ core.LineSink = (*Emitter)(nil)

// NewEmitter writes to w. If w is an io.Closer it is closed by Close.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{dst: w, bw: bufio.NewWriter(w)}
}

func (e *Emitter) Add(rec record.Record) error {
	line, err := sonic.Marshal(rec.Interface())
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return e.AddLine(line)
}

// AddLine writes line followed by a newline. line must not contain one.
func (e *Emitter) AddLine(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEmitterClosed
	}
	if _, err := e.bw.Write(line); err != nil {
		return err
	}
	if err := e.bw.WriteByte('\n'); err != nil {
		return err
	}
	// Flush per line so a downstream reader sees records as they arrive.
	if err := e.bw.Flush(); err != nil {
		return err
	}
	e.rows++
	return nil
}

func (e *Emitter) Close() (core.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.Stats{}, ErrEmitterClosed
	}
	e.closed = true

	err := e.bw.Flush()
	if c, ok := e.dst.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return core.Stats{TotalRows: e.rows}, err
}
