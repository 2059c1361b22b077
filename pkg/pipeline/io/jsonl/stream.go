// Package jsonl reads newline-delimited JSON records from worker output and
// writes them back out in the alternate output mode.
package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/redact"
)

// decoder keeps integers exact: numbers arrive as json.Number and are typed
// by record.FromJSON.
var decoder = sonic.Config{UseNumber: true}.Froze()

// StreamOptions configures Stream.
type StreamOptions struct {
	// Unit names the worker being read, for logs and observer events.
	Unit     string
	Logger   *zap.Logger
	Observer core.Observer
}

// StreamStats counts what Stream saw.
type StreamStats struct {
	Lines     int
	Records   int
	Malformed int
}

// Stream reads r line by line until EOF and hands every JSON object to fn.
// Blank lines are skipped. A line that is not a JSON object is logged with a
// short preview and skipped. Stream stops at the first error from fn or from
// reading r.
func Stream(r io.Reader, fn func(record.Record) error, opts StreamOptions) (StreamStats, error) {
	return scan(r, ParseLine, fn, opts)
}

// StreamLines is Stream without decoding: fn receives each line that is a
// JSON object exactly as the worker wrote it, minus surrounding whitespace.
// Numbers are never converted, so values a record cannot hold still pass.
func StreamLines(r io.Reader, fn func(line []byte) error, opts StreamOptions) (StreamStats, error) {
	return scan(r, CheckLine, fn, opts)
}

func scan[T any](r io.Reader, parse func([]byte) (T, error), fn func(T) error, opts StreamOptions) (StreamStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := core.ObserverOrNop(opts.Observer)

	var stats StreamStats
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			stats.Lines++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				v, err := parse(line)
				if err != nil {
					stats.Malformed++
					obs.MalformedLine(opts.Unit)
					mErr := &core.MalformedRecordError{Line: stats.Lines, Preview: redact.Preview(string(line)), Err: err}
					logger.Warn("skipping malformed worker output",
						zap.String("unit", opts.Unit),
						zap.Int("line", mErr.Line),
						zap.String("preview", mErr.Preview),
						zap.Error(mErr.Err),
					)
				} else {
					stats.Records++
					if err := fn(v); err != nil {
						return stats, err
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("read worker output: %w", readErr)
		}
	}
}

// ParseLine decodes one line of worker output into a record.
func ParseLine(line []byte) (record.Record, error) {
	var raw any
	if err := decoder.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	return record.RecordFromJSON(raw)
}

var errNotObject = errors.New("not a JSON object")

// CheckLine accepts line if it is a single well-formed JSON object and returns
// it unchanged.
func CheckLine(line []byte) ([]byte, error) {
	if len(line) == 0 || line[0] != '{' {
		return nil, errNotObject
	}
	if !sonic.Valid(line) {
		return nil, errors.New("invalid JSON")
	}
	return line, nil
}
