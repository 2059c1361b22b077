package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShutdown is returned for units of work that were never started because a
// shutdown was already in progress.
var ErrShutdown = errors.New("shutdown in progress, not spawning new process")

// ConfigurationError reports a conflicting or missing job target, a bad schema
// document or an out-of-range operational bound. It is raised before any worker
// is spawned.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "configuration error"
	}
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Configf builds a ConfigurationError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WorkerLaunchError means the worker process could not be started.
type WorkerLaunchError struct {
	Unit string
	Err  error
}

func (e *WorkerLaunchError) Error() string {
	return fmt.Sprintf("launch worker for %s: %v", e.Unit, e.Err)
}

func (e *WorkerLaunchError) Unwrap() error { return e.Err }

// WorkerExitError means the worker ran but did not exit cleanly.
type WorkerExitError struct {
	Unit     string
	ExitCode int
	// Signal is set when the process was terminated by a signal.
	Signal string
}

func (e *WorkerExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker for %s terminated by signal %s", e.Unit, e.Signal)
	}
	return fmt.Sprintf("worker for %s failed with exit code %d", e.Unit, e.ExitCode)
}

// MalformedRecordError describes one worker output line that was not a JSON
// object. It is logged and the line skipped; it never fails a run.
type MalformedRecordError struct {
	Line    int
	Preview string
	Err     error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at line %d: %s (error: %v)", e.Line, e.Preview, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// SchemaMismatchError means a record's shape disagrees with the declared schema.
type SchemaMismatchError struct {
	// Path locates the offending value, e.g. "args[2].name".
	Path   string
	Reason string
	Shard  int
}

func (e *SchemaMismatchError) Error() string {
	if e.Shard >= 0 {
		return fmt.Sprintf("schema mismatch in shard %d at %s: %s", e.Shard, e.Path, e.Reason)
	}
	return fmt.Sprintf("schema mismatch at %s: %s", e.Path, e.Reason)
}

// InterruptedError marks a run that was cancelled by the user.
type InterruptedError struct {
	Err error
}

func (e *InterruptedError) Error() string {
	if e == nil || e.Err == nil {
		return "interrupted"
	}
	return "interrupted: " + e.Err.Error()
}

func (e *InterruptedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UnitFailure pairs a unit of work with the error it ended in.
type UnitFailure struct {
	Unit string
	Err  error
}

// AggregateError is raised once, after every unit of a multi-file run has
// finished, when at least one of them failed.
type AggregateError struct {
	Total    int
	Failures []UnitFailure
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to process %d/%d files:", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  - %s: %v", f.Unit, f.Err)
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// FailedUnits lists the failing units in report order.
func (e *AggregateError) FailedUnits() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Unit)
	}
	return out
}
