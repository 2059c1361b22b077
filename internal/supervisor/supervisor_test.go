package supervisor_test

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/palantir/extractpipe/internal/supervisor"
	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/schema"
	"github.com/palantir/extractpipe/pkg/pipeline/store"
)

func newSupervisor(t *testing.T, target supervisor.Target, sink core.RowSink, mod func(*supervisor.Config)) *supervisor.Supervisor {
	t.Helper()
	cfg := supervisor.Config{
		Command:     "types",
		Root:        t.TempDir(),
		Worker:      helperWorker(),
		Target:      target,
		Parallelism: 2,
		GracePeriod: 5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := supervisor.New(cfg, sink)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresExactlyOneTarget(t *testing.T) {
	for name, target := range map[string]supervisor.Target{
		"both":    {Imports: []string{"Init"}, Files: []string{"a.lean"}},
		"neither": {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := supervisor.New(supervisor.Config{Command: "types", Worker: helperWorker(), Target: target}, &memSink{})
			var cfgErr *core.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestRun_Imports(t *testing.T) {
	sink := &memSink{}
	s := newSupervisor(t, supervisor.Target{Imports: []string{"Init", "Lean.Elab"}}, sink, nil)

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalRows)
	assert.Equal(t, []string{"Init", "Lean.Elab"}, sink.names())
	assert.Equal(t, "types", sink.recs[0].Get("command").Str())
	assert.Equal(t, 1, sink.closed)
	assert.Equal(t, 0, s.LiveCount())
}

func TestRun_SingleFileMalformedLinesSkipped(t *testing.T) {
	sink := &memSink{}
	s := newSupervisor(t, supervisor.Target{Files: []string{"malformed-x.lean"}}, sink, nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"malformed-x.lean#0", "malformed-x.lean#1"}, sink.names())
}

func TestRun_SingleFileFailureIsExitError(t *testing.T) {
	sink := &memSink{}
	s := newSupervisor(t, supervisor.Target{Files: []string{"fail-x.lean"}}, sink, nil)

	_, err := s.Run(context.Background())
	var exitErr *core.WorkerExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "fail-x.lean", exitErr.Unit)

	var agg *core.AggregateError
	assert.False(t, errors.As(err, &agg))
	assert.Equal(t, 1, sink.closed)
}

func TestRun_LaunchError(t *testing.T) {
	sink := &memSink{}
	s := newSupervisor(t, supervisor.Target{Files: []string{"ok-1-a.lean"}}, sink, func(c *supervisor.Config) {
		c.Worker.Path = "/nonexistent/extractor"
	})

	_, err := s.Run(context.Background())
	var launchErr *core.WorkerLaunchError
	require.True(t, errors.As(err, &launchErr), "got %v", err)
	assert.Equal(t, 1, sink.closed)
}

func TestRun_ParallelFilesRespectLimit(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs at least 2 CPUs")
	}
	sink := &memSink{}
	files := []string{"ok-3-a.lean", "ok-3-b.lean", "ok-3-c.lean", "ok-3-d.lean", "ok-3-e.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, sink, nil)

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 15, stats.TotalRows)
	assert.LessOrEqual(t, s.PeakLive(), 2)
	assert.GreaterOrEqual(t, s.PeakLive(), 1)

	seen := map[string]int{}
	for _, n := range sink.names() {
		seen[strings.SplitN(n, "#", 2)[0]]++
	}
	for _, f := range files {
		assert.Equal(t, 3, seen[f], f)
	}
}

func TestRun_OneFailingFileIsAggregated(t *testing.T) {
	sink := &memSink{}
	files := []string{"ok-2-a.lean", "ok-2-b.lean", "fail-c.lean", "ok-2-d.lean", "ok-2-e.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, sink, nil)

	_, err := s.Run(context.Background())
	var agg *core.AggregateError
	require.True(t, errors.As(err, &agg), "got %v", err)
	assert.Equal(t, []string{"fail-c.lean"}, agg.FailedUnits())
	assert.Equal(t, 5, agg.Total)
	assert.Contains(t, err.Error(), "failed to process 1/5 files")

	var exitErr *core.WorkerExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)

	var okNames []string
	for _, n := range sink.names() {
		if strings.HasPrefix(n, "ok-") {
			okNames = append(okNames, n)
		}
	}
	sort.Strings(okNames)
	assert.Len(t, okNames, 8)
	assert.Equal(t, 1, sink.closed)
}

func TestRun_CancelTerminatesWorkersAndStopsSpawning(t *testing.T) {
	sink := &memSink{}
	obs := &startRecorder{}
	files := []string{"hang-1.lean", "hang-2.lean", "hang-3.lean", "hang-4.lean", "hang-5.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, sink, func(c *supervisor.Config) {
		c.Parallelism = 2
		c.Observer = obs
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		stats core.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := s.Run(ctx)
		done <- result{stats, err}
	}()

	limit := min(2, runtime.NumCPU())
	require.Eventually(t, func() bool {
		return s.LiveCount() == limit && sink.count() == limit
	}, 10*time.Second, 10*time.Millisecond)

	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	var intErr *core.InterruptedError
	require.True(t, errors.As(res.err, &intErr), "got %v", res.err)
	assert.True(t, s.ShutdownRequested())
	assert.Equal(t, limit, obs.count(), "no worker may start after cancellation")
	assert.Equal(t, 0, s.LiveCount())
	assert.Equal(t, 1, sink.closed)
	assert.EqualValues(t, limit, res.stats.TotalRows)
}

func TestCleanup_KillsWorkersThatIgnoreSIGTERM(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGTERM on windows")
	}
	sink := &memSink{}
	const grace = 300 * time.Millisecond
	s := newSupervisor(t, supervisor.Target{Files: []string{"stubborn-1.lean"}}, sink, func(c *supervisor.Config) {
		c.GracePeriod = grace
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return sink.count() == 1 }, 10*time.Second, 10*time.Millisecond)

	start := time.Now()
	s.Cleanup()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, grace)

	err := <-done
	var intErr *core.InterruptedError
	require.True(t, errors.As(err, &intErr), "got %v", err)
	var exitErr *core.WorkerExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, "killed", exitErr.Signal)

	// Idempotent.
	s.Cleanup()
}

func TestRun_SinkErrorTerminatesWorker(t *testing.T) {
	boom := errors.New("disk full")
	sink := &memSink{failOn: "hang-", failErr: boom}
	s := newSupervisor(t, supervisor.Target{Files: []string{"hang-1.lean"}}, sink, nil)

	start := time.Now()
	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, s.LiveCount())
	assert.False(t, s.ShutdownRequested())
}

func TestCleanup_BeforeRunRefusesToSpawn(t *testing.T) {
	sink := &memSink{}
	obs := &startRecorder{}
	s := newSupervisor(t, supervisor.Target{Files: []string{"ok-1-a.lean", "ok-1-b.lean"}}, sink, func(c *supervisor.Config) {
		c.Observer = obs
	})
	s.Cleanup()

	_, err := s.Run(context.Background())
	var intErr *core.InterruptedError
	require.True(t, errors.As(err, &intErr), "got %v", err)
	require.ErrorIs(t, err, core.ErrShutdown)
	assert.Zero(t, obs.count())
	assert.Equal(t, 1, sink.closed)
}

func TestRun_ProgressIsLoggedPerFile(t *testing.T) {
	sink := &memSink{}
	logCore, logs := observer.New(zapcore.InfoLevel)
	files := []string{"ok-1-a.lean", "fail-b.lean", "ok-1-c.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, sink, func(c *supervisor.Config) {
		c.Parallelism = 1
		c.Logger = zap.New(logCore)
	})

	_, err := s.Run(context.Background())
	var agg *core.AggregateError
	require.True(t, errors.As(err, &agg), "got %v", err)

	var progress []string
	for _, e := range logs.All() {
		if strings.HasPrefix(e.Message, "[") {
			progress = append(progress, e.Level.String()+" "+e.Message)
		}
	}
	assert.Equal(t, []string{
		"info [1/3] completed ok-1-a.lean",
		"error [2/3] failed fail-b.lean",
		"info [3/3] completed ok-1-c.lean",
	}, progress)

	summary := logs.FilterMessage("finished processing files").All()
	require.Len(t, summary, 1)
	fields := summary[0].ContextMap()
	assert.EqualValues(t, 2, fields["completed"])
	assert.EqualValues(t, 1, fields["failed"])
	assert.EqualValues(t, 0, fields["skipped"])
}

func TestRun_SchemaMismatchStopsFurtherWorkers(t *testing.T) {
	sch, err := schema.Parse([]byte(`{"fields": [{"name": "name", "type": "int", "nullable": false}], "key": "name"}`))
	require.NoError(t, err)
	st, err := store.New(store.Options{
		Schema:     sch,
		OutputRoot: t.TempDir(),
		NumShards:  4,
		BatchRows:  1,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	obs := &startRecorder{}
	files := []string{"ok-1-a.lean", "ok-1-b.lean", "ok-1-c.lean", "ok-1-d.lean", "ok-1-e.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, st, func(c *supervisor.Config) {
		c.Parallelism = 1
		c.Observer = obs
	})

	_, err = s.Run(context.Background())
	var mismatch *core.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	var agg *core.AggregateError
	assert.False(t, errors.As(err, &agg), "a sink error is not a per-file failure: %v", err)
	assert.Contains(t, err.Error(), "ok-1-a.lean")
	assert.Equal(t, 1, obs.count(), "no worker may start after the sink failed")
	assert.False(t, s.ShutdownRequested())
	assert.Equal(t, 0, s.LiveCount())
}

func TestRun_SinkErrorTerminatesSiblings(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs at least 2 CPUs")
	}
	boom := errors.New("disk full")
	sink := &memSink{failOn: "ok-", failErr: boom}
	obs := &startRecorder{}
	files := []string{"hang-1.lean", "ok-1-a.lean", "ok-1-b.lean", "ok-1-c.lean"}
	s := newSupervisor(t, supervisor.Target{Files: files}, sink, func(c *supervisor.Config) {
		c.Parallelism = 2
		c.Observer = obs
	})

	start := time.Now()
	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	var agg *core.AggregateError
	assert.False(t, errors.As(err, &agg), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second, "the hanging sibling must be terminated")
	assert.LessOrEqual(t, obs.count(), 2)
	assert.Equal(t, 0, s.LiveCount())
	assert.False(t, s.ShutdownRequested())
	assert.Equal(t, 1, sink.closed)
}
