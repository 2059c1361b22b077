// Package supervisor runs extractor worker processes and streams their output
// into a row sink.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/io/jsonl"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/worker"
)

// DefaultGracePeriod is how long a worker gets to exit after SIGTERM before it
// is killed.
const DefaultGracePeriod = 2 * time.Second

// Worker is the command that starts one extractor process. The supervisor
// appends the command and target arguments to Args.
type Worker struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// Target selects what the workers extract from: either a set of modules to
// import, or a list of files read one per worker. Exactly one must be set.
type Target struct {
	Imports []string
	Files   []string
}

type Config struct {
	Command string
	// Root is the working directory of every worker.
	Root   string
	Worker Worker
	Target Target

	// Parallelism caps concurrent workers for a multi-file target.
	Parallelism int
	// SpawnRPS paces worker starts. <=0 disables pacing.
	SpawnRPS    float64
	GracePeriod time.Duration

	// Stderr receives worker diagnostics unfiltered. Defaults to os.Stderr.
	Stderr   io.Writer
	Logger   *zap.Logger
	Observer core.Observer
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Observer = core.ObserverOrNop(c.Observer)
	return c
}

// Supervisor owns the live worker processes of one run.
type Supervisor struct {
	cfg  Config
	sink core.RowSink

	// mu guards the registry and the flags below it. It is held across process
	// start so a concurrent Cleanup sees every spawned worker.
	mu   sync.Mutex
	live map[int]*handle
	// shutdown refuses new workers. It is set by Cleanup and by abort.
	shutdown    bool
	interrupted bool
	// fatal is the first sink error; once set the run cannot succeed.
	fatal    error
	stopPool context.CancelFunc
	peak     int

	cleanupOnce sync.Once
	aborting    sync.WaitGroup
}

// New validates the target and returns a supervisor feeding sink.
func New(cfg Config, sink core.RowSink) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	hasImports := len(cfg.Target.Imports) > 0
	hasFiles := len(cfg.Target.Files) > 0
	switch {
	case hasImports && hasFiles:
		return nil, core.Configf("cannot specify both imports and files")
	case !hasImports && !hasFiles:
		return nil, core.Configf("must specify either imports or files")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, core.Configf("command is required")
	}
	if cfg.Worker.Path == "" {
		return nil, core.Configf("worker path is required")
	}
	if sink == nil {
		return nil, core.Configf("row sink is required")
	}
	return &Supervisor{cfg: cfg, sink: sink, live: map[int]*handle{}}, nil
}

// Run executes the target and closes the sink. A single import set or file runs
// one worker and fails with that worker's error; several files run through the
// worker pool and fail with a *core.AggregateError once all of them finished.
// A sink error is fatal to the whole run: no further worker starts, the
// running ones are terminated and Run fails with that error alone.
// If ctx is cancelled or Cleanup is called, Run returns a *core.InterruptedError
// after the sink has been closed.
func (s *Supervisor) Run(ctx context.Context) (core.Stats, error) {
	stop := context.AfterFunc(ctx, s.Cleanup)
	defer stop()

	var runErr error
	switch files := s.cfg.Target.Files; {
	case len(s.cfg.Target.Imports) > 0:
		runErr = s.runUnit(s.importsUnit())
	case len(files) == 1:
		runErr = s.runUnit(s.fileUnit(files[0]))
	default:
		runErr = s.runFiles(ctx, files)
	}

	if ctx.Err() != nil {
		// Cleanup may still be running on the AfterFunc goroutine.
		s.Cleanup()
	}
	s.aborting.Wait()

	stats, closeErr := s.sink.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close row sink: %w", closeErr)
	}
	if s.ShutdownRequested() {
		return stats, errors.Join(&core.InterruptedError{Err: runErr}, closeErr)
	}
	return stats, errors.Join(runErr, closeErr)
}

func (s *Supervisor) runFiles(ctx context.Context, files []string) error {
	n := worker.EffectiveWorkers(s.cfg.Parallelism, len(files))
	s.cfg.Logger.Info("processing files in parallel",
		zap.Int("files", len(files)),
		zap.Int("workers", n),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stopPool = cancel
	s.mu.Unlock()

	total := len(files)
	var completed, failed int
	onResult := func(r worker.Result[string, struct{}]) {
		switch {
		case r.Err == nil:
			completed++
			s.cfg.Logger.Info(fmt.Sprintf("[%d/%d] completed %s", completed+failed, total, r.Input))
		case notStarted(r.Err):
		default:
			failed++
			s.cfg.Logger.Error(fmt.Sprintf("[%d/%d] failed %s", completed+failed, total, r.Input), zap.Error(r.Err))
		}
	}
	results, _ := worker.ProcessAllWithCallback(ctx, files, func(_ context.Context, file string) (struct{}, error) {
		return struct{}{}, s.runUnit(s.fileUnit(file))
	}, onResult, worker.Options{Workers: n, RateLimitRPS: s.cfg.SpawnRPS})

	s.cfg.Logger.Info("finished processing files",
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("skipped", total-completed-failed),
	)
	if err := s.fatalErr(); err != nil {
		return err
	}

	var failures []core.UnitFailure
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, core.UnitFailure{Unit: r.Input, Err: r.Err})
		}
	}
	if len(failures) > 0 {
		return &core.AggregateError{Total: len(files), Failures: failures}
	}
	return nil
}

// notStarted reports whether a pool result is for a file whose worker never
// ran because the run was stopping.
func notStarted(err error) bool {
	return errors.Is(err, core.ErrShutdown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

type unit struct {
	name string
	args []string
}

func (s *Supervisor) baseArgs() []string {
	args := append([]string(nil), s.cfg.Worker.Args...)
	return append(args, "--command", s.cfg.Command)
}

func (s *Supervisor) importsUnit() unit {
	args := append(s.baseArgs(), "--imports")
	return unit{
		name: strings.Join(s.cfg.Target.Imports, " "),
		args: append(args, s.cfg.Target.Imports...),
	}
}

func (s *Supervisor) fileUnit(file string) unit {
	return unit{name: file, args: append(s.baseArgs(), "--read", file)}
}

// runUnit spawns one worker, streams its stdout into the sink and waits for it.
func (s *Supervisor) runUnit(u unit) (err error) {
	h, err := s.spawn(u)
	if err != nil {
		return err
	}
	start := time.Now()
	s.cfg.Observer.WorkerStarted(u.name)
	defer func() { s.cfg.Observer.WorkerFinished(u.name, err) }()

	s.setState(h, StateStreaming)
	var sinkErr error
	keep := func(addErr error) error {
		if addErr != nil {
			sinkErr = addErr
		}
		return addErr
	}
	opts := jsonl.StreamOptions{Unit: u.name, Logger: s.cfg.Logger, Observer: s.cfg.Observer}
	var (
		stats     jsonl.StreamStats
		streamErr error
	)
	if ls, ok := s.sink.(core.LineSink); ok {
		stats, streamErr = jsonl.StreamLines(h.stdout, func(line []byte) error {
			return keep(ls.AddLine(line))
		}, opts)
	} else {
		stats, streamErr = jsonl.Stream(h.stdout, func(rec record.Record) error {
			return keep(s.sink.Add(rec))
		}, opts)
	}

	var waitErr error
	if streamErr != nil {
		streamErr = fmt.Errorf("%s: %w", u.name, streamErr)
		s.cfg.Logger.Error("stopping worker after output error",
			zap.String("unit", u.name),
			zap.Error(streamErr),
		)
		if sinkErr != nil {
			s.abort(streamErr, h)
		}
		terminated := make(chan struct{})
		go func() {
			defer close(terminated)
			s.terminate(h)
		}()
		waitErr = h.wait()
		<-terminated
	} else {
		waitErr = h.wait()
	}

	state := StateCompleted
	switch {
	case h.terminated.Load():
		state = StateTerminated
	case streamErr != nil || waitErr != nil:
		state = StateFailed
	}
	s.finish(h, state)

	fields := []zap.Field{
		zap.String("unit", u.name),
		zap.Int("pid", h.pid),
		zap.Stringer("state", state),
		zap.Int("records", stats.Records),
		zap.Int("malformed", stats.Malformed),
		zap.Duration("elapsed", time.Since(start)),
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		err := exitError(u.name, waitErr)
		s.cfg.Logger.Warn("worker failed", append(fields, zap.Error(err))...)
		return err
	}
	s.cfg.Logger.Info("worker finished", fields...)
	return nil
}

// spawn starts a worker and registers it, unless shutdown has begun.
func (s *Supervisor) spawn(u unit) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, core.ErrShutdown
	}

	cmd := exec.Command(s.cfg.Worker.Path, u.args...)
	cmd.Dir = s.cfg.Root
	if len(s.cfg.Worker.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Worker.Env...)
	}
	cmd.Stderr = s.cfg.Stderr
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &core.WorkerLaunchError{Unit: u.name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &core.WorkerLaunchError{Unit: u.name, Err: err}
	}

	h := &handle{
		unit:   u.name,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdout,
		state:  StateSpawned,
		done:   make(chan struct{}),
	}
	s.live[h.pid] = h
	if len(s.live) > s.peak {
		s.peak = len(s.live)
	}
	s.cfg.Logger.Debug("worker started",
		zap.String("unit", u.name),
		zap.Int("pid", h.pid),
		zap.Strings("args", u.args),
	)
	return h, nil
}

func (s *Supervisor) setState(h *handle, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.state = st
}

func (s *Supervisor) finish(h *handle, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.state = st
	delete(s.live, h.pid)
}

// Cleanup stops all work: no new worker starts afterwards, and every live
// worker gets SIGTERM, then SIGKILL if it is still running after the grace
// period. It blocks until every signalled worker has exited. Safe to call more
// than once and from any goroutine.
func (s *Supervisor) Cleanup() {
	s.cleanupOnce.Do(s.cleanup)
}

func (s *Supervisor) cleanup() {
	s.mu.Lock()
	s.shutdown = true
	s.interrupted = true
	snapshot := make([]*handle, 0, len(s.live))
	for _, h := range s.live {
		snapshot = append(snapshot, h)
	}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	s.cfg.Logger.Info("terminating workers", zap.Int("count", len(snapshot)))

	var wg sync.WaitGroup
	for _, h := range snapshot {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.terminate(h)
		}()
	}
	wg.Wait()
}

// abort ends the run after err, which the sink returned while self was
// streaming: nothing new starts and every other live worker is terminated in
// the background. Only the first error is kept.
func (s *Supervisor) abort(err error, self *handle) {
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.fatal = err
	s.shutdown = true
	stopPool := s.stopPool
	var others []*handle
	for _, h := range s.live {
		if h != self {
			others = append(others, h)
		}
	}
	s.mu.Unlock()

	s.cfg.Logger.Error("aborting run after sink error",
		zap.Error(err),
		zap.Int("terminating", len(others)),
	)
	if stopPool != nil {
		stopPool()
	}
	for _, h := range others {
		h := h
		s.aborting.Add(1)
		go func() {
			defer s.aborting.Done()
			s.terminate(h)
		}()
	}
}

func (s *Supervisor) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// terminate signals h's process group and waits for the owning goroutine to
// reap it.
func (s *Supervisor) terminate(h *handle) {
	if h.exited() {
		return
	}
	h.terminated.Store(true)
	if err := signalGroup(h.pid, false); err != nil {
		s.cfg.Logger.Debug("sigterm failed", zap.Int("pid", h.pid), zap.Error(err))
	}

	t := time.NewTimer(s.cfg.GracePeriod)
	defer t.Stop()
	select {
	case <-h.done:
		return
	case <-t.C:
	}

	s.cfg.Logger.Warn("worker ignored SIGTERM, killing",
		zap.String("unit", h.unit),
		zap.Int("pid", h.pid),
		zap.Duration("grace", s.cfg.GracePeriod),
	)
	if err := signalGroup(h.pid, true); err != nil {
		s.cfg.Logger.Debug("sigkill failed", zap.Int("pid", h.pid), zap.Error(err))
	}
	<-h.done
}

// ShutdownRequested reports whether Cleanup has been called. An abort after
// a sink error stops the run too but does not count as a shutdown request.
func (s *Supervisor) ShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// LiveCount is the number of workers currently registered.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// PeakLive is the largest number of workers that were live at once.
func (s *Supervisor) PeakLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func exitError(unit string, err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &core.WorkerExitError{Unit: unit, ExitCode: ee.ExitCode(), Signal: exitSignal(ee)}
	}
	return fmt.Errorf("wait for worker %s: %w", unit, err)
}
