// Package app wires one extraction run: configuration, the lake collaborator,
// the output sink, the supervisor and signal handling.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/palantir/extractpipe/internal/config"
	"github.com/palantir/extractpipe/internal/lake"
	"github.com/palantir/extractpipe/internal/logging"
	"github.com/palantir/extractpipe/internal/metrics"
	"github.com/palantir/extractpipe/internal/supervisor"
	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/io/jsonl"
	parquetio "github.com/palantir/extractpipe/pkg/pipeline/io/parquet"
	"github.com/palantir/extractpipe/pkg/pipeline/redact"
	"github.com/palantir/extractpipe/pkg/pipeline/schema"
	"github.com/palantir/extractpipe/pkg/pipeline/store"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// Options mirrors the command line. Pointer fields override the loaded
// configuration only when set.
type Options struct {
	Command string

	// Exactly one target must be set.
	Imports  []string
	Read     []string
	ReadList string
	Library  string

	RootPath string
	CmdRoot  string
	DataDir  string
	JSONL    bool

	ConfigPath  string
	NumShards   *int
	BatchRows   *int
	Parallel    *int
	SpawnRPS    *float64
	Compression string
	LogLevel    string
	MetricsFile string

	Stdout io.Writer
	Stderr io.Writer
	// Logger replaces the configured logger, mainly for tests.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RootPath == "" {
		o.RootPath = "."
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// loadConfig layers the flags over the file and environment configuration.
func (o Options) loadConfig() (config.Config, []string, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.NumShards != nil {
		cfg.Output.NumShards = *o.NumShards
	}
	if o.BatchRows != nil {
		cfg.Output.BatchRows = *o.BatchRows
	}
	if o.Parallel != nil {
		if *o.Parallel < 1 {
			return cfg, nil, fmt.Errorf("--parallel must be at least 1, got %d", *o.Parallel)
		}
		cfg.Workers.Parallel = *o.Parallel
	}
	if o.SpawnRPS != nil {
		cfg.Workers.SpawnRPS = *o.SpawnRPS
	}
	if o.Compression != "" {
		cfg.Output.Compression = o.Compression
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.MetricsFile != "" {
		cfg.MetricsFile = o.MetricsFile
	}
	warnings, err := cfg.Validate()
	return cfg, warnings, err
}

// Run executes one extraction and returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	opts = opts.withDefaults()

	cfg, warnings, err := opts.loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return ExitUsage
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "config error: %s\n", err)
			return ExitUsage
		}
		defer func() { _ = logger.Sync() }()
	}
	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID), zap.String("command", opts.Command))
	for _, w := range warnings {
		logger.Warn(w)
	}

	r := &runner{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(opts.Command, runID),
	}
	return r.run(ctx)
}

type runner struct {
	opts    Options
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Recorder
}

type directories struct {
	root    string
	cmdRoot string
	// base is dataDir/command, the sharded output directory.
	base string
}

func (r *runner) run(ctx context.Context) int {
	if r.opts.Command == "" {
		r.logger.Error("--command is required")
		return ExitUsage
	}

	dirs, err := resolveDirectories(r.opts.RootPath, r.opts.DataDir, r.opts.CmdRoot, r.opts.Command)
	if err != nil {
		r.logger.Error("resolve directories", zap.Error(err))
		return ExitFailure
	}
	lk := lake.New(r.cfg.Lake.Binary, r.cfg.Lake.Executable, dirs.root, r.logger)

	if r.opts.Command == lake.ExtractorsCommand {
		code, err := lk.ListExtractors(ctx, r.opts.Stdout, r.opts.Stderr)
		if err != nil {
			r.logger.Error("list extractors", zap.Error(err))
		}
		return code
	}

	if err := r.checkTarget(); err != nil {
		r.logger.Error("invalid target", zap.Error(err))
		return ExitUsage
	}
	if !r.opts.JSONL {
		if _, err := os.Stat(dirs.base); err == nil {
			r.logger.Error("data directory already exists, aborting", zap.String("dir", dirs.base))
			return ExitUsage
		}
	}

	ctx, stopSignals := r.handleSignals(ctx)
	defer stopSignals()

	start := time.Now()
	stats, created, err := r.extract(ctx, lk, dirs)
	code := r.report(ctx, stats, err)
	if code != ExitOK && code != ExitInterrupted && created {
		r.logger.Info("removing output directory", zap.String("dir", dirs.base))
		if rmErr := os.RemoveAll(dirs.base); rmErr != nil {
			r.logger.Warn("remove output directory", zap.Error(rmErr))
		}
	}

	r.metrics.RunFinished(stats, time.Since(start), outcome(code))
	if path := r.cfg.MetricsFile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			r.logger.Warn("write metrics file", zap.String("path", path), zap.Error(err))
		}
	}
	return code
}

func (r *runner) checkTarget() error {
	set := 0
	for _, ok := range []bool{
		len(r.opts.Imports) > 0,
		len(r.opts.Read) > 0,
		r.opts.ReadList != "",
		r.opts.Library != "",
	} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return core.Configf("one of --imports --read --readList --library is required")
	case set > 1:
		return core.Configf("--imports, --read, --readList and --library are mutually exclusive")
	}
	return nil
}

func resolveDirectories(rootPath, dataDir, cmdRoot, command string) (directories, error) {
	wd, err := os.Getwd()
	if err != nil {
		return directories{}, err
	}
	d := directories{root: lake.Abs(rootPath, wd), cmdRoot: wd}
	if cmdRoot != "" {
		d.cmdRoot = lake.Abs(cmdRoot, wd)
	}
	data := d.cmdRoot
	if dataDir != "" {
		data = lake.Abs(dataDir, d.cmdRoot)
	}
	d.base = filepath.Join(data, command)
	return d, nil
}

// handleSignals cancels the run on the first SIGINT or SIGTERM, which makes the
// supervisor clean up its workers. A second signal exits immediately.
func (r *runner) handleSignals(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
		case <-done:
			return
		}
		r.logger.Warn("interrupted by user, cleaning up")
		cancel()
		select {
		case <-sigs:
			r.logger.Warn("second interrupt, exiting immediately")
			os.Exit(ExitInterrupted)
		case <-done:
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// extract runs the pipeline. created reports whether the output directory was
// made by this run.
func (r *runner) extract(ctx context.Context, lk *lake.Client, dirs directories) (stats core.Stats, created bool, err error) {
	target, err := r.target(ctx, lk, dirs)
	if err != nil {
		return stats, false, err
	}
	if err := lk.Build(ctx); err != nil {
		return stats, false, err
	}

	var sink core.RowSink
	if r.opts.JSONL {
		if sink, err = r.jsonlSink(); err != nil {
			return stats, false, err
		}
	} else {
		r.logger.Info("querying schema")
		raw, err := lk.Schema(ctx, r.opts.Command)
		if err != nil {
			return stats, false, err
		}
		sc, err := schema.Parse(raw)
		if err != nil {
			return stats, false, err
		}
		if err := os.MkdirAll(dirs.base, 0o755); err != nil {
			return stats, false, fmt.Errorf("create output directory: %w", err)
		}
		created = true
		sink, err = store.New(store.Options{
			Schema:     sc,
			OutputRoot: dirs.base,
			NumShards:  uint32(r.cfg.Output.NumShards),
			BatchRows:  r.cfg.Output.BatchRows,
			Open:       store.ParquetOpener(parquetio.Options{Compression: r.cfg.Output.Compression}),
			Observer:   r.metrics,
			Logger:     r.logger,
		})
		if err != nil {
			return stats, created, err
		}
	}

	path, args := lk.WorkerCommand()
	sup, err := supervisor.New(supervisor.Config{
		Command:     r.opts.Command,
		Root:        dirs.root,
		Worker:      supervisor.Worker{Path: path, Args: args},
		Target:      target,
		Parallelism: r.cfg.Workers.Parallel,
		SpawnRPS:    r.cfg.Workers.SpawnRPS,
		GracePeriod: r.cfg.Workers.GracePeriod,
		Stderr:      r.opts.Stderr,
		Logger:      r.logger,
		Observer:    r.metrics,
	}, sink)
	if err != nil {
		_, _ = sink.Close()
		return stats, created, err
	}

	r.logger.Info("running extraction")
	stats, err = sup.Run(ctx)
	return stats, created, err
}

func (r *runner) target(ctx context.Context, lk *lake.Client, dirs directories) (supervisor.Target, error) {
	var files []string
	switch {
	case len(r.opts.Imports) > 0:
		return supervisor.Target{Imports: r.opts.Imports}, nil
	case len(r.opts.Read) > 0:
		files = r.opts.Read
	case r.opts.ReadList != "":
		r.logger.Info("reading file list", zap.String("path", r.opts.ReadList))
		list, err := lake.ReadFileList(r.opts.ReadList, dirs.cmdRoot)
		if err != nil {
			return supervisor.Target{}, &core.ConfigurationError{Reason: "invalid --readList", Err: err}
		}
		files = list
	case r.opts.Library != "":
		r.logger.Info("querying module paths", zap.String("library", r.opts.Library))
		paths, err := lk.LibraryPaths(ctx, r.opts.Library)
		if err != nil {
			return supervisor.Target{}, err
		}
		if len(paths) == 0 {
			return supervisor.Target{}, core.Configf("library %q has no modules", r.opts.Library)
		}
		files = paths
	}
	r.logger.Info("found files to process", zap.Int("files", len(files)))
	return supervisor.Target{Files: lake.NormalizeReadPaths(files, dirs.cmdRoot, dirs.root)}, nil
}

func (r *runner) jsonlSink() (core.RowSink, error) {
	// Hide any Close method so the emitter never closes stdout.
	w := struct{ io.Writer }{r.opts.Stdout}
	if r.cfg.Output.JSONLCompression != config.JSONLCompressionZstd {
		return jsonl.NewEmitter(w), nil
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd stream: %w", err)
	}
	return jsonl.NewEmitter(enc), nil
}

func (r *runner) report(ctx context.Context, stats core.Stats, err error) int {
	var (
		interrupted *core.InterruptedError
		cfgErr      *core.ConfigurationError
	)
	switch {
	case errors.As(err, &interrupted) || (err != nil && ctx.Err() != nil):
		r.logger.Warn("extraction interrupted",
			zap.Uint64("rows", stats.TotalRows),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return ExitInterrupted
	case errors.As(err, &cfgErr):
		r.logger.Error("configuration error", zap.String("error", redact.Secrets(err.Error())))
		return ExitUsage
	case err != nil:
		r.logger.Error("extraction failed", zap.String("error", redact.Secrets(err.Error())))
		return ExitFailure
	}
	if r.opts.JSONL {
		r.logger.Info("extraction complete", zap.Uint64("rows", stats.TotalRows))
	} else {
		r.logger.Info("extraction complete",
			zap.Uint64("rows", stats.TotalRows),
			zap.Uint32("shards", stats.NumShardsWithData),
			zap.String("dir", stats.OutputRoot),
		)
	}
	return ExitOK
}

func outcome(code int) string {
	switch code {
	case ExitOK:
		return "ok"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "error"
	}
}
