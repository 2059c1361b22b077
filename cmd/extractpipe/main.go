package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/palantir/extractpipe/internal/app"
	"github.com/palantir/extractpipe/internal/version"
	parquetio "github.com/palantir/extractpipe/pkg/pipeline/io/parquet"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := app.ExitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		// Only flag and argument errors reach here; run failures set code.
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return app.ExitUsage
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var (
		opts      app.Options
		numShards int
		batchRows int
		parallel  int
		spawnRPS  float64
	)

	cmd := &cobra.Command{
		Use:   "extractpipe --command <name> (--imports M... | --read F... | --readList FILE | --library LIB)",
		Short: "Run a Lean extractor and store its records as sharded parquet files",
		Long: `extractpipe builds the lean_scout extractor, launches it as one or more worker
processes and writes every record it prints to hash-sharded parquet files under
<dataDir>/<command>/, or to stdout as JSON Lines with --jsonl.`,
		Example: `  extractpipe --command types --imports Lean
  extractpipe --command tactics --library LeanScoutTest --parallel 4
  extractpipe --command types --dataDir ~/storage --numShards 32 --imports Lean Mathlib
  extractpipe --command extractors`,
		// Extra arguments extend --imports or --read.
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 0:
			case len(opts.Imports) > 0:
				opts.Imports = append(opts.Imports, args...)
			case len(opts.Read) > 0:
				opts.Read = append(opts.Read, args...)
			default:
				return fmt.Errorf("unexpected arguments %q", args)
			}

			flags := cmd.Flags()
			if flags.Changed("numShards") {
				opts.NumShards = &numShards
			}
			if flags.Changed("batchRows") {
				opts.BatchRows = &batchRows
			}
			if flags.Changed("parallel") {
				opts.Parallel = &parallel
			}
			if flags.Changed("spawnRPS") {
				opts.SpawnRPS = &spawnRPS
			}
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()

			*code = app.Run(cmd.Context(), opts)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Command, "command", "", "Extractor command to run (e.g. types, tactics); 'extractors' lists them")
	f.StringArrayVar(&opts.Imports, "imports", nil, "Modules to import (e.g. Lean Mathlib)")
	f.StringArrayVar(&opts.Read, "read", nil, "Lean file(s) to read; several files run in parallel")
	f.StringVar(&opts.ReadList, "readList", "", "File listing Lean files to read, one per line")
	f.StringVar(&opts.Library, "library", "", "Library whose modules are read (lake query <lib>:module_paths)")
	cmd.MarkFlagsMutuallyExclusive("imports", "read", "readList", "library")
	_ = cmd.MarkFlagRequired("command")

	f.StringVar(&opts.DataDir, "dataDir", "", "Base output directory (default: cmdRoot)")
	f.StringVar(&opts.CmdRoot, "cmdRoot", "", "Directory relative inputs and outputs resolve against (default: working directory)")
	f.StringVar(&opts.RootPath, "rootPath", ".", "Lean package root")
	f.IntVar(&numShards, "numShards", 128, "Number of output shards, 1 to 999")
	f.IntVar(&batchRows, "batchRows", 1024, "Rows buffered per shard before flushing")
	f.IntVar(&parallel, "parallel", 0, "Parallel workers for multi-file runs (default: CPU count)")
	f.Float64Var(&spawnRPS, "spawnRPS", 0, "Maximum worker starts per second, 0 disables pacing")
	f.StringVar(&opts.Compression, "compression", "", "Parquet codec: zstd, snappy, gzip or none")
	f.BoolVar(&opts.JSONL, "jsonl", false, "Write JSON Lines to stdout instead of parquet files")
	f.StringVar(&opts.LogLevel, "logLevel", "", "DEBUG, INFO, WARNING, ERROR or CRITICAL")
	f.StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	f.StringVar(&opts.MetricsFile, "metricsFile", "", "Write Prometheus metrics to this file at exit")

	cmd.AddCommand(newVersionCmd(), newInspectCmd(code))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func newInspectCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Print row counts of the part files in an output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := filepath.Glob(filepath.Join(args[0], "part-*.parquet"))
			if err != nil {
				return err
			}
			if len(parts) == 0 {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "no part files in %s\n", args[0])
				*code = app.ExitFailure
				return nil
			}
			sort.Strings(parts)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "FILE\tROWS\tROW GROUPS")
			var total int64
			for _, p := range parts {
				info, err := parquetio.Inspect(p)
				if err != nil {
					_ = tw.Flush()
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "inspect %s: %s\n", p, err)
					*code = app.ExitFailure
					return nil
				}
				total += info.Rows
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\n", filepath.Base(p), info.Rows, info.RowGroups)
			}
			_, _ = fmt.Fprintf(tw, "total\t%d\t\n", total)
			return tw.Flush()
		},
	}
}
