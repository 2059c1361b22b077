// Package lake wraps the calls the pipeline makes to the Lean build tool: building
// the extractor, asking it for a command's schema, listing a library's modules
// and launching it as a worker.
package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultBinary     = "lake"
	DefaultExecutable = "lean_scout"

	// ExtractorsCommand lists the available extractor commands instead of
	// running one.
	ExtractorsCommand = "extractors"
)

type Client struct {
	// Binary is the build tool, usually "lake" on PATH.
	Binary string
	// Executable is the extractor target inside the package.
	Executable string
	// Root is the package root every call runs in.
	Root   string
	Logger *zap.Logger
}

func New(binary, executable, root string, logger *zap.Logger) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	if executable == "" {
		executable = DefaultExecutable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Binary: binary, Executable: executable, Root: root, Logger: logger}
}

// WorkerCommand is the program and leading arguments that start one extractor
// worker. The caller appends the command and target flags.
func (c *Client) WorkerCommand() (string, []string) {
	return c.Binary, []string{"exe", "-q", c.Executable}
}

// Build compiles the extractor once so workers do not race to build it.
func (c *Client) Build(ctx context.Context) error {
	c.Logger.Info("building extractor", zap.String("target", c.Executable))
	if _, err := c.output(ctx, "build", "-q", c.Executable); err != nil {
		return fmt.Errorf("build %s: %w", c.Executable, err)
	}
	c.Logger.Info("extractor build completed")
	return nil
}

// Schema returns the schema document the extractor declares for command.
func (c *Client) Schema(ctx context.Context, command string) ([]byte, error) {
	out, err := c.output(ctx, "exe", "-q", c.Executable, "--command", command, "--schema")
	if err != nil {
		return nil, fmt.Errorf("query schema for command %q: %w", command, err)
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("no schema output for command %q", command)
	}
	return out, nil
}

// LibraryPaths lists the module source files of a library.
func (c *Client) LibraryPaths(ctx context.Context, library string) ([]string, error) {
	out, err := c.output(ctx, "query", "-q", library+":module_paths")
	if err != nil {
		return nil, fmt.Errorf("query module paths for library %q: %w", library, err)
	}
	return nonBlankLines(string(out)), nil
}

// ListExtractors runs the extractor's listing command with output passed
// through, and returns its exit code.
func (c *Client) ListExtractors(ctx context.Context, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, c.Binary, "exe", "-q", c.Executable, "--command", ExtractorsCommand)
	cmd.Dir = c.Root
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	if err != nil {
		return 1, fmt.Errorf("run %s: %w", c.Binary, err)
	}
	return 0, nil
}

// CommandError carries the captured output of a failed collaborator call.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %v\nstdout: %s\nstderr: %s",
		strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c *Client) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = c.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	c.Logger.Debug("running", zap.String("binary", c.Binary), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{
			Args:   append([]string{c.Binary}, args...),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

func nonBlankLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
