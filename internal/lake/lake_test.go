package lake_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/palantir/extractpipe/internal/lake"
)

func TestReadFileList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files.txt"), []byte("  A.lean\n\nB/C.lean  \n\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("\n  \n"), 0o644))

	files, err := lake.ReadFileList("files.txt", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.lean", "B/C.lean"}, files)

	_, err = lake.ReadFileList("empty.txt", dir)
	assert.ErrorContains(t, err, "file list is empty")

	_, err = lake.ReadFileList("missing.txt", dir)
	assert.ErrorContains(t, err, "file list not found")
}

func TestNormalizeReadPaths(t *testing.T) {
	cmdRoot := t.TempDir()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cmdRoot, "Here.lean"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Here.lean"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "RootOnly.lean"), nil, 0o644))

	abs := filepath.Join(t.TempDir(), "Abs.lean")
	got := lake.NormalizeReadPaths([]string{"Here.lean", "RootOnly.lean", "Nowhere.lean", abs}, cmdRoot, root)
	assert.Equal(t, []string{
		filepath.Join(cmdRoot, "Here.lean"),
		filepath.Join(root, "RootOnly.lean"),
		filepath.Join(cmdRoot, "Nowhere.lean"),
		abs,
	}, got)
}

func TestWorkerCommand(t *testing.T) {
	c := lake.New("", "", "/pkg", nil)
	bin, args := c.WorkerCommand()
	assert.Equal(t, "lake", bin)
	assert.Equal(t, []string{"exe", "-q", "lean_scout"}, args)
}

// fakeLake writes a shell script that answers like the build tool.
func fakeLake(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	script := `#!/bin/sh
case "$1" in
  build) exit 0 ;;
  query)
    if [ "$3" = "Broken:module_paths" ]; then echo "unknown library" >&2; exit 1; fi
    printf 'A.lean\n\nB.lean\n' ;;
  exe)
    if [ "$5" = "extractors" ]; then echo "types tactics"; exit 0; fi
    if [ "$6" = "--schema" ]; then echo '  {"fields": [], "key": "name"}  '; exit 0; fi
    exit 4 ;;
esac
`
	path := filepath.Join(t.TempDir(), "lake")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestClient_CallsBuildTool(t *testing.T) {
	c := lake.New(fakeLake(t), "", t.TempDir(), zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, c.Build(ctx))

	schema, err := c.Schema(ctx, "types")
	require.NoError(t, err)
	assert.Equal(t, `{"fields": [], "key": "name"}`, string(schema))

	files, err := c.LibraryPaths(ctx, "LeanScoutTest")
	require.NoError(t, err)
	assert.Equal(t, []string{"A.lean", "B.lean"}, files)

	_, err = c.LibraryPaths(ctx, "Broken")
	var cmdErr *lake.CommandError
	require.True(t, errors.As(err, &cmdErr), "got %v", err)
	assert.Contains(t, cmdErr.Stderr, "unknown library")

	var out bytes.Buffer
	code, err := c.ListExtractors(ctx, &out, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "types tactics\n", out.String())
}
