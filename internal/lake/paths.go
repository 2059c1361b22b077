package lake

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUser replaces a leading "~" with the home directory.
func ExpandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Abs expands and absolutizes path, resolving relative paths against base.
func Abs(path, base string) string {
	path = ExpandUser(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path)
}

// ReadFileList reads one path per line from listPath. Surrounding whitespace
// and blank lines are dropped. A relative listPath is resolved against base.
// An empty list is an error.
func ReadFileList(listPath, base string) ([]string, error) {
	path := listPath
	if base != "" {
		path = Abs(listPath, base)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file list not found: %s", listPath)
		}
		return nil, fmt.Errorf("read file list %s: %w", listPath, err)
	}
	files := nonBlankLines(string(data))
	if len(files) == 0 {
		return nil, fmt.Errorf("file list is empty: %s", listPath)
	}
	return files, nil
}

// NormalizeReadPaths makes every file absolute. Absolute paths are kept. A
// relative path resolves against cmdRoot, unless it only exists under the
// package root.
func NormalizeReadPaths(files []string, cmdRoot, root string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = ExpandUser(f)
		if filepath.IsAbs(f) {
			out = append(out, filepath.Clean(f))
			continue
		}
		fromCmd := filepath.Join(cmdRoot, f)
		fromRoot := filepath.Join(root, f)
		if exists(fromCmd) || !exists(fromRoot) {
			out = append(out, fromCmd)
		} else {
			out = append(out, fromRoot)
		}
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
