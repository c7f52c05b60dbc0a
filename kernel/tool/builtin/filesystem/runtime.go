// Package filesystem provides the built-in file tools: READ, EDIT,
// GLOB, LIST and SEARCH.
package filesystem

import (
	"fmt"
	"path/filepath"
	"strings"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
)

func runtimeOrDefault(runtime toolexec.Runtime) toolexec.Runtime {
	if runtime != nil {
		return runtime
	}
	return toolexec.Default()
}

// normalizePath expands ~/ and resolves relative paths against the
// working directory so permission subjects and results are stable.
func normalizePath(fsys toolexec.FileSystem, path string) (string, error) {
	if fsys == nil {
		return "", fmt.Errorf("tool: filesystem runtime is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("tool: empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := fsys.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		wd, err := fsys.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(wd, path)
	}
	return filepath.Clean(path), nil
}
