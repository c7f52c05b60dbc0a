package filesystem

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// GlobToolName is the built-in glob tool name.
const GlobToolName = "GLOB"

const globMatchLimit = 500

// GlobTool matches files under a root by pattern, with ** support.
type GlobTool struct {
	runtime toolexec.Runtime
}

func NewGlob() *GlobTool {
	return NewGlobWithRuntime(nil)
}

func NewGlobWithRuntime(runtime toolexec.Runtime) *GlobTool {
	return &GlobTool{runtime: runtimeOrDefault(runtime)}
}

func (t *GlobTool) Name() string {
	return GlobToolName
}

func (t *GlobTool) Description() string {
	return "Match files by glob pattern, ** crosses directories."
}

func (t *GlobTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationFileRead},
		Risk:       toolcap.RiskLow,
	}
}

func (t *GlobTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "glob pattern, relative to path"},
				"path":    map[string]any{"type": "string", "description": "root directory, defaults to working directory"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GlobTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern, err := argparse.String(args, "pattern", true)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	pathArg, err := argparse.String(args, "path", false)
	if err != nil {
		return nil, err
	}
	if pathArg == "" {
		pathArg = "."
	}
	root, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return nil, err
	}

	var matches []string
	truncated := false
	walkErr := t.runtime.FileSystem().WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		ok, matchErr := doublestar.Match(pattern, filepath.ToSlash(rel))
		if matchErr != nil || !ok {
			return nil
		}
		if len(matches) >= globMatchLimit {
			truncated = true
			return fs.SkipAll
		}
		matches = append(matches, path)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(matches)
	return map[string]any{
		"pattern":   pattern,
		"root":      root,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}
