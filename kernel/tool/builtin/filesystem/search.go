package filesystem

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"strings"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// SearchToolName is the built-in text search tool name.
const SearchToolName = "SEARCH"

var errSearchLimitReached = errors.New("search: limit reached")

// SearchTool searches text in a file or directory recursively.
type SearchTool struct {
	runtime toolexec.Runtime
}

func NewSearch() *SearchTool {
	return NewSearchWithRuntime(nil)
}

func NewSearchWithRuntime(runtime toolexec.Runtime) *SearchTool {
	return &SearchTool{runtime: runtimeOrDefault(runtime)}
}

func (t *SearchTool) Name() string {
	return SearchToolName
}

func (t *SearchTool) Description() string {
	return "Search text in a file or directory recursively."
}

func (t *SearchTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationFileRead},
		Risk:       toolcap.RiskLow,
	}
}

func (t *SearchTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string", "description": "target file or directory path"},
				"query":          map[string]any{"type": "string", "description": "search text"},
				"limit":          map[string]any{"type": "integer", "description": "max results"},
				"case_sensitive": map[string]any{"type": "boolean", "description": "case sensitive search"},
			},
			"required": []string{"path", "query"},
		},
	}
}

func (t *SearchTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pathArg, err := argparse.String(args, "path", true)
	if err != nil {
		return nil, err
	}
	query, err := argparse.String(args, "query", true)
	if err != nil {
		return nil, err
	}
	limit, err := argparse.Int(args, "limit", 50)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	caseSensitive, err := argparse.Bool(args, "case_sensitive", false)
	if err != nil {
		return nil, err
	}
	target, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return nil, err
	}
	info, err := t.runtime.FileSystem().Stat(target)
	if err != nil {
		return nil, err
	}

	needle := query
	if !caseSensitive {
		needle = strings.ToLower(query)
	}
	var (
		results      []map[string]any
		scannedFiles int
		truncated    bool
	)
	searchFile := func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		scannedFiles++
		file, openErr := t.runtime.FileSystem().Open(path)
		if openErr != nil {
			return nil
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			haystack := line
			if !caseSensitive {
				haystack = strings.ToLower(line)
			}
			column := strings.Index(haystack, needle)
			if column < 0 {
				continue
			}
			results = append(results, map[string]any{
				"path":   path,
				"line":   lineNo,
				"column": column + 1,
				"text":   line,
			})
			if len(results) >= limit {
				truncated = true
				return errSearchLimitReached
			}
		}
		return nil
	}

	if info.IsDir() {
		walkErr := t.runtime.FileSystem().WalkDir(target, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				if skipSearchDir(entry.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			return searchFile(path)
		})
		if walkErr != nil && !errors.Is(walkErr, errSearchLimitReached) {
			return nil, walkErr
		}
	} else {
		if err := searchFile(target); err != nil && !errors.Is(err, errSearchLimitReached) {
			return nil, err
		}
	}
	if results == nil {
		results = []map[string]any{}
	}
	return map[string]any{
		"path":          target,
		"query":         query,
		"results":       results,
		"count":         len(results),
		"scanned_files": scannedFiles,
		"truncated":     truncated,
	}, nil
}

func skipSearchDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".venv", "__pycache__":
		return true
	}
	return false
}
