package filesystem

import (
	"context"
	"sort"
	"strings"
	"time"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// ListToolName is the built-in directory listing tool name.
const ListToolName = "LIST"

// ListTool lists one directory, non-recursive.
type ListTool struct {
	runtime toolexec.Runtime
}

func NewList() *ListTool {
	return NewListWithRuntime(nil)
}

func NewListWithRuntime(runtime toolexec.Runtime) *ListTool {
	return &ListTool{runtime: runtimeOrDefault(runtime)}
}

func (t *ListTool) Name() string {
	return ListToolName
}

func (t *ListTool) Description() string {
	return "List files and directories in one path."
}

func (t *ListTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationFileRead},
		Risk:       toolcap.RiskLow,
	}
}

func (t *ListTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "directory path, defaults to working directory"},
			},
		},
	}
}

func (t *ListTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pathArg, err := argparse.String(args, "path", false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pathArg) == "" {
		pathArg = "."
	}
	target, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return nil, err
	}
	items, err := t.runtime.FileSystem().ReadDir(target)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"name":   item.Name(),
			"is_dir": item.IsDir(),
		}
		if info, infoErr := item.Info(); infoErr == nil {
			entry["size"] = info.Size()
			entry["mod_time"] = info.ModTime().UTC().Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i]["name"].(string) < entries[j]["name"].(string)
	})
	return map[string]any{
		"path":    target,
		"entries": entries,
		"count":   len(entries),
	}, nil
}
