package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// EditToolName is the built-in file edit tool name.
const EditToolName = "EDIT"

// EditTool replaces one exact string in a file, or creates the file
// when old_string is empty.
type EditTool struct {
	runtime toolexec.Runtime
}

func NewEdit() *EditTool {
	return NewEditWithRuntime(nil)
}

func NewEditWithRuntime(runtime toolexec.Runtime) *EditTool {
	return &EditTool{runtime: runtimeOrDefault(runtime)}
}

func (t *EditTool) Name() string {
	return EditToolName
}

func (t *EditTool) Description() string {
	return "Edit one file by exact old->new string replacement, or create it when old_string is empty."
}

func (t *EditTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationFileRead, toolcap.OperationFileWrite},
		Risk:       toolcap.RiskMedium,
	}
}

// PermissionRequest gates EDIT on the resolved file path.
func (t *EditTool) PermissionRequest(args map[string]any) (permission.Request, bool) {
	pathArg, err := argparse.String(args, "path", true)
	if err != nil {
		return permission.Request{}, false
	}
	target, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return permission.Request{}, false
	}
	return permission.Request{Kind: "edit", Subject: target}, true
}

func (t *EditTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "file path, absolute or relative"},
				"old_string":  map[string]any{"type": "string", "description": "exact text to replace; empty creates the file"},
				"new_string":  map[string]any{"type": "string", "description": "replacement text, or full content for a new file"},
				"replace_all": map[string]any{"type": "boolean", "description": "replace every occurrence instead of requiring a unique one"},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pathArg, err := argparse.String(args, "path", true)
	if err != nil {
		return nil, err
	}
	oldString, err := argparse.String(args, "old_string", false)
	if err != nil {
		return nil, err
	}
	newString, err := argparse.String(args, "new_string", false)
	if err != nil {
		return nil, err
	}
	replaceAll, err := argparse.Bool(args, "replace_all", false)
	if err != nil {
		return nil, err
	}
	target, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return nil, err
	}

	fsys := t.runtime.FileSystem()
	if oldString == "" {
		if _, statErr := fsys.Stat(target); statErr == nil {
			return nil, fmt.Errorf("tool: %s already exists, old_string required for edits", target)
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return nil, statErr
		}
		if err := fsys.WriteFile(target, []byte(newString), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{
			"path":         target,
			"created":      true,
			"replacements": 0,
			"diff":         diffSummary("", newString),
		}, nil
	}

	before, err := fsys.ReadFile(target)
	if err != nil {
		return nil, err
	}
	content := string(before)
	count := strings.Count(content, oldString)
	switch {
	case count == 0:
		return nil, fmt.Errorf("tool: old_string not found in %s", target)
	case count > 1 && !replaceAll:
		return nil, fmt.Errorf("tool: old_string occurs %d times in %s, pass replace_all or disambiguate", count, target)
	}
	replacements := 1
	var after string
	if replaceAll {
		after = strings.ReplaceAll(content, oldString, newString)
		replacements = count
	} else {
		after = strings.Replace(content, oldString, newString, 1)
	}
	if err := fsys.WriteFile(target, []byte(after), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{
		"path":         target,
		"created":      false,
		"replacements": replacements,
		"diff":         diffSummary(content, after),
	}, nil
}

// diffSummary renders a compact line diff of the change for the model
// and the console transcript.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(beforeRunes, afterRunes, false), lines)
	var b strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffEqual:
			// Unchanged regions collapse to keep the summary short.
			if count := strings.Count(d.Text, "\n"); count > 2 {
				fmt.Fprintf(&b, "  ... %d unchanged lines ...\n", count)
				continue
			}
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			b.WriteString(prefix)
			b.WriteString(" ")
			b.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
