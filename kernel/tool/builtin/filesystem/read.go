package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// ReadToolName is the built-in file read tool name.
const ReadToolName = "READ"

// ReadConfig bounds how much of a file one READ call can return.
type ReadConfig struct {
	DefaultLimit     int
	MaxLimit         int
	DefaultMaxTokens int
	MaxTokens        int
}

// DefaultReadConfig returns safe defaults for the built-in READ tool.
func DefaultReadConfig() ReadConfig {
	return ReadConfig{
		DefaultLimit:     200,
		MaxLimit:         400,
		DefaultMaxTokens: 2000,
		MaxTokens:        4000,
	}
}

// ReadTool is the built-in READ implementation.
type ReadTool struct {
	cfg     ReadConfig
	runtime toolexec.Runtime
}

// NewRead creates the built-in READ tool on the host runtime.
func NewRead(cfg ReadConfig) *ReadTool {
	return NewReadWithRuntime(cfg, nil)
}

// NewReadWithRuntime creates the READ tool with one execution runtime.
func NewReadWithRuntime(cfg ReadConfig, runtime toolexec.Runtime) *ReadTool {
	if cfg.DefaultLimit <= 0 || cfg.MaxLimit <= 0 || cfg.DefaultMaxTokens <= 0 || cfg.MaxTokens <= 0 {
		cfg = DefaultReadConfig()
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.DefaultMaxTokens > cfg.MaxTokens {
		cfg.DefaultMaxTokens = cfg.MaxTokens
	}
	return &ReadTool{cfg: cfg, runtime: runtimeOrDefault(runtime)}
}

func (t *ReadTool) Name() string {
	return ReadToolName
}

func (t *ReadTool) Description() string {
	return "Read a text file segment by path with offset/limit/token caps."
}

func (t *ReadTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationFileRead},
		Risk:       toolcap.RiskLow,
	}
}

// PermissionRequest gates READ on the resolved file path.
func (t *ReadTool) PermissionRequest(args map[string]any) (permission.Request, bool) {
	pathArg, err := argparse.String(args, "path", true)
	if err != nil {
		return permission.Request{}, false
	}
	target, err := normalizePath(t.runtime.FileSystem(), pathArg)
	if err != nil {
		return permission.Request{}, false
	}
	return permission.Request{Kind: "read", Subject: target}, true
}

func (t *ReadTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string", "description": "file path, absolute or relative"},
				"offset":     map[string]any{"type": "integer", "description": "start line offset, zero-based"},
				"limit":      map[string]any{"type": "integer", "description": "max lines requested"},
				"max_tokens": map[string]any{"type": "integer", "description": "max token budget requested"},
			},
			"required": []string{"path"},
		},
	}
}

// readArgs is one parsed READ invocation with limits already clamped to
// the tool's configured maximums.
type readArgs struct {
	path      string
	offset    int
	limit     int
	maxTokens int
}

func (t *ReadTool) parseArgs(args map[string]any) (readArgs, error) {
	var parsed readArgs
	var err error
	if parsed.path, err = argparse.String(args, "path", true); err != nil {
		return readArgs{}, err
	}
	if parsed.offset, err = argparse.Int(args, "offset", 0); err != nil {
		return readArgs{}, err
	}
	if parsed.offset < 0 {
		return readArgs{}, fmt.Errorf("tool: arg %q must be >= 0", "offset")
	}
	if parsed.limit, err = argparse.Int(args, "limit", t.cfg.DefaultLimit); err != nil {
		return readArgs{}, err
	}
	if parsed.limit <= 0 {
		parsed.limit = t.cfg.DefaultLimit
	}
	parsed.limit = min(parsed.limit, t.cfg.MaxLimit)
	if parsed.maxTokens, err = argparse.Int(args, "max_tokens", t.cfg.DefaultMaxTokens); err != nil {
		return readArgs{}, err
	}
	if parsed.maxTokens <= 0 {
		parsed.maxTokens = t.cfg.DefaultMaxTokens
	}
	parsed.maxTokens = min(parsed.maxTokens, t.cfg.MaxTokens)
	return parsed, nil
}

func (t *ReadTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := t.parseArgs(args)
	if err != nil {
		return nil, err
	}
	offset, limit, maxTokens := parsed.offset, parsed.limit, parsed.maxTokens

	target, err := normalizePath(t.runtime.FileSystem(), parsed.path)
	if err != nil {
		return nil, err
	}
	file, err := t.runtime.FileSystem().Open(target)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		lineNo     int
		usedTokens int
		lines      []string
		hasMore    bool
		cutReason  string
	)
	for scanner.Scan() {
		lineNo++
		if lineNo <= offset {
			continue
		}
		if len(lines) >= limit {
			hasMore = true
			cutReason = "line_limit"
			break
		}
		line := scanner.Text()
		tokens := lineTokens(line)
		if usedTokens+tokens > maxTokens {
			hasMore = true
			cutReason = "token_limit"
			break
		}
		lines = append(lines, line)
		usedTokens += tokens
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var content strings.Builder
	for i, line := range lines {
		if i > 0 {
			content.WriteByte('\n')
		}
		fmt.Fprintf(&content, "%d: %s", offset+i+1, line)
	}

	startLine, endLine := 0, 0
	if len(lines) > 0 {
		startLine = offset + 1
		endLine = offset + len(lines)
	}
	return map[string]any{
		"path":             target,
		"start_line":       startLine,
		"end_line":         endLine,
		"line_count":       len(lines),
		"used_tokens":      usedTokens,
		"has_more":         hasMore,
		"truncated_reason": cutReason,
		"content":          content.String(),
	}, nil
}

func lineTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	tokens := (runes + 3) / 4
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
