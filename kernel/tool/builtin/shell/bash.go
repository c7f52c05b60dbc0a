// Package shell provides the built-in BASH command execution tool.
package shell

import (
	"context"
	"fmt"
	"time"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

const (
	// BashToolName is the shell execution tool name.
	BashToolName       = "BASH"
	defaultBashTimeout = 90 * time.Second
	defaultBashIdle    = 45 * time.Second
)

// BashConfig configures the BASH tool.
type BashConfig struct {
	Timeout     time.Duration
	IdleTimeout time.Duration
	Runtime     toolexec.Runtime
}

// BashTool executes shell commands on the host runner.
type BashTool struct {
	cfg     BashConfig
	runtime toolexec.Runtime
}

// NewBash creates the shell execution tool.
func NewBash(cfg BashConfig) *BashTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBashTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultBashIdle
	}
	runtime := cfg.Runtime
	if runtime == nil {
		runtime = toolexec.Default()
	}
	return &BashTool{cfg: cfg, runtime: runtime}
}

func (t *BashTool) Name() string {
	return BashToolName
}

func (t *BashTool) Description() string {
	return "Execute a shell command and return stdout/stderr."
}

func (t *BashTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationExec},
		Risk:       toolcap.RiskHigh,
	}
}

// PermissionRequest gates BASH on the canonicalized command line so
// spacing tricks cannot dodge command patterns.
func (t *BashTool) PermissionRequest(args map[string]any) (permission.Request, bool) {
	command, err := argparse.String(args, "command", true)
	if err != nil {
		return permission.Request{}, false
	}
	return permission.Request{
		Kind:    "bash",
		Subject: permission.CanonicalCommand(command),
	}, true
}

func (t *BashTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "shell command"},
				"dir":     map[string]any{"type": "string", "description": "working directory"},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "optional timeout in milliseconds, overrides the default tool timeout",
				},
				"idle_timeout_ms": map[string]any{
					"type":        "integer",
					"description": "optional no-output timeout in milliseconds, overrides the default idle timeout",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *BashTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	req, err := t.buildRequest(args)
	if err != nil {
		return nil, err
	}
	result, err := t.runtime.Runner().Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"command":   req.Command,
		"exit_code": result.ExitCode,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
	}, nil
}

// buildRequest parses tool arguments into a command request, with per-call
// millisecond overrides taking precedence over the configured timeouts.
func (t *BashTool) buildRequest(args map[string]any) (toolexec.CommandRequest, error) {
	command, err := argparse.String(args, "command", true)
	if err != nil {
		return toolexec.CommandRequest{}, err
	}
	workingDir, err := argparse.String(args, "dir", false)
	if err != nil {
		return toolexec.CommandRequest{}, err
	}
	req := toolexec.CommandRequest{
		Command:     command,
		Dir:         workingDir,
		Timeout:     t.cfg.Timeout,
		IdleTimeout: t.cfg.IdleTimeout,
	}
	for arg, dst := range map[string]*time.Duration{
		"timeout_ms":      &req.Timeout,
		"idle_timeout_ms": &req.IdleTimeout,
	} {
		ms, err := argparse.Int(args, arg, 0)
		if err != nil {
			return toolexec.CommandRequest{}, err
		}
		if ms < 0 {
			return toolexec.CommandRequest{}, fmt.Errorf("tool: arg %q must be >= 0", arg)
		}
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	return req, nil
}
