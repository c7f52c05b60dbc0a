// Package askuser provides the built-in ASK_USER tool. The tool routes
// a model question to whatever Prompter the host installed on the
// context, so the kernel never touches the terminal directly.
package askuser

import (
	"context"
	"fmt"
	"strings"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/internal/argparse"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// AskToolName is the built-in user question tool name.
const AskToolName = "ASK_USER"

// Question is one structured question for the user.
type Question struct {
	Prompt  string
	Options []string
}

// Prompter collects one free-form or multiple-choice answer.
type Prompter interface {
	Prompt(ctx context.Context, q Question) (string, error)
}

type prompterKey struct{}

// WithPrompter installs the user prompter on a context.
func WithPrompter(ctx context.Context, p Prompter) context.Context {
	return context.WithValue(ctx, prompterKey{}, p)
}

// PrompterFromContext returns the installed prompter, if any.
func PrompterFromContext(ctx context.Context) (Prompter, bool) {
	p, ok := ctx.Value(prompterKey{}).(Prompter)
	return p, ok && p != nil
}

// AskTool asks the user a question mid-turn.
type AskTool struct{}

func NewAsk() *AskTool {
	return &AskTool{}
}

func (t *AskTool) Name() string {
	return AskToolName
}

func (t *AskTool) Description() string {
	return "Ask the user one question and wait for the answer."
}

func (t *AskTool) Capability() toolcap.Capability {
	return toolcap.Capability{
		Operations: []toolcap.Operation{toolcap.OperationUserIO},
		Risk:       toolcap.RiskLow,
	}
}

func (t *AskTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "description": "question to show the user"},
				"options": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "optional fixed choices",
				},
			},
			"required": []string{"prompt"},
		},
	}
}

func (t *AskTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	prompt, err := argparse.String(args, "prompt", true)
	if err != nil {
		return nil, err
	}
	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, one := range raw {
			s, ok := one.(string)
			if !ok {
				return nil, fmt.Errorf("tool: arg %q must be array of strings", "options")
			}
			if s = strings.TrimSpace(s); s != "" {
				options = append(options, s)
			}
		}
	}
	prompter, ok := PrompterFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("tool: no user prompter available")
	}
	answer, err := prompter.Prompt(ctx, Question{Prompt: prompt, Options: options})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"prompt": prompt,
		"answer": answer,
	}, nil
}
