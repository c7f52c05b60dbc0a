package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
)

type anthropicLLM struct {
	name                string
	provider            string
	client              anthropic.Client
	maxOutputTokens     int
	contextWindowTokens int
}

func newAnthropic(cfg Config, token string) model.LLM {
	opts := []option.RequestOption{option.WithAPIKey(token)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTok := cfg.MaxOutputTokens
	if maxTok <= 0 {
		maxTok = 8192
	}
	return &anthropicLLM{
		name:                cfg.Model,
		provider:            cfg.Provider,
		client:              anthropic.NewClient(opts...),
		maxOutputTokens:     maxTok,
		contextWindowTokens: cfg.ContextWindowTokens,
	}
}

func (l *anthropicLLM) Name() string {
	return l.name
}

func (l *anthropicLLM) ContextWindowTokens() int {
	return l.contextWindowTokens
}

func (l *anthropicLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(l.name),
			MaxTokens: int64(l.maxOutputTokens),
		}
		system, messages, err := toAnthropicMessages(req.Messages)
		if err != nil {
			yield(nil, err)
			return
		}
		params.Messages = messages
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if tools := toAnthropicTools(req.Tools); len(tools) > 0 {
			params.Tools = tools
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.Float(req.Temperature)
		}

		if !req.Stream {
			out, err := l.client.Messages.New(ctx, params)
			if err != nil {
				yield(nil, execenv.WrapCodedError(execenv.ErrorCodeProvider, err, "model: anthropic request failed"))
				return
			}
			l.yieldFinal(yield, out)
			return
		}

		stream := l.client.Messages.NewStreaming(ctx, params)
		acc := anthropic.Message{}
		stopped := false
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, err)
				return
			}
			deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			partial := model.Message{Role: model.RoleAssistant}
			switch delta := deltaEvent.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				partial.Text = delta.Text
			case anthropic.ThinkingDelta:
				partial.Reasoning = delta.Thinking
			default:
				continue
			}
			if partial.Text == "" && partial.Reasoning == "" {
				continue
			}
			if !yield(&model.Response{
				Message:  partial,
				Partial:  true,
				Model:    l.name,
				Provider: l.provider,
			}, nil) {
				stopped = true
				break
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, execenv.WrapCodedError(execenv.ErrorCodeProvider, err, "model: anthropic stream failed"))
			return
		}
		if stopped {
			return
		}
		l.yieldFinal(yield, &acc)
	}
}

func (l *anthropicLLM) yieldFinal(yield func(*model.Response, error) bool, out *anthropic.Message) {
	msg := model.Message{Role: model.RoleAssistant}
	textParts := make([]string, 0, len(out.Content))
	for _, block := range out.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if strings.TrimSpace(variant.Text) != "" {
				textParts = append(textParts, variant.Text)
			}
		case anthropic.ThinkingBlock:
			msg.Reasoning += variant.Thinking
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if raw := variant.JSON.Input.Raw(); strings.TrimSpace(raw) != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					yield(nil, fmt.Errorf("model: anthropic tool input: %w", err))
					return
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: args,
			})
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	yield(&model.Response{
		Message:      msg,
		TurnComplete: true,
		FinishReason: anthropicFinishReason(out.StopReason, len(msg.ToolCalls) > 0),
		Model:        string(out.Model),
		Provider:     l.provider,
		Usage: model.Usage{
			PromptTokens:     int(out.Usage.InputTokens),
			CompletionTokens: int(out.Usage.OutputTokens),
			TotalTokens:      int(out.Usage.InputTokens + out.Usage.OutputTokens),
		},
	}, nil)
}

func anthropicFinishReason(reason anthropic.StopReason, hasToolCalls bool) model.FinishReason {
	if hasToolCalls || reason == anthropic.StopReasonToolUse {
		return model.FinishToolCalls
	}
	return model.FinishStop
}

// toAnthropicMessages splits system text out of the transcript and converts
// the rest to Messages API turns. Consecutive system messages collapse into
// one system prompt.
func toAnthropicMessages(messages []model.Message) (string, []anthropic.MessageParam, error) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == model.RoleSystem:
			if strings.TrimSpace(m.Text) != "" {
				system = append(system, m.Text)
			}
		case m.ToolResponse != nil:
			raw, err := json.Marshal(m.ToolResponse.Result)
			if err != nil {
				return "", nil, err
			}
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolResponse.ID, string(raw), false),
			))
		case m.Role == model.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if strings.TrimSpace(m.Text) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, c := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    c.ID,
						Name:  c.Name,
						Input: c.Args,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}
	return strings.Join(system, "\n\n"), out, nil
}

func toAnthropicTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		} else if raw, ok := t.Parameters["required"].([]any); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
