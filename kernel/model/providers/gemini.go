package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
)

type geminiLLM struct {
	name                string
	provider            string
	token               string
	maxOutputTokens     int
	contextWindowTokens int
}

func newGemini(cfg Config, token string) model.LLM {
	return &geminiLLM{
		name:                cfg.Model,
		provider:            cfg.Provider,
		token:               token,
		maxOutputTokens:     cfg.MaxOutputTokens,
		contextWindowTokens: cfg.ContextWindowTokens,
	}
}

func (l *geminiLLM) Name() string {
	return l.name
}

func (l *geminiLLM) ContextWindowTokens() int {
	return l.contextWindowTokens
}

func (l *geminiLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  l.token,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			yield(nil, execenv.WrapCodedError(execenv.ErrorCodeProvider, err, "model: gemini client"))
			return
		}

		system, contents, err := toGeminiContents(req.Messages)
		if err != nil {
			yield(nil, err)
			return
		}
		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{genai.NewPartFromText(system)},
			}
		}
		if tools := toGeminiTools(req.Tools); len(tools) > 0 {
			config.Tools = tools
		}
		if req.Temperature > 0 {
			config.Temperature = genai.Ptr(float32(req.Temperature))
		}
		if l.maxOutputTokens > 0 {
			config.MaxOutputTokens = int32(l.maxOutputTokens)
		}

		if !req.Stream {
			resp, err := client.Models.GenerateContent(ctx, l.name, contents, config)
			if err != nil {
				yield(nil, execenv.WrapCodedError(execenv.ErrorCodeProvider, err, "model: gemini request failed"))
				return
			}
			msg, usage, err := fromGeminiResponse(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(&model.Response{
				Message:      msg,
				TurnComplete: true,
				FinishReason: finishReasonFrom("", len(msg.ToolCalls) > 0),
				Model:        l.name,
				Provider:     l.provider,
				Usage:        usage,
			}, nil)
			return
		}

		final := model.Message{Role: model.RoleAssistant}
		var usage model.Usage
		var text, reasoning strings.Builder
		for chunk, err := range client.Models.GenerateContentStream(ctx, l.name, contents, config) {
			if err != nil {
				yield(nil, execenv.WrapCodedError(execenv.ErrorCodeProvider, err, "model: gemini stream failed"))
				return
			}
			if chunk.UsageMetadata != nil {
				usage = geminiUsage(chunk.UsageMetadata)
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.FunctionCall != nil {
					final.ToolCalls = append(final.ToolCalls, model.ToolCall{
						ID:               part.FunctionCall.ID,
						Name:             part.FunctionCall.Name,
						Args:             part.FunctionCall.Args,
						ThoughtSignature: base64.StdEncoding.EncodeToString(part.ThoughtSignature),
					})
					continue
				}
				if part.Text == "" {
					continue
				}
				partial := model.Message{Role: model.RoleAssistant}
				if part.Thought {
					reasoning.WriteString(part.Text)
					partial.Reasoning = part.Text
				} else {
					text.WriteString(part.Text)
					partial.Text = part.Text
				}
				if !yield(&model.Response{
					Message:  partial,
					Partial:  true,
					Model:    l.name,
					Provider: l.provider,
				}, nil) {
					return
				}
			}
		}
		final.Text = text.String()
		final.Reasoning = reasoning.String()
		yield(&model.Response{
			Message:      final,
			TurnComplete: true,
			FinishReason: finishReasonFrom("", len(final.ToolCalls) > 0),
			Model:        l.name,
			Provider:     l.provider,
			Usage:        usage,
		}, nil)
	}
}

// toGeminiContents converts kernel messages to Gemini turns. System text is
// returned separately for the systemInstruction field.
func toGeminiContents(messages []model.Message) (string, []*genai.Content, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == model.RoleSystem:
			if strings.TrimSpace(m.Text) != "" {
				system = append(system, m.Text)
			}
		case m.ToolResponse != nil:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolResponse.ID,
						Name:     m.ToolResponse.Name,
						Response: m.ToolResponse.Result,
					},
				}},
			})
		case m.Role == model.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
			if m.Text != "" {
				parts = append(parts, genai.NewPartFromText(m.Text))
			}
			for _, c := range m.ToolCalls {
				part := &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   c.ID,
						Name: c.Name,
						Args: c.Args,
					},
				}
				if c.ThoughtSignature != "" {
					sig, err := base64.StdEncoding.DecodeString(c.ThoughtSignature)
					if err != nil {
						return "", nil, fmt.Errorf("model: gemini thought signature: %w", err)
					}
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			if m.Text == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{genai.NewPartFromText(m.Text)},
			})
		}
	}
	return strings.Join(system, "\n\n"), contents, nil
}

func toGeminiTools(tools []model.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON schema map into the typed Gemini schema.
// Unknown keys are dropped.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: toGeminiType(stringAt(schema, "type"))}
	out.Description = stringAt(schema, "description")
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, item := range req {
			if s, ok := item.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	switch enum := schema["enum"].(type) {
	case []string:
		out.Enum = enum
	case []any:
		for _, item := range enum {
			if s, ok := item.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toGeminiType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", "":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (model.Message, model.Usage, error) {
	msg := model.Message{Role: model.RoleAssistant}
	var usage model.Usage
	if resp == nil || len(resp.Candidates) == 0 {
		return msg, usage, fmt.Errorf("model: gemini returned no candidates")
	}
	if resp.UsageMetadata != nil {
		usage = geminiUsage(resp.UsageMetadata)
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return msg, usage, nil
	}
	var text, reasoning strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:               part.FunctionCall.ID,
				Name:             part.FunctionCall.Name,
				Args:             part.FunctionCall.Args,
				ThoughtSignature: base64.StdEncoding.EncodeToString(part.ThoughtSignature),
			})
			continue
		}
		if part.Text == "" {
			continue
		}
		if part.Thought {
			reasoning.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}
	msg.Text = text.String()
	msg.Reasoning = reasoning.String()
	return msg, usage, nil
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) model.Usage {
	return model.Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}
