package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

// openAICompatLLM speaks the chat completions dialect shared by OpenAI,
// DeepSeek, and most self-hosted gateways.
type openAICompatLLM struct {
	name                string
	provider            string
	baseURL             string
	token               string
	client              *http.Client
	contextWindowTokens int
	options             openAICompatOptions
}

// openAICompatOptions tunes dialect quirks for providers that extend the
// chat completions schema (DeepSeek reasoning_content and similar).
type openAICompatOptions struct {
	IncludeReasoningContent       bool
	EmitEmptyReasoningForToolCall bool
}

func newOpenAICompat(cfg Config, token string) *openAICompatLLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openAICompatLLM{
		name:                cfg.Model,
		provider:            cfg.Provider,
		baseURL:             strings.TrimRight(cfg.BaseURL, "/"),
		token:               token,
		client:              &http.Client{Timeout: timeout},
		contextWindowTokens: cfg.ContextWindowTokens,
	}
}

func (l *openAICompatLLM) Name() string { return l.name }

func (l *openAICompatLLM) ContextWindowTokens() int { return l.contextWindowTokens }

func (l *openAICompatLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		resp, err := l.postChatCompletions(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			yield(nil, statusError(l.provider, resp))
			return
		}
		if req.Stream {
			l.yieldStream(resp, yield)
			return
		}
		l.yieldComplete(resp, yield)
	}
}

func (l *openAICompatLLM) postChatCompletions(ctx context.Context, req *model.Request) (*http.Response, error) {
	payload := openAICompatRequest{
		Model:    l.name,
		Messages: l.fromKernelMessages(req.Messages),
		Tools:    fromKernelTools(req.Tools),
		Stream:   req.Stream,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		payload.Temperature = &t
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.token)
	return l.client.Do(httpReq)
}

// yieldComplete handles the non-streaming path: a single JSON body with
// one choice.
func (l *openAICompatLLM) yieldComplete(resp *http.Response, yield func(*model.Response, error) bool) {
	var out openAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		yield(nil, err)
		return
	}
	if len(out.Choices) == 0 {
		yield(nil, fmt.Errorf("model: empty choices"))
		return
	}
	choice := out.Choices[0]
	msg, err := toKernelMessage(choice.Message)
	if err != nil {
		yield(nil, err)
		return
	}
	yield(&model.Response{
		Message:      msg,
		TurnComplete: true,
		FinishReason: finishReasonFrom(choice.FinishReason, len(msg.ToolCalls) > 0),
		Model:        out.Model,
		Provider:     l.provider,
		Usage: model.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil)
}

// yieldStream consumes the SSE body, emitting a partial response per text
// or reasoning delta and one final turn-complete response with the
// assembled message.
func (l *openAICompatLLM) yieldStream(resp *http.Response, yield func(*model.Response, error) bool) {
	asm := newStreamAssembly()
	var usage model.Usage
	var finish string
	stopped := false

	emitPartial := func(msg model.Message, chunkModel string) bool {
		return yield(&model.Response{
			Message:  msg,
			Partial:  true,
			Model:    chunkModel,
			Provider: l.provider,
		}, nil)
	}

	err := readSSE(resp.Body, func(data []byte) error {
		var chunk openAICompatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}
		if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = model.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		if reason := strings.TrimSpace(choice.FinishReason); reason != "" {
			finish = reason
		}
		delta := choice.Delta
		if strings.TrimSpace(delta.Role) != "" {
			asm.role = model.Role(delta.Role)
		}
		if text, ok := delta.Content.(string); ok && text != "" {
			asm.text.WriteString(text)
			if !emitPartial(model.Message{Role: model.RoleAssistant, Text: text}, chunk.Model) {
				stopped = true
				return errStopSSE
			}
		}
		if strings.TrimSpace(delta.ReasoningContent) != "" {
			asm.reasoning.WriteString(delta.ReasoningContent)
			if !emitPartial(model.Message{Role: model.RoleAssistant, Reasoning: delta.ReasoningContent}, chunk.Model) {
				stopped = true
				return errStopSSE
			}
		}
		for _, tc := range delta.ToolCalls {
			asm.addCallDelta(tc)
		}
		return nil
	})
	if err != nil {
		yield(nil, err)
		return
	}
	if stopped {
		return
	}
	finalMsg, err := asm.message()
	if err != nil {
		yield(nil, err)
		return
	}
	yield(&model.Response{
		Message:      finalMsg,
		TurnComplete: true,
		FinishReason: finishReasonFrom(finish, len(finalMsg.ToolCalls) > 0),
		Model:        l.name,
		Provider:     l.provider,
		Usage:        usage,
	}, nil)
}

// finishReasonFrom maps the wire finish_reason onto kernel semantics. Tool
// calls win over whatever the provider reported.
func finishReasonFrom(reason string, hasToolCalls bool) model.FinishReason {
	if hasToolCalls {
		return model.FinishToolCalls
	}
	switch reason {
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	default:
		return model.FinishStop
	}
}

type openAICompatRequest struct {
	Model       string               `json:"model"`
	Messages    []openAICompatReqMsg `json:"messages"`
	Tools       []openAICompatTool   `json:"tools,omitempty"`
	Stream      bool                 `json:"stream"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type openAICompatMsg struct {
	Role             string                 `json:"role"`
	Content          any                    `json:"content,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	ToolCallID       string                 `json:"tool_call_id,omitempty"`
	ToolCalls        []openAICompatToolCall `json:"tool_calls,omitempty"`
}

// openAICompatReqMsg mirrors openAICompatMsg but keeps reasoning_content a
// pointer so the DeepSeek dialect can send an explicit empty string.
type openAICompatReqMsg struct {
	Role             string                 `json:"role"`
	Content          any                    `json:"content,omitempty"`
	ReasoningContent *string                `json:"reasoning_content,omitempty"`
	ToolCallID       string                 `json:"tool_call_id,omitempty"`
	ToolCalls        []openAICompatToolCall `json:"tool_calls,omitempty"`
}

type openAICompatTool struct {
	Type     string                   `json:"type"`
	Function openAICompatFunctionDecl `json:"function"`
}

type openAICompatFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAICompatToolCall struct {
	ID       string                   `json:"id"`
	Index    int                      `json:"index,omitempty"`
	Type     string                   `json:"type,omitempty"`
	Function openAICompatCallFunction `json:"function"`
}

type openAICompatCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAICompatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAICompatMsg `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAICompatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        openAICompatMsg `json:"delta"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamAssembly gathers stream deltas into one assistant message. Tool
// call fragments arrive keyed by index with the arguments split across
// chunks, so they are concatenated per index and parsed at the end.
type streamAssembly struct {
	role      model.Role
	text      strings.Builder
	reasoning strings.Builder
	calls     map[int]*openAICompatToolCall
}

func newStreamAssembly() *streamAssembly {
	return &streamAssembly{
		role:  model.RoleAssistant,
		calls: map[int]*openAICompatToolCall{},
	}
}

func (a *streamAssembly) addCallDelta(tc openAICompatToolCall) {
	entry := a.calls[tc.Index]
	if entry == nil {
		entry = &openAICompatToolCall{}
		a.calls[tc.Index] = entry
	}
	if tc.ID != "" {
		entry.ID = tc.ID
	}
	if tc.Function.Name != "" {
		entry.Function.Name = tc.Function.Name
	}
	entry.Function.Arguments += tc.Function.Arguments
}

func (a *streamAssembly) message() (model.Message, error) {
	msg := model.Message{
		Role:      a.role,
		Text:      a.text.String(),
		Reasoning: a.reasoning.String(),
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call, err := toKernelToolCall(*a.calls[idx])
		if err != nil {
			return model.Message{}, err
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg, nil
}

func (l *openAICompatLLM) fromKernelMessages(messages []model.Message) []openAICompatReqMsg {
	out := make([]openAICompatReqMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, l.fromKernelMessage(m))
	}
	return out
}

func fromKernelTools(tools []model.ToolDefinition) []openAICompatTool {
	out := make([]openAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAICompatTool{
			Type: "function",
			Function: openAICompatFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (l *openAICompatLLM) fromKernelMessage(m model.Message) openAICompatReqMsg {
	switch {
	case m.ToolResponse != nil:
		raw, _ := json.Marshal(m.ToolResponse.Result)
		return openAICompatReqMsg{
			Role:       string(model.RoleTool),
			ToolCallID: m.ToolResponse.ID,
			Content:    string(raw),
		}
	case len(m.ToolCalls) > 0:
		calls := make([]openAICompatToolCall, 0, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			raw, _ := json.Marshal(c.Args)
			calls = append(calls, openAICompatToolCall{
				ID:   c.ID,
				Type: "function",
				Function: openAICompatCallFunction{
					Name:      c.Name,
					Arguments: string(raw),
				},
			})
		}
		var content any
		if m.Text != "" {
			content = m.Text
		}
		return openAICompatReqMsg{
			Role:             string(m.Role),
			Content:          content,
			ReasoningContent: l.reasoningContentField(m.Reasoning, true),
			ToolCalls:        calls,
		}
	default:
		return openAICompatReqMsg{
			Role:             string(m.Role),
			Content:          m.Text,
			ReasoningContent: l.reasoningContentField(m.Reasoning, false),
		}
	}
}

func (l *openAICompatLLM) reasoningContentField(reasoning string, hasToolCalls bool) *string {
	if l == nil || !l.options.IncludeReasoningContent {
		return nil
	}
	if strings.TrimSpace(reasoning) != "" {
		return &reasoning
	}
	if hasToolCalls && l.options.EmitEmptyReasoningForToolCall {
		empty := ""
		return &empty
	}
	return nil
}

func toKernelMessage(m openAICompatMsg) (model.Message, error) {
	out := model.Message{
		Role:      model.Role(m.Role),
		Reasoning: m.ReasoningContent,
	}
	if text, ok := m.Content.(string); ok {
		out.Text = text
	}
	for _, c := range m.ToolCalls {
		call, err := toKernelToolCall(c)
		if err != nil {
			return model.Message{}, err
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func toKernelToolCall(c openAICompatToolCall) (model.ToolCall, error) {
	args := map[string]any{}
	if strings.TrimSpace(c.Function.Arguments) != "" {
		if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
			return model.ToolCall{}, err
		}
	}
	return model.ToolCall{ID: c.ID, Name: c.Function.Name, Args: args}, nil
}
