package model

import (
	"context"
	"iter"
)

// Role identifies message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason describes how one assistant turn ended.
type FinishReason string

const (
	// FinishStop is natural completion without pending tool calls.
	FinishStop FinishReason = "stop"
	// FinishToolCalls means the model issued tool calls and expects results.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishInterrupted means the user aborted the in-flight turn.
	FinishInterrupted FinishReason = "interrupted"
	// FinishStopped means the user declined to continue after escalation.
	FinishStopped FinishReason = "stopped"
	// FinishTruncated means the step budget ran out before a natural stop.
	FinishTruncated FinishReason = "truncated"
	// FinishError means the provider failed mid-turn.
	FinishError FinishReason = "error"
)

// ToolDefinition describes a callable tool for model planning.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model-emitted tool invocation request.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
	// ThoughtSignature carries provider-specific chain-of-thought signature
	// required by some providers (for example Gemini) to validate tool loops.
	ThoughtSignature string
}

// ToolResponse is a tool execution result returned to model context.
type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]any
}

// Message is a single turn element in model context.
type Message struct {
	Role         Role
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	ToolResponse *ToolResponse
}

// Request is a provider-agnostic model request.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Stream      bool
	Temperature float64
}

// Usage reports model token usage (best-effort).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates usage across responses.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is a provider-agnostic model response chunk. A generation is a
// finite, non-restartable sequence; partial chunks carry deltas and the final
// chunk has TurnComplete set with the fully assembled message.
type Response struct {
	Message      Message
	Partial      bool
	TurnComplete bool
	FinishReason FinishReason
	Usage        Usage
	Model        string
	Provider     string
}

// LLM is the model abstraction used by the kernel.
type LLM interface {
	Name() string
	Generate(context.Context, *Request) iter.Seq2[*Response, error]
}
