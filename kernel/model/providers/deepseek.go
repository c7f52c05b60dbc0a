package providers

import (
	"github.com/OnslaughtSnail/virga/kernel/model"
)

// newDeepSeek builds the chat completions dialect with DeepSeek's
// reasoning_content round-trip enabled. The reasoner models reject assistant
// tool-call messages that omit the field entirely.
func newDeepSeek(cfg Config, token string) model.LLM {
	llm := newOpenAICompat(cfg, token)
	llm.options.IncludeReasoningContent = true
	llm.options.EmitEmptyReasoningForToolCall = true
	return llm
}
