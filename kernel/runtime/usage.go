package runtime

import (
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/session"
)

// UsageTotals sums the token usage recorded on persisted events.
func UsageTotals(events []*session.Event) model.Usage {
	var total model.Usage
	for _, ev := range events {
		if ev == nil || ev.Meta == nil {
			continue
		}
		usage, ok := ev.Meta["usage"].(map[string]any)
		if !ok {
			continue
		}
		total.Add(model.Usage{
			PromptTokens:     intFromMeta(usage, "prompt_tokens"),
			CompletionTokens: intFromMeta(usage, "completion_tokens"),
			TotalTokens:      intFromMeta(usage, "total_tokens"),
		})
	}
	return total
}

// intFromMeta tolerates both int (in-process) and float64 (decoded
// from jsonl) representations.
func intFromMeta(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
