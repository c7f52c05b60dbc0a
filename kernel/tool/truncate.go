package tool

import (
	"fmt"

	"github.com/rivo/uniseg"
)

const (
	// bytesPerToken is a coarse heuristic for budgeting tool output
	// against the model context.
	bytesPerToken = 4

	truncatedKey = "output_truncated"
)

// TruncationPolicy bounds the size of tool results before they are fed
// back to the model.
type TruncationPolicy struct {
	// MaxTokens caps the estimated token size of a single string value.
	// Zero disables truncation.
	MaxTokens int
}

// DefaultTruncation keeps single results comfortably under typical
// provider context budgets.
var DefaultTruncation = TruncationPolicy{MaxTokens: 12_000}

// EstimateTokens returns the estimated token count for s.
func EstimateTokens(s string) int {
	return (len(s) + bytesPerToken - 1) / bytesPerToken
}

// Apply truncates oversized string values in a tool result in place and
// records a marker key when anything was cut.
func (p TruncationPolicy) Apply(result map[string]any) {
	if p.MaxTokens <= 0 || result == nil {
		return
	}
	truncated := false
	for key, value := range result {
		s, ok := value.(string)
		if !ok {
			continue
		}
		cut, didCut := p.TruncateString(s)
		if didCut {
			result[key] = cut
			truncated = true
		}
	}
	if truncated {
		result[truncatedKey] = true
	}
}

// TruncateString cuts the middle out of s when it exceeds the token
// budget, keeping the head and tail. Cuts land on grapheme cluster
// boundaries so multi-byte sequences are never split.
func (p TruncationPolicy) TruncateString(s string) (string, bool) {
	if p.MaxTokens <= 0 {
		return s, false
	}
	maxBytes := p.MaxTokens * bytesPerToken
	if len(s) <= maxBytes {
		return s, false
	}
	headBudget := maxBytes / 2
	tailBudget := maxBytes - headBudget
	head := cutAfter(s, headBudget)
	tail := cutBefore(s, tailBudget)
	omitted := len(s) - len(head) - len(tail)
	if omitted <= 0 {
		return s, false
	}
	marker := fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted)
	return head + marker + tail, true
}

// cutAfter returns the longest prefix of s that is at most budget bytes
// and ends on a grapheme boundary.
func cutAfter(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	end := 0
	state := -1
	remaining := s
	for len(remaining) > 0 {
		cluster, rest, _, nextState := uniseg.FirstGraphemeClusterInString(remaining, state)
		if end+len(cluster) > budget {
			break
		}
		end += len(cluster)
		remaining = rest
		state = nextState
	}
	return s[:end]
}

// cutBefore returns the longest suffix of s that is at most budget bytes
// and starts on a grapheme boundary.
func cutBefore(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	// Walk forward recording the last boundary before the suffix
	// window; grapheme segmentation only runs left to right.
	start := len(s)
	state := -1
	offset := 0
	remaining := s
	for len(remaining) > 0 {
		if offset >= len(s)-budget {
			start = offset
			break
		}
		cluster, rest, _, nextState := uniseg.FirstGraphemeClusterInString(remaining, state)
		offset += len(cluster)
		remaining = rest
		state = nextState
	}
	if start >= len(s) {
		return ""
	}
	return s[start:]
}
