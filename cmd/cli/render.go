package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/runtime"
	"github.com/OnslaughtSnail/virga/kernel/session"
)

type runRenderConfig struct {
	ShowReasoning bool
	Markdown      bool
	Writer        io.Writer
}

var (
	toolCallColor  = color.New(color.FgCyan)
	toolDoneColor  = color.New(color.FgGreen)
	toolFailColor  = color.New(color.FgRed)
	noteColor      = color.New(color.FgYellow)
	reasoningColor = color.New(color.Faint)
)

// runOnce drives one turn and prints each yielded event as it arrives.
// Returns the final assistant answer for /copy.
func runOnce(ctx context.Context, rt *runtime.Runtime, req runtime.RunRequest, renderCfg runRenderConfig) (string, error) {
	t := newTranscript(renderCfg)
	for ev, err := range rt.Run(ctx, req) {
		if err != nil {
			t.finish()
			return t.finalAnswer, err
		}
		t.observe(ev)
	}
	t.finish()
	return t.finalAnswer, nil
}

// transcript is the line-oriented view of one agent turn. Stream deltas
// print as they arrive; complete events print one line per tool call,
// tool result, or note.
type transcript struct {
	w             io.Writer
	showReasoning bool
	markdown      bool

	// streaming holds the channel of the currently open partial line,
	// empty when no partial output is pending a newline.
	streaming       string
	streamedAnswer  bool
	streamedThought bool
	calls           map[string]map[string]any
	finalAnswer     string
}

func newTranscript(cfg runRenderConfig) *transcript {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &transcript{
		w:             w,
		showReasoning: cfg.ShowReasoning,
		markdown:      cfg.Markdown,
		calls:         map[string]map[string]any{},
	}
}

func (t *transcript) observe(ev *session.Event) {
	if ev == nil {
		return
	}
	if metaBool(ev.Meta, "partial") {
		t.streamDelta(ev)
		return
	}
	t.endStream()

	msg := ev.Message
	switch {
	case msg.Role == model.RoleUser:
		// The user typed it; echoing it back is noise.
	case metaBool(ev.Meta, "note"):
		noteColor.Fprintf(t.w, "! %s\n", strings.TrimSpace(msg.Text))
	case msg.ToolResponse != nil:
		t.printResult(msg.ToolResponse)
	case len(msg.ToolCalls) > 0:
		t.printCalls(msg.ToolCalls)
	default:
		t.printMessage(msg)
	}
}

// finish closes a dangling partial line at end of turn.
func (t *transcript) finish() {
	t.endStream()
}

func (t *transcript) streamDelta(ev *session.Event) {
	channel := metaString(ev.Meta, "channel", "answer")
	delta := ev.Message.Text
	if channel == "reasoning" {
		if !t.showReasoning {
			return
		}
		delta = ev.Message.Reasoning
	}
	if delta == "" {
		return
	}
	if t.streaming != "" && t.streaming != channel {
		t.endStream()
	}
	if t.streaming == "" {
		if channel == "reasoning" {
			reasoningColor.Fprint(t.w, "~ ")
		} else {
			fmt.Fprint(t.w, "* ")
		}
	}
	if channel == "reasoning" {
		reasoningColor.Fprint(t.w, delta)
		t.streamedThought = true
	} else {
		fmt.Fprint(t.w, delta)
		t.streamedAnswer = true
	}
	t.streaming = channel
}

func (t *transcript) endStream() {
	if t.streaming == "" {
		return
	}
	fmt.Fprintln(t.w)
	t.streaming = ""
}

func (t *transcript) printCalls(calls []model.ToolCall) {
	for i, call := range calls {
		if call.ID != "" {
			t.calls[call.ID] = copyArgs(call.Args)
		}
		toolCallColor.Fprintf(t.w, "#%d %s ", i+1, call.Name)
		fmt.Fprintln(t.w, summarizeToolArgs(call.Name, call.Args))
	}
}

func (t *transcript) printResult(resp *model.ToolResponse) {
	args := t.calls[resp.ID]
	delete(t.calls, resp.ID)
	marker := toolDoneColor
	if _, failed := resp.Result["error"]; failed {
		marker = toolFailColor
	}
	marker.Fprint(t.w, "= ")
	fmt.Fprintf(t.w, "%s %s\n", resp.Name, summarizeToolResponse(resp.Name, resp.Result, args))
}

func (t *transcript) printMessage(msg model.Message) {
	if msg.Role == model.RoleAssistant && t.showReasoning && msg.Reasoning != "" && !t.streamedThought {
		reasoningColor.Fprintf(t.w, "~ %s\n", strings.TrimSpace(msg.Reasoning))
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		t.resetStreamFlags(msg.Role)
		return
	}
	switch msg.Role {
	case model.RoleAssistant:
		t.finalAnswer = text
		// Streaming already delivered the answer chunk by chunk.
		if !t.streamedAnswer {
			fmt.Fprint(t.w, t.renderAnswer(text))
		}
	case model.RoleSystem:
		noteColor.Fprintf(t.w, "! %s\n", text)
	default:
		fmt.Fprintf(t.w, "- %s\n", text)
	}
	t.resetStreamFlags(msg.Role)
}

func (t *transcript) resetStreamFlags(role model.Role) {
	if role == model.RoleAssistant {
		t.streamedAnswer = false
		t.streamedThought = false
	}
}

var (
	markdownOnce     sync.Once
	markdownRenderer *glamour.TermRenderer
)

// renderAnswer formats the final answer through glamour when markdown is
// on, with a plain transcript marker as the fallback path.
func (t *transcript) renderAnswer(text string) string {
	if t.markdown {
		markdownOnce.Do(func() {
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err == nil {
				markdownRenderer = r
			}
		})
		if markdownRenderer != nil {
			if rendered, err := markdownRenderer.Render(text); err == nil {
				return rendered
			}
		}
	}
	return "* " + text + "\n"
}

func summarizeToolArgs(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	switch strings.ToUpper(strings.TrimSpace(toolName)) {
	case "BASH":
		if command := str(args, "command"); command != "" {
			return "{command=" + truncateInline(command, 120) + "}"
		}
	case "READ":
		if path := str(args, "path"); path != "" {
			return fmt.Sprintf("{path=%s, offset=%s, limit=%s}", path, orDash(args["offset"]), orDash(args["limit"]))
		}
	case "EDIT":
		return fmt.Sprintf("{path=%s, lines -%d/+%d}",
			str(args, "path"), lineCount(str(args, "old_string")), lineCount(str(args, "new_string")))
	case "SEARCH":
		return fmt.Sprintf("{path=%s, query=%s}", str(args, "path"), truncateInline(str(args, "query"), 60))
	case "GLOB":
		if pattern := str(args, "pattern"); pattern != "" {
			return "{pattern=" + pattern + "}"
		}
	case "LIST":
		if path := str(args, "path"); path != "" {
			return "{path=" + path + "}"
		}
	case "ASK_USER":
		if prompt := str(args, "prompt"); prompt != "" {
			return "{prompt=" + truncateInline(prompt, 80) + "}"
		}
	}
	return genericKV(args, 72)
}

func summarizeToolResponse(toolName string, result map[string]any, callArgs map[string]any) string {
	if len(result) == 0 {
		return "{}"
	}
	switch strings.ToUpper(strings.TrimSpace(toolName)) {
	case "READ":
		if path := str(result, "path"); path != "" {
			start, _ := num(result["start_line"])
			end, _ := num(result["end_line"])
			if start <= 0 || end <= 0 {
				return fmt.Sprintf("read %s (empty)", shortPath(path))
			}
			line := fmt.Sprintf("read %s lines %d-%d", shortPath(path), start, end)
			if truthy(result["has_more"]) {
				line += fmt.Sprintf(" (truncated: %s)", orDash(result["truncated_reason"]))
			}
			return line
		}
	case "EDIT":
		if path := str(result, "path"); path != "" {
			var line string
			if truthy(result["created"]) {
				line = fmt.Sprintf("created %s (new file)", path)
			} else {
				n, _ := num(result["replacements"])
				line = fmt.Sprintf("edited %s (replacements=%d)", path, n)
			}
			if diff := strings.TrimSpace(str(result, "diff")); diff != "" {
				line += "\n" + indentBlock(diff, "  ")
			}
			return line
		}
	case "SEARCH":
		count, _ := num(result["count"])
		scanned, _ := num(result["scanned_files"])
		line := fmt.Sprintf("found %d matches in %d files under %s", count, scanned, str(result, "path"))
		if truthy(result["truncated"]) {
			line += " (truncated)"
		}
		return line
	case "GLOB":
		count, _ := num(result["count"])
		line := fmt.Sprintf("matched %d paths for %s", count, orDash(callArgs["pattern"]))
		if truthy(result["truncated"]) {
			line += " (truncated)"
		}
		return line
	case "LIST":
		count, _ := num(result["count"])
		return fmt.Sprintf("listed %d entries in %s", count, str(result, "path"))
	case "BASH":
		code, _ := num(result["exit_code"])
		tail := truncateInline(str(result, "stdout"), 120)
		if code != 0 {
			tail = truncateInline(str(result, "stderr"), 120)
		}
		if tail == "" {
			return fmt.Sprintf("exit %d", code)
		}
		return fmt.Sprintf("exit %d: %s", code, tail)
	case "ASK_USER":
		if answer := truncateInline(str(result, "answer"), 120); answer != "" {
			return "answer=" + answer
		}
	}
	for _, key := range []string{"error", "stderr", "message", "summary", "output", "result"} {
		if text := strings.TrimSpace(str(result, key)); text != "" {
			return truncateInline(text, 160)
		}
	}
	return genericKV(result, 0)
}

// genericKV flattens an arbitrary map to {k=v, ...}; valueWidth 0 prints
// keys only.
func genericKV(m map[string]any, valueWidth int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if valueWidth <= 0 {
		return "{keys=" + strings.Join(keys, ",") + "}"
	}
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+truncateInline(fmt.Sprint(m[key]), valueWidth))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func copyArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func num(v any) (int, bool) {
	switch value := v.(type) {
	case int:
		return value, true
	case int32:
		return int(value), true
	case int64:
		return int(value), true
	case float32:
		return int(value), true
	case float64:
		return int(value), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func orDash(v any) string {
	text := strings.TrimSpace(fmt.Sprint(v))
	if text == "" || text == "<nil>" {
		return "-"
	}
	return text
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

// truncateInline collapses whitespace and cuts by display width so CJK
// and wide glyphs do not overflow the transcript columns.
func truncateInline(input string, limit int) string {
	text := strings.Join(strings.Fields(input), " ")
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return text
	}
	return runewidth.Truncate(text, limit, "...")
}

func shortPath(path string) string {
	base := filepath.Base(strings.TrimSpace(path))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return path
	}
	return base
}

func indentBlock(input, indent string) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(input, "\n")
	for i := range lines {
		lines[i] = indent + lines[i]
	}
	return strings.Join(lines, "\n")
}

func metaBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	flag, ok := meta[key].(bool)
	return ok && flag
}

func metaString(meta map[string]any, key, fallback string) string {
	if meta == nil {
		return fallback
	}
	value, ok := meta[key].(string)
	if !ok || value == "" {
		return fallback
	}
	return value
}
