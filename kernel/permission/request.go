package permission

import (
	"encoding/json"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Request is one gated action derived from a tool call: the kind
// categorizes the action, the subject is a canonical string for the
// concrete target (a command line, a file path).
type Request struct {
	Kind    string
	Subject string
}

// Requester lets a tool derive a finer-grained permission request from its
// own arguments. Tools that do not implement it are gated on
// (lower-cased tool name, best-effort subject).
type Requester interface {
	PermissionRequest(args map[string]any) (Request, bool)
}

// DeriveRequest builds the permission request for one tool call. The
// tool's own derivation wins when available.
func DeriveRequest(toolName string, args map[string]any, tool any) Request {
	if requester, ok := tool.(Requester); ok {
		if req, ok := requester.PermissionRequest(args); ok {
			req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
			return req
		}
	}
	return Request{
		Kind:    strings.ToLower(strings.TrimSpace(toolName)),
		Subject: defaultSubject(args),
	}
}

func defaultSubject(args map[string]any) string {
	for _, key := range []string{"command", "path", "file_path", "pattern"} {
		if value, ok := args[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if len(args) == 0 {
		return "*"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(args[k])
		if err != nil {
			continue
		}
		parts = append(parts, k+"="+string(raw))
	}
	return strings.Join(parts, " ")
}

// CanonicalCommand normalizes one shell command line for rule matching:
// the command is parsed and re-joined with single spaces so leading
// whitespace and run-together spacing cannot dodge a pattern. A command
// that fails to parse falls back to whitespace normalization.
func CanonicalCommand(command string) string {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ""
	}
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(trimmed), "")
	if err != nil {
		return strings.Join(strings.Fields(trimmed), " ")
	}
	printer := syntax.NewPrinter()
	var b strings.Builder
	if err := printer.Print(&b, file); err != nil {
		return strings.Join(strings.Fields(trimmed), " ")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return strings.Join(strings.Fields(trimmed), " ")
	}
	return strings.Join(strings.Fields(out), " ")
}
