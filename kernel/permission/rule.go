package permission

import (
	"fmt"
	"strings"
)

// Action is the outcome of evaluating one gated request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// ParseAction normalizes one action string.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.TrimSpace(strings.ToLower(raw))) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionDeny:
		return ActionDeny, nil
	case ActionAsk, "":
		return ActionAsk, nil
	default:
		return "", fmt.Errorf("permission: invalid action %q, expected allow|deny|ask", raw)
	}
}

// Rule gates one class of action. Rules are immutable configuration,
// evaluated in declaration order; the first match wins.
type Rule struct {
	// Kind is the permission kind the rule applies to, e.g. "bash",
	// "edit", or "*" for any.
	Kind string `json:"kind"`
	// Pattern is a glob matched against the request subject. `*` and `?`
	// wildcards, case-sensitive.
	Pattern string `json:"pattern"`
	Action  Action `json:"action"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s=%s", r.Kind, r.Pattern, r.Action)
}

// DefaultRules is the built-in rule set: destructive shell commands and
// dotenv edits prompt, everything else is allowed. Specific rules come
// first so the trailing catch-all does not shadow them.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: "bash", Pattern: "rm *", Action: ActionAsk},
		{Kind: "bash", Pattern: "sudo *", Action: ActionAsk},
		{Kind: "edit", Pattern: "*.env", Action: ActionAsk},
		{Kind: "edit", Pattern: "*.env.*", Action: ActionAsk},
		{Kind: "doom_loop", Pattern: "*", Action: ActionAsk},
		{Kind: "*", Pattern: "*", Action: ActionAllow},
	}
}
