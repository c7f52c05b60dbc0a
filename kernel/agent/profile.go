package agent

import (
	"fmt"
	"strings"

	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/tool"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// Profile is a named configuration restricting which tools, rules and
// instructions are active for a conversation.
type Profile struct {
	Name         string
	SystemPrompt string
	// AllowedOperations filters the exposed tool set by capability.
	// Nil exposes every registered tool.
	AllowedOperations []toolcap.Operation
	// Rules are prepended to the global permission rules, so profile
	// policy wins over user configuration.
	Rules    []permission.Rule
	MaxSteps int
}

// DefaultMaxSteps bounds one turn's model-tool iterations.
const DefaultMaxSteps = 50

const buildPrompt = `You are a coding agent operating in the user's working directory.
Work in small steps: inspect before you modify, prefer targeted edits
over rewrites, and report what you changed. Use the available tools for
every file or shell interaction instead of guessing.`

const planPrompt = `You are a read-only planning agent. Inspect the codebase with the
available tools, then produce a concrete plan. You cannot edit files or
run commands; do not pretend that you can.`

// BuildProfile is the full-access default profile.
func BuildProfile() Profile {
	return Profile{
		Name:         "build",
		SystemPrompt: buildPrompt,
		MaxSteps:     DefaultMaxSteps,
	}
}

// PlanProfile exposes only read and user-io tools and denies edits
// outright as a second fence.
func PlanProfile() Profile {
	return Profile{
		Name:         "plan",
		SystemPrompt: planPrompt,
		AllowedOperations: []toolcap.Operation{
			toolcap.OperationFileRead,
			toolcap.OperationUserIO,
		},
		Rules: []permission.Rule{
			{Kind: "edit", Pattern: "*", Action: permission.ActionDeny},
			{Kind: "bash", Pattern: "*", Action: permission.ActionDeny},
		},
		MaxSteps: DefaultMaxSteps,
	}
}

// Profiles returns the built-in profiles keyed by name.
func Profiles() map[string]Profile {
	out := map[string]Profile{}
	for _, p := range []Profile{BuildProfile(), PlanProfile()} {
		out[p.Name] = p
	}
	return out
}

// LookupProfile resolves one built-in profile by name.
func LookupProfile(name string) (Profile, error) {
	p, ok := Profiles()[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("agent: unknown profile %q", name)
	}
	return p, nil
}

// FilterTools keeps the tools whose declared capabilities the profile
// permits.
func (p Profile) FilterTools(tools []tool.Tool) []tool.Tool {
	if p.AllowedOperations == nil {
		return tools
	}
	out := make([]tool.Tool, 0, len(tools))
	for _, t := range tools {
		if toolcap.Of(t).PermittedBy(p.AllowedOperations) {
			out = append(out, t)
		}
	}
	return out
}

// EvaluatorConfig merges profile rules ahead of the given global rules.
func (p Profile) EvaluatorConfig(global []permission.Rule) permission.Config {
	rules := make([]permission.Rule, 0, len(p.Rules)+len(global))
	rules = append(rules, p.Rules...)
	rules = append(rules, global...)
	return permission.Config{Rules: rules}
}
