package tool

import (
	"context"
	"fmt"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

// Tool is the executable tool contract. Run receives decoded JSON
// arguments and returns a result map, or an error the dispatcher
// normalizes into a failure outcome.
type Tool interface {
	Name() string
	Description() string
	Declaration() model.ToolDefinition
	Run(context.Context, map[string]any) (map[string]any, error)
}

// BuildMap creates a name-indexed tool lookup map. The registry is built
// once at startup; duplicate or empty names are configuration errors.
func BuildMap(tools []Tool) (map[string]Tool, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		switch name := t.Name(); {
		case name == "":
			return nil, fmt.Errorf("tool: empty name")
		case byName[name] != nil:
			return nil, fmt.Errorf("tool: duplicate tool %q", name)
		default:
			byName[name] = t
		}
	}
	return byName, nil
}

// Declarations returns model-visible declarations for tools.
func Declarations(tools []Tool) []model.ToolDefinition {
	decls := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t != nil {
			decls = append(decls, t.Declaration())
		}
	}
	return decls
}
