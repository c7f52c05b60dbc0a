package runtime

import (
	"context"

	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
)

// invocationContext backs agent.InvocationContext for one run. Accessors
// hand out copies so an agent cannot mutate runtime-owned state.
type invocationContext struct {
	context.Context
	session  *session.Session
	history  []*session.Event
	model    model.LLM
	tools    []tool.Tool
	toolMap  map[string]tool.Tool
	perms    *permission.Evaluator
	detector *doomloop.Detector
}

func (c *invocationContext) Session() *session.Session { return c.session }
func (c *invocationContext) Model() model.LLM          { return c.model }

func (c *invocationContext) History() []*session.Event {
	out := make([]*session.Event, 0, len(c.history))
	for _, ev := range c.history {
		if ev == nil {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

func (c *invocationContext) Tools() []tool.Tool {
	return append(make([]tool.Tool, 0, len(c.tools)), c.tools...)
}

func (c *invocationContext) Tool(name string) (tool.Tool, bool) {
	t, ok := c.toolMap[name]
	return t, ok
}

func (c *invocationContext) Permissions() *permission.Evaluator { return c.perms }
func (c *invocationContext) Doom() *doomloop.Detector           { return c.detector }
