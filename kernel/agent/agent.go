package agent

import (
	"context"
	"iter"

	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
)

// Agent is the runtime execution unit.
type Agent interface {
	Name() string
	Run(InvocationContext) iter.Seq2[*session.Event, error]
}

// ReadonlyContext exposes immutable invocation state derived from persisted events.
type ReadonlyContext interface {
	context.Context
	Session() *session.Session
	History() []*session.Event
}

// ModelContext exposes model planning capabilities.
type ModelContext interface {
	ReadonlyContext
	Model() model.LLM
	Tools() []tool.Tool
}

// ToolContext exposes tool execution capabilities.
type ToolContext interface {
	ReadonlyContext
	Tool(string) (tool.Tool, bool)
}

// GuardContext exposes the per-session permission evaluator and the
// per-turn repetition detector.
type GuardContext interface {
	ReadonlyContext
	Permissions() *permission.Evaluator
	Doom() *doomloop.Detector
}

// InvocationContext composes all kernel contexts used by one agent run.
type InvocationContext interface {
	ModelContext
	ToolContext
	GuardContext
}
