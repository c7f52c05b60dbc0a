package llmagent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
)

type testCtx struct {
	context.Context
	session  *session.Session
	history  []*session.Event
	llm      model.LLM
	tools    []tool.Tool
	toolMap  map[string]tool.Tool
	perms    *permission.Evaluator
	detector *doomloop.Detector
}

func newTestCtx(base context.Context, llm model.LLM, rules []permission.Rule, tools ...tool.Tool) *testCtx {
	toolMap, _ := tool.BuildMap(tools)
	return &testCtx{
		Context:  base,
		session:  &session.Session{AppName: "virga", UserID: "u", ID: "s1"},
		history:  []*session.Event{{Message: model.Message{Role: model.RoleUser, Text: "go"}}},
		llm:      llm,
		tools:    tools,
		toolMap:  toolMap,
		perms:    permission.NewEvaluator(permission.Config{Rules: rules}),
		detector: doomloop.New(doomloop.Config{}),
	}
}

func (c *testCtx) Session() *session.Session { return c.session }
func (c *testCtx) History() []*session.Event { return c.history }
func (c *testCtx) Model() model.LLM          { return c.llm }
func (c *testCtx) Tools() []tool.Tool        { return c.tools }
func (c *testCtx) Tool(name string) (tool.Tool, bool) {
	t, ok := c.toolMap[name]
	return t, ok
}
func (c *testCtx) Permissions() *permission.Evaluator { return c.perms }
func (c *testCtx) Doom() *doomloop.Detector           { return c.detector }

type namedTool struct {
	name string
	run  func(context.Context, map[string]any) (map[string]any, error)
}

func (t namedTool) Name() string        { return t.name }
func (t namedTool) Description() string { return t.name }
func (t namedTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{Name: t.name, Description: t.name, Parameters: map[string]any{"type": "object"}}
}
func (t namedTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.run == nil {
		return map[string]any{}, nil
	}
	return t.run(ctx, args)
}

type scriptedApprover struct {
	answer toolexec.ApprovalAnswer
	err    error
	asked  atomic.Int64
}

func (s *scriptedApprover) Approve(ctx context.Context, req toolexec.ApprovalRequest) (toolexec.ApprovalAnswer, error) {
	_ = ctx
	_ = req
	s.asked.Add(1)
	return s.answer, s.err
}

func allowAll() []permission.Rule {
	return []permission.Rule{{Kind: "*", Pattern: "*", Action: permission.ActionAllow}}
}

func collectEvents(t *testing.T, ag *Agent, ctx *testCtx) []*session.Event {
	t.Helper()
	var events []*session.Event
	for ev, err := range ag.Run(ctx) {
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func finishReasonOf(events []*session.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Meta == nil {
			continue
		}
		if reason, ok := events[i].Meta["finish_reason"].(string); ok {
			return reason
		}
	}
	return ""
}

func TestAgent_ToolLoop(t *testing.T) {
	var invoked atomic.Int64
	echo := namedTool{name: "echo", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{"echo": args["text"]}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleTool {
			return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "done"}}, nil
		}
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "echo", Args: map[string]any{"text": "hello"}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(context.Background(), llm, allowAll(), echo)
	events := collectEvents(t, ag, ctx)
	if invoked.Load() != 1 {
		t.Fatalf("tool invoked %d times", invoked.Load())
	}
	if len(events) != 3 {
		t.Fatalf("unexpected event count %d", len(events))
	}
	toolEv := events[1]
	if toolEv.Message.ToolResponse == nil {
		t.Fatalf("expected tool response event, got %+v", toolEv)
	}
	if got := toolEv.Message.ToolResponse.Result["echo"]; got != "hello" {
		t.Fatalf("unexpected tool result: %v", got)
	}
	if events[2].Message.Text != "done" {
		t.Fatalf("unexpected final text: %q", events[2].Message.Text)
	}
}

func TestAgent_StepBudgetTruncates(t *testing.T) {
	busy := namedTool{name: "busy"}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		n := len(req.Messages)
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c", Name: "busy", Args: map[string]any{"step": n}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test", MaxSteps: 2})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(context.Background(), llm, allowAll(), busy)
	events := collectEvents(t, ag, ctx)
	if got := finishReasonOf(events); got != "truncated" {
		t.Fatalf("expected truncated finish, got %q", got)
	}
	last := events[len(events)-1]
	if !strings.Contains(last.Message.Text, "step budget") {
		t.Fatalf("missing truncation marker: %q", last.Message.Text)
	}
}

func TestAgent_UnknownToolIsFailureOutcome(t *testing.T) {
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleTool {
			return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "recovered"}}, nil
		}
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "nope", Args: map[string]any{}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(context.Background(), llm, allowAll())
	events := collectEvents(t, ag, ctx)
	toolEv := events[1]
	if code, _ := toolEv.Meta["error_code"].(string); code != string(toolexec.ErrorCodeUnknownTool) {
		t.Fatalf("unexpected error code: %v", toolEv.Meta)
	}
	if events[len(events)-1].Message.Text != "recovered" {
		t.Fatal("loop did not continue after unknown tool")
	}
}

func TestAgent_DeniedToolNeverRuns(t *testing.T) {
	var invoked atomic.Int64
	risky := namedTool{name: "risky", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleTool {
			return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "gave up"}}, nil
		}
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "risky", Args: map[string]any{}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	rules := []permission.Rule{{Kind: "risky", Pattern: "*", Action: permission.ActionDeny}}
	ctx := newTestCtx(context.Background(), llm, rules, risky)
	events := collectEvents(t, ag, ctx)
	if invoked.Load() != 0 {
		t.Fatal("denied tool was executed")
	}
	toolEv := events[1]
	if denied, _ := toolEv.Meta["denied"].(bool); !denied {
		t.Fatalf("expected denied outcome: %v", toolEv.Meta)
	}
	if code, _ := toolEv.Meta["error_code"].(string); code != string(toolexec.ErrorCodePermissionDenied) {
		t.Fatalf("unexpected error code: %v", toolEv.Meta)
	}
	if events[len(events)-1].Message.Text != "gave up" {
		t.Fatal("loop did not continue after denial")
	}
}

func TestAgent_AskWithRememberOnlyPromptsOnce(t *testing.T) {
	tame := namedTool{name: "tame"}
	step := 0
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		step++
		if step <= 2 {
			return &model.Response{Message: model.Message{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{{ID: "c", Name: "tame", Args: map[string]any{"n": step}}},
			}}, nil
		}
		return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "done"}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	approver := &scriptedApprover{answer: toolexec.ApprovalAnswer{Allowed: true, Remember: true}}
	base := toolexec.WithApprover(context.Background(), approver)
	rules := []permission.Rule{{Kind: "tame", Pattern: "*", Action: permission.ActionAsk}}
	ctx := newTestCtx(base, llm, rules, tame)
	collectEvents(t, ag, ctx)

	// Args differ between the two calls but the remembered decision is
	// keyed on the derived subject pattern, so distinct subjects
	// re-prompt while identical ones do not.
	if got := approver.asked.Load(); got != 2 {
		t.Fatalf("unexpected prompt count: %d", got)
	}

	// Same subject twice: remembered after the first ask.
	approver.asked.Store(0)
	step = 0
	llm2 := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		step++
		if step <= 2 {
			return &model.Response{Message: model.Message{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{{ID: "c", Name: "tame", Args: map[string]any{"n": 1}}},
			}}, nil
		}
		return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "done"}}, nil
	})
	ctx2 := newTestCtx(base, llm2, rules, tame)
	collectEvents(t, ag, ctx2)
	if got := approver.asked.Load(); got != 1 {
		t.Fatalf("remembered decision re-prompted: %d", got)
	}
}

func TestAgent_DoomLoopStopsOnDecline(t *testing.T) {
	var invoked atomic.Int64
	stuck := namedTool{name: "stuck", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{"same": true}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c", Name: "stuck", Args: map[string]any{"x": 1}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	approver := &scriptedApprover{answer: toolexec.ApprovalAnswer{Allowed: false}}
	base := toolexec.WithApprover(context.Background(), approver)
	rules := append([]permission.Rule{
		{Kind: "doom_loop", Pattern: "*", Action: permission.ActionAsk},
	}, allowAll()...)
	ctx := newTestCtx(base, llm, rules, stuck)
	events := collectEvents(t, ag, ctx)

	// Threshold 3: the 3rd identical call flags before executing.
	if invoked.Load() != 2 {
		t.Fatalf("unexpected executions: %d", invoked.Load())
	}
	if approver.asked.Load() != 1 {
		t.Fatalf("unexpected escalations: %d", approver.asked.Load())
	}
	if got := finishReasonOf(events); got != "stopped" {
		t.Fatalf("expected stopped finish, got %q", got)
	}
}

func TestAgent_DoomLoopContinuesOnApproval(t *testing.T) {
	var invoked atomic.Int64
	stuck := namedTool{name: "stuck", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{}, nil
	}}
	step := 0
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		step++
		if step <= 4 {
			return &model.Response{Message: model.Message{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{{ID: "c", Name: "stuck", Args: map[string]any{"x": 1}}},
			}}, nil
		}
		return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "done"}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	approver := &scriptedApprover{answer: toolexec.ApprovalAnswer{Allowed: true}}
	base := toolexec.WithApprover(context.Background(), approver)
	rules := append([]permission.Rule{
		{Kind: "doom_loop", Pattern: "*", Action: permission.ActionAsk},
	}, allowAll()...)
	ctx := newTestCtx(base, llm, rules, stuck)
	events := collectEvents(t, ag, ctx)

	if approver.asked.Load() != 1 {
		t.Fatalf("unexpected escalations: %d", approver.asked.Load())
	}
	if invoked.Load() != 4 {
		t.Fatalf("unexpected executions: %d", invoked.Load())
	}
	if events[len(events)-1].Message.Text != "done" {
		t.Fatal("loop did not continue after approval")
	}
}

func TestAgent_InterruptPreservesCommittedEvents(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	slow := namedTool{name: "slow", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"partial": "work"}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c", Name: "slow", Args: map[string]any{}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(base, llm, allowAll(), slow)
	events := collectEvents(t, ag, ctx)
	if got := finishReasonOf(events); got != "interrupted" {
		t.Fatalf("expected interrupted finish, got %q", got)
	}
	var sawToolResponse bool
	for _, ev := range events {
		if ev.Message.ToolResponse != nil {
			sawToolResponse = true
		}
	}
	if !sawToolResponse {
		t.Fatal("committed tool response lost on interrupt")
	}
}

func TestAgent_InterruptClosesOutRemainingCalls(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	var invoked atomic.Int64
	slow := namedTool{name: "slow", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		cancel()
		return map[string]any{"done": true}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		return &model.Response{Message: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "slow", Args: map[string]any{"n": 1}},
				{ID: "c2", Name: "slow", Args: map[string]any{"n": 2}},
			},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(base, llm, allowAll(), slow)
	events := collectEvents(t, ag, ctx)
	if invoked.Load() != 1 {
		t.Fatalf("unexpected executions: %d", invoked.Load())
	}
	if got := finishReasonOf(events); got != "interrupted" {
		t.Fatalf("expected interrupted finish, got %q", got)
	}

	// Every committed tool call needs an outcome or the session cannot
	// replay after resume.
	responses := map[string]*session.Event{}
	for _, ev := range events {
		if ev.Message.ToolResponse != nil {
			responses[ev.Message.ToolResponse.ID] = ev
		}
	}
	if _, ok := responses["c1"]; !ok {
		t.Fatal("executed call lost its outcome")
	}
	closed, ok := responses["c2"]
	if !ok {
		t.Fatal("uninvoked call left without an outcome")
	}
	if code, _ := closed.Meta["error_code"].(string); code != string(toolexec.ErrorCodeInterrupted) {
		t.Fatalf("unexpected close-out meta: %v", closed.Meta)
	}
	if _, hasErr := closed.Message.ToolResponse.Result["error"]; !hasErr {
		t.Fatalf("close-out outcome carries no error: %v", closed.Message.ToolResponse.Result)
	}
}

func TestAgent_ApprovalAbortClosesOutRemainingCalls(t *testing.T) {
	var invoked atomic.Int64
	gated := namedTool{name: "gated", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{}, nil
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		return &model.Response{Message: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "gated", Args: map[string]any{"n": 1}},
				{ID: "c2", Name: "gated", Args: map[string]any{"n": 2}},
			},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	approver := &scriptedApprover{err: &toolexec.ApprovalAbortedError{Reason: "input closed"}}
	base := toolexec.WithApprover(context.Background(), approver)
	rules := []permission.Rule{{Kind: "gated", Pattern: "*", Action: permission.ActionAsk}}
	ctx := newTestCtx(base, llm, rules, gated)

	var events []*session.Event
	var runErr error
	for ev, err := range ag.Run(ctx) {
		if err != nil {
			runErr = err
			break
		}
		events = append(events, ev)
	}
	if !toolexec.IsApprovalAborted(runErr) {
		t.Fatalf("expected approval abort, got %v", runErr)
	}
	if invoked.Load() != 0 {
		t.Fatal("aborted tool was executed")
	}

	responses := map[string]*session.Event{}
	for _, ev := range events {
		if ev.Message.ToolResponse != nil {
			responses[ev.Message.ToolResponse.ID] = ev
		}
	}
	for _, id := range []string{"c1", "c2"} {
		ev, ok := responses[id]
		if !ok {
			t.Fatalf("call %s left without an outcome", id)
		}
		if code, _ := ev.Meta["error_code"].(string); code != string(toolexec.ErrorCodeApprovalAborted) {
			t.Fatalf("unexpected meta for %s: %v", id, ev.Meta)
		}
	}
}

func TestAgent_StreamFailureKeepsPartialText(t *testing.T) {
	llm := &streamingTestLLM{name: "fake", turn: func(yield func(*model.Response, error) bool) {
		if !yield(&model.Response{
			Partial: true,
			Message: model.Message{Role: model.RoleAssistant, Text: "half an ans"},
		}, nil) {
			return
		}
		yield(nil, fmt.Errorf("provider: connection reset"))
	}}
	ag, err := New(Config{Name: "test", StreamModel: true, EmitPartialEvents: true})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(context.Background(), llm, allowAll())
	var events []*session.Event
	var runErr error
	for ev, err := range ag.Run(ctx) {
		if err != nil {
			runErr = err
			break
		}
		events = append(events, ev)
	}
	if runErr == nil || !strings.Contains(runErr.Error(), "connection reset") {
		t.Fatalf("expected provider error, got %v", runErr)
	}

	var kept *session.Event
	for _, ev := range events {
		if partial, _ := ev.Meta["partial"].(bool); partial {
			continue
		}
		if ev.Message.Role == model.RoleAssistant && ev.Message.Text != "" {
			kept = ev
		}
	}
	if kept == nil {
		t.Fatal("streamed text dropped on provider failure")
	}
	if kept.Message.Text != "half an ans" {
		t.Fatalf("unexpected kept text: %q", kept.Message.Text)
	}
	if flag, _ := kept.Meta["incomplete"].(bool); !flag {
		t.Fatalf("missing incomplete marker: %v", kept.Meta)
	}
	if reason, _ := kept.Meta["finish_reason"].(string); reason != "error" {
		t.Fatalf("unexpected finish reason: %v", kept.Meta)
	}
}

func TestAgent_PanickingToolBecomesFailureOutcome(t *testing.T) {
	boom := namedTool{name: "boom", run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
		panic("handler bug")
	}}
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleTool {
			return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: "survived"}}, nil
		}
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "boom", Args: map[string]any{}}},
		}}, nil
	})
	ag, err := New(Config{Name: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newTestCtx(context.Background(), llm, allowAll(), boom)
	events := collectEvents(t, ag, ctx)
	toolEv := events[1]
	if code, _ := toolEv.Meta["error_code"].(string); code != string(toolexec.ErrorCodeToolFailure) {
		t.Fatalf("unexpected error code: %v", toolEv.Meta)
	}
	if !strings.Contains(fmt.Sprint(toolEv.Message.ToolResponse.Result["error"]), "panicked") {
		t.Fatalf("unexpected result: %v", toolEv.Message.ToolResponse.Result)
	}
	if events[len(events)-1].Message.Text != "survived" {
		t.Fatal("loop did not continue after tool panic")
	}
}
