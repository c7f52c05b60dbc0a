package llmagent

import (
	"context"
	"iter"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

type testLLM struct {
	name    string
	handler func(*model.Request) (*model.Response, error)
}

func newTestLLM(name string, handler func(*model.Request) (*model.Response, error)) model.LLM {
	if name == "" {
		name = "test-model"
	}
	return &testLLM{name: name, handler: handler}
}

func (l *testLLM) Name() string {
	return l.name
}

func (l *testLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	_ = ctx
	return func(yield func(*model.Response, error) bool) {
		resp, err := l.handle(req)
		if err != nil {
			yield(nil, err)
			return
		}
		if resp == nil {
			resp = &model.Response{Message: model.Message{Role: model.RoleAssistant}}
		}
		if resp.Model == "" {
			resp.Model = l.name
		}
		if resp.Provider == "" {
			resp.Provider = "test-provider"
		}
		if resp.FinishReason == "" {
			if len(resp.Message.ToolCalls) > 0 {
				resp.FinishReason = model.FinishToolCalls
			} else {
				resp.FinishReason = model.FinishStop
			}
		}
		resp.TurnComplete = true
		yield(resp, nil)
	}
}

// streamingTestLLM replays a scripted response sequence, partials and
// errors included, so tests can cut a stream mid-answer.
type streamingTestLLM struct {
	name string
	turn iter.Seq2[*model.Response, error]
}

func (l *streamingTestLLM) Name() string { return l.name }

func (l *streamingTestLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	_ = ctx
	_ = req
	return l.turn
}

func (l *testLLM) handle(req *model.Request) (*model.Response, error) {
	if l.handler == nil {
		return &model.Response{
			Message: model.Message{Role: model.RoleAssistant, Text: "ok"},
		}, nil
	}
	return l.handler(req)
}
