package runtime

import (
	"context"
	"iter"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

type runtimeTestLLM struct {
	name    string
	handler func(context.Context, *model.Request) ([]*model.Response, error)
}

func (l *runtimeTestLLM) Name() string {
	if l.name == "" {
		return "test-model"
	}
	return l.name
}

func (l *runtimeTestLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		responses, err := l.handle(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, resp := range responses {
			if resp == nil {
				continue
			}
			if resp.Model == "" {
				resp.Model = l.Name()
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (l *runtimeTestLLM) handle(ctx context.Context, req *model.Request) ([]*model.Response, error) {
	if l.handler == nil {
		return []*model.Response{{
			Message:      model.Message{Role: model.RoleAssistant, Text: "ok"},
			TurnComplete: true,
			FinishReason: model.FinishStop,
		}}, nil
	}
	return l.handler(ctx, req)
}
