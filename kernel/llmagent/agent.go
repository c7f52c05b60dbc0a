// Package llmagent implements the model-tool loop: it streams one model
// response, dispatches the requested tool calls through the permission
// gate, and repeats until the model stops, the step budget runs out, or
// a guard ends the turn.
package llmagent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/agent"
	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// Config controls behavior of Agent.
type Config struct {
	Name         string
	SystemPrompt string
	// MaxSteps bounds model-tool iterations per turn. Zero uses
	// agent.DefaultMaxSteps.
	MaxSteps          int
	StreamModel       bool
	EmitPartialEvents bool
	Temperature       float64
	ToolTruncation    tool.TruncationPolicy
}

// Agent is a bounded model-tool loop agent.
type Agent struct {
	cfg Config
}

func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("llmagent: name is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = agent.DefaultMaxSteps
	}
	if cfg.ToolTruncation.MaxTokens <= 0 {
		cfg.ToolTruncation = tool.DefaultTruncation
	}
	return &Agent{cfg: cfg}, nil
}

// FromProfile builds an agent from one profile.
func FromProfile(p agent.Profile) (*Agent, error) {
	return New(Config{
		Name:              p.Name,
		SystemPrompt:      p.SystemPrompt,
		MaxSteps:          p.MaxSteps,
		StreamModel:       true,
		EmitPartialEvents: true,
		Temperature:       0.7,
	})
}

func (a *Agent) Name() string {
	return a.cfg.Name
}

func (a *Agent) Run(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(yield func(*session.Event, error) bool) {
		if ctx == nil {
			yield(nil, fmt.Errorf("llmagent: invocation context is nil"))
			return
		}
		if ctx.Model() == nil {
			yield(nil, fmt.Errorf("llmagent: model is nil"))
			return
		}

		messages := toMessages(ctx.History(), a.cfg.SystemPrompt)
		ctx.Doom().Reset()

		for step := 0; ; step++ {
			if step >= a.cfg.MaxSteps {
				// Budget exhaustion is a normal end of turn, not an
				// error: the transcript gets an explicit marker.
				yield(noteEvent(ctx, model.FinishTruncated,
					fmt.Sprintf("step budget of %d reached, stopping this turn", a.cfg.MaxSteps)), nil)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(noteEvent(ctx, model.FinishInterrupted, "interrupted"), nil)
				return
			}

			req := &model.Request{
				Messages:    messages,
				Tools:       tool.Declarations(ctx.Tools()),
				Stream:      a.cfg.StreamModel,
				Temperature: a.cfg.Temperature,
			}
			var streamedText strings.Builder
			resp, err := a.generateWithRetry(ctx, req, func(partial *model.Response) error {
				if partial != nil {
					streamedText.WriteString(partial.Message.Text)
				}
				if !a.cfg.EmitPartialEvents {
					return nil
				}
				return emitPartial(ctx, partial, yield)
			})
			if errors.Is(err, errYieldStopped) {
				return
			}
			if err != nil {
				reason := model.FinishError
				if ctx.Err() != nil {
					reason = model.FinishInterrupted
				}
				// Text the model already produced stays in history so
				// a resumed session sees the truncated answer.
				if !yieldIncomplete(ctx, yield, streamedText.String(), reason) {
					return
				}
				if reason == model.FinishInterrupted {
					yield(noteEvent(ctx, model.FinishInterrupted, "interrupted"), nil)
					return
				}
				yield(nil, err)
				return
			}
			if resp == nil {
				yield(nil, fmt.Errorf("llmagent: empty model response"))
				return
			}

			assistantMsg := resp.Message
			if assistantMsg.Role == "" {
				assistantMsg.Role = model.RoleAssistant
			}
			assistantEvent := &session.Event{
				ID:        session.NewEventID(),
				SessionID: ctx.Session().ID,
				Time:      time.Now().UTC(),
				Message:   assistantMsg,
				Meta:      responseMeta(resp),
			}
			if !yield(assistantEvent, nil) {
				return
			}
			messages = append(messages, assistantMsg)

			if len(assistantMsg.ToolCalls) == 0 {
				// Some providers claim tool_calls and deliver none.
				// Looping on that with identical text is the classic
				// stall the text heuristic catches.
				if resp.FinishReason == model.FinishToolCalls {
					ctx.Doom().ObserveText(assistantMsg.Text)
					if ctx.Doom().Check() {
						if !a.escalateDoom(ctx, yield) {
							return
						}
					}
					continue
				}
				return
			}

			for i, call := range assistantMsg.ToolCalls {
				ctx.Doom().ObserveCall(call.Name, call.Args)
				if ctx.Doom().Check() {
					if !a.escalateDoom(ctx, yield) {
						if !closeOutCalls(ctx, yield, assistantMsg.ToolCalls[i:], "stopped: repeated tool call loop", "") {
							return
						}
						yield(noteEvent(ctx, model.FinishStopped, "stopped on repeated tool calls"), nil)
						return
					}
				}

				out := dispatch(ctx, call, a.cfg.ToolTruncation)
				toolMsg := toolResponseMessage(out)
				ev := &session.Event{
					ID:        session.NewEventID(),
					SessionID: ctx.Session().ID,
					Time:      time.Now().UTC(),
					Message:   toolMsg,
					Meta:      outcomeMeta(out),
				}
				if !yield(ev, nil) {
					return
				}
				messages = append(messages, toolMsg)

				// Either way out of the loop here, the uninvoked calls
				// still need tool outcomes or the committed assistant
				// message dangles and a resumed session cannot replay.
				if toolexec.IsApprovalAborted(out.Err) {
					if !closeOutCalls(ctx, yield, assistantMsg.ToolCalls[i+1:], "stopped: approval aborted", toolexec.ErrorCodeApprovalAborted) {
						return
					}
					yield(nil, out.Err)
					return
				}
				if ctx.Err() != nil {
					if !closeOutCalls(ctx, yield, assistantMsg.ToolCalls[i+1:], "interrupted before this call ran", toolexec.ErrorCodeInterrupted) {
						return
					}
					yield(noteEvent(ctx, model.FinishInterrupted, "interrupted"), nil)
					return
				}
			}
		}
	}
}

// escalateDoom asks the user whether a flagged repetition loop may
// continue. Reports true to continue the turn.
func (a *Agent) escalateDoom(ctx agent.InvocationContext, yield func(*session.Event, error) bool) bool {
	action := ctx.Permissions().Evaluate("doom_loop", "*")
	if action == permission.ActionAsk {
		answer, err := askApproval(ctx, permission.Request{Kind: "doom_loop", Subject: "*"}, toolcap.Capability{Risk: toolcap.RiskHigh})
		if err != nil {
			yield(nil, err)
			return false
		}
		if answer.Allowed {
			action = permission.ActionAllow
		} else {
			action = permission.ActionDeny
		}
	}
	if action != permission.ActionAllow {
		return false
	}
	ctx.Doom().Reset()
	return true
}

// closeOutCalls emits a synthetic error outcome for every tool call the
// loop will not run, keeping each committed ToolCall paired with a tool
// response. Reports false when the consumer stopped.
func closeOutCalls(ctx agent.ReadonlyContext, yield func(*session.Event, error) bool, calls []model.ToolCall, reason string, code toolexec.ErrorCode) bool {
	for _, pending := range calls {
		result := map[string]any{"error": reason}
		var meta map[string]any
		if code != "" {
			result["error_code"] = string(code)
			meta = map[string]any{"error_code": string(code)}
		}
		ev := &session.Event{
			ID:        session.NewEventID(),
			SessionID: ctx.Session().ID,
			Time:      time.Now().UTC(),
			Message:   toolResponseMessage(Outcome{Call: pending, Result: result}),
			Meta:      meta,
		}
		if !yield(ev, nil) {
			return false
		}
	}
	return true
}

// yieldIncomplete commits whatever assistant text already streamed when
// a turn dies mid-response. Reports false when the consumer stopped.
func yieldIncomplete(ctx agent.ReadonlyContext, yield func(*session.Event, error) bool, text string, reason model.FinishReason) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	ev := &session.Event{
		ID:        session.NewEventID(),
		SessionID: ctx.Session().ID,
		Time:      time.Now().UTC(),
		Message:   model.Message{Role: model.RoleAssistant, Text: text},
		Meta: map[string]any{
			"incomplete":    true,
			"finish_reason": string(reason),
		},
	}
	return yield(ev, nil)
}

func noteEvent(ctx agent.ReadonlyContext, reason model.FinishReason, text string) *session.Event {
	return &session.Event{
		ID:        session.NewEventID(),
		SessionID: ctx.Session().ID,
		Time:      time.Now().UTC(),
		Message:   model.Message{Role: model.RoleAssistant, Text: text},
		Meta: map[string]any{
			"note":          true,
			"finish_reason": string(reason),
		},
	}
}

var errYieldStopped = errors.New("llmagent: downstream yield stopped")

func emitPartial(ctx agent.ReadonlyContext, partial *model.Response, yield func(*session.Event, error) bool) error {
	if partial == nil || !partial.Partial {
		return nil
	}
	emit := func(msg model.Message, channel string) error {
		ev := &session.Event{
			ID:        session.NewEventID(),
			SessionID: ctx.Session().ID,
			Time:      time.Now().UTC(),
			Message:   msg,
			Meta: map[string]any{
				"partial": true,
				"channel": channel,
			},
		}
		if !yield(ev, nil) {
			return errYieldStopped
		}
		return nil
	}
	if strings.TrimSpace(partial.Message.Reasoning) != "" {
		msg := model.Message{Role: model.RoleAssistant, Reasoning: partial.Message.Reasoning}
		if err := emit(msg, "reasoning"); err != nil {
			return err
		}
	}
	if strings.TrimSpace(partial.Message.Text) != "" {
		msg := model.Message{Role: model.RoleAssistant, Text: partial.Message.Text}
		if err := emit(msg, "answer"); err != nil {
			return err
		}
	}
	return nil
}

var (
	modelRequestMaxRetries = 5
	modelRetryBaseDelay    = 250 * time.Millisecond
	modelRetryMaxDelay     = 4 * time.Second
)

func collectLast(ctx context.Context, seq iter.Seq2[*model.Response, error], onPartial func(*model.Response) error) (*model.Response, error) {
	var last *model.Response
	for res, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res != nil {
			if res.Partial && onPartial != nil {
				if err := onPartial(res); err != nil {
					return nil, err
				}
			}
			last = res
		}
	}
	return last, nil
}

func (a *Agent) generateWithRetry(
	ctx agent.InvocationContext,
	req *model.Request,
	onPartial func(*model.Response) error,
) (*model.Response, error) {
	retries := 0
	for {
		emittedPartial := false
		resp, err := collectLast(ctx, ctx.Model().Generate(ctx, req), func(partial *model.Response) error {
			if partial != nil && partial.Partial {
				emittedPartial = true
			}
			if onPartial == nil {
				return nil
			}
			return onPartial(partial)
		})
		if err == nil {
			return resp, nil
		}
		// Once partial output reached the user a silent retry would
		// duplicate it.
		if emittedPartial {
			return nil, err
		}
		if errors.Is(err, errYieldStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if retries >= modelRequestMaxRetries {
			return nil, fmt.Errorf("llmagent: model request failed after %d retries: %w", modelRequestMaxRetries, err)
		}
		timer := time.NewTimer(retryDelayForAttempt(retries))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		retries++
	}
}

func retryDelayForAttempt(retry int) time.Duration {
	delay := modelRetryBaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= modelRetryMaxDelay {
			return modelRetryMaxDelay
		}
	}
	return delay
}

func toMessages(events []*session.Event, systemPrompt string) []model.Message {
	out := make([]model.Message, 0, len(events)+1)
	if systemPrompt != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Text: systemPrompt})
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.Meta != nil {
			if partial, _ := ev.Meta["partial"].(bool); partial {
				continue
			}
		}
		out = append(out, ev.Message)
	}
	return out
}

func responseMeta(resp *model.Response) map[string]any {
	if resp == nil {
		return nil
	}
	meta := map[string]any{}
	if value := strings.TrimSpace(resp.Provider); value != "" {
		meta["provider"] = value
	}
	if value := strings.TrimSpace(resp.Model); value != "" {
		meta["model"] = value
	}
	if resp.FinishReason != "" {
		meta["finish_reason"] = string(resp.FinishReason)
	}
	usage := map[string]any{}
	if resp.Usage.PromptTokens > 0 {
		usage["prompt_tokens"] = resp.Usage.PromptTokens
	}
	if resp.Usage.CompletionTokens > 0 {
		usage["completion_tokens"] = resp.Usage.CompletionTokens
	}
	if resp.Usage.TotalTokens > 0 {
		usage["total_tokens"] = resp.Usage.TotalTokens
	}
	if len(usage) > 0 {
		meta["usage"] = usage
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
