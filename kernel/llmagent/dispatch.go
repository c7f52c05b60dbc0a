package llmagent

import (
	"context"
	"fmt"

	"github.com/OnslaughtSnail/virga/kernel/agent"
	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/tool"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// Outcome is the normalized result of dispatching one tool call. A
// denied or failed call still produces a tool response for the model,
// so the loop keeps running on anything short of an interrupt.
type Outcome struct {
	Call       model.ToolCall
	Request    permission.Request
	Capability toolcap.Capability
	Result     map[string]any
	Err        error
	Denied     bool
}

// ErrorCode returns the stable code for a failed outcome, or empty.
func (o Outcome) ErrorCode() toolexec.ErrorCode {
	if o.Err == nil {
		return ""
	}
	if code := toolexec.ErrorCodeOf(o.Err); code != "" {
		return code
	}
	return toolexec.ErrorCodeToolFailure
}

// dispatch resolves, gates and executes one tool call.
//
// Order is load-bearing: unknown tools and denied requests return
// before the tool runs, so neither has side effects.
func dispatch(ctx agent.InvocationContext, call model.ToolCall, truncation tool.TruncationPolicy) Outcome {
	out := Outcome{Call: call}

	t, ok := ctx.Tool(call.Name)
	if !ok {
		out.Err = toolexec.NewCodedError(toolexec.ErrorCodeUnknownTool, "unknown tool %q", call.Name)
		out.Result = errorResult(out.Err)
		return out
	}
	out.Capability = toolcap.Of(t)
	out.Request = permission.DeriveRequest(call.Name, call.Args, t)

	action := ctx.Permissions().Evaluate(out.Request.Kind, out.Request.Subject)
	if action == permission.ActionAsk {
		answer, err := askApproval(ctx, out.Request, out.Capability)
		if err != nil {
			out.Err = err
			out.Result = errorResult(err)
			return out
		}
		if answer.Remember {
			remembered := permission.ActionDeny
			if answer.Allowed {
				remembered = permission.ActionAllow
			}
			ctx.Permissions().Remember(out.Request.Kind, out.Request.Subject, remembered)
		}
		if answer.Allowed {
			action = permission.ActionAllow
		} else {
			action = permission.ActionDeny
		}
	}
	if action == permission.ActionDeny {
		out.Denied = true
		out.Err = toolexec.NewCodedError(toolexec.ErrorCodePermissionDenied,
			"permission denied: %s %q", out.Request.Kind, out.Request.Subject)
		out.Result = errorResult(out.Err)
		return out
	}

	result, runErr := runTool(ctx, t, call.Args)
	if runErr != nil {
		out.Err = runErr
		out.Result = errorResult(runErr)
		return out
	}
	truncation.Apply(result)
	out.Result = result
	return out
}

// runTool executes one handler. A panicking tool must not take the
// whole turn down, so the panic is converted to a failure outcome.
func runTool(ctx context.Context, t tool.Tool, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = toolexec.NewCodedError(toolexec.ErrorCodeToolFailure,
				"tool %q panicked: %v", t.Name(), r)
		}
	}()
	return t.Run(ctx, args)
}

// askApproval routes one ask decision to the host's approver. Without
// an installed approver the request is denied, never silently allowed.
func askApproval(ctx context.Context, req permission.Request, capability toolcap.Capability) (toolexec.ApprovalAnswer, error) {
	approver, ok := toolexec.ApproverFromContext(ctx)
	if !ok {
		return toolexec.ApprovalAnswer{}, nil
	}
	return approver.Approve(ctx, toolexec.ApprovalRequest{
		Kind:    req.Kind,
		Subject: req.Subject,
		Reason:  fmt.Sprintf("tool requests %s on %s", req.Kind, req.Subject),
		Risk:    string(capability.Risk),
	})
}

func errorResult(err error) map[string]any {
	result := map[string]any{"error": err.Error()}
	if code := toolexec.ErrorCodeOf(err); code != "" {
		result["error_code"] = string(code)
	}
	return result
}

// toolResponseMessage converts one outcome into the tool role message
// appended to model context.
func toolResponseMessage(out Outcome) model.Message {
	return model.Message{
		Role: model.RoleTool,
		ToolResponse: &model.ToolResponse{
			ID:     out.Call.ID,
			Name:   out.Call.Name,
			Result: out.Result,
		},
	}
}

// outcomeMeta records dispatch facts on the persisted event.
func outcomeMeta(out Outcome) map[string]any {
	meta := map[string]any{}
	if out.Request.Kind != "" {
		meta["permission_kind"] = out.Request.Kind
		meta["permission_subject"] = out.Request.Subject
	}
	if out.Denied {
		meta["denied"] = true
	}
	if code := out.ErrorCode(); code != "" {
		meta["error_code"] = string(code)
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
