package execenv

import "context"

type approvalContextKey struct{}

// ApprovalRequest describes one gated action awaiting a user decision.
type ApprovalRequest struct {
	// Kind is the permission kind being requested, e.g. "bash" or "edit".
	Kind string
	// Subject is the concrete action target: a command line, a file path.
	Subject string
	// Reason explains why the decision is needed, shown to the user.
	Reason string
	// Risk is a coarse severity hint for display, e.g. "high".
	Risk string
}

// ApprovalAnswer is the user's response to one approval request.
type ApprovalAnswer struct {
	Allowed bool
	// Remember asks the caller to memoize the decision for the rest of
	// the session, keyed by (kind, subject pattern).
	Remember bool
}

// Approver handles interactive approval decisions in the application layer.
type Approver interface {
	Approve(context.Context, ApprovalRequest) (ApprovalAnswer, error)
}

// WithApprover injects one approver into context.
func WithApprover(ctx context.Context, approver Approver) context.Context {
	if ctx == nil || approver == nil {
		return ctx
	}
	return context.WithValue(ctx, approvalContextKey{}, approver)
}

// ApproverFromContext returns the approver from context.
func ApproverFromContext(ctx context.Context) (Approver, bool) {
	if ctx == nil {
		return nil, false
	}
	approver, ok := ctx.Value(approvalContextKey{}).(Approver)
	return approver, ok
}
