// Package runtime orchestrates session lifecycle and agent execution:
// it owns the run lease, persists every committed event, and streams
// events to the caller as they happen.
package runtime

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/agent"
	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
)

// Config configures Runtime.
type Config struct {
	Store session.Store
}

// Runtime orchestrates session lifecycle and agent execution.
type Runtime struct {
	store      session.Store
	runMu      sync.Mutex
	activeRuns map[string]struct{}
}

func New(cfg Config) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runtime: store is nil")
	}
	return &Runtime{
		store:      cfg.Store,
		activeRuns: map[string]struct{}{},
	}, nil
}

// RunRequest defines one user turn.
type RunRequest struct {
	AppName   string
	UserID    string
	SessionID string
	Input     string

	Agent agent.Agent
	Model model.LLM
	Tools []tool.Tool
	// Permissions and Doom live for the whole session; the runtime
	// only threads them into the invocation.
	Permissions *permission.Evaluator
	Doom        *doomloop.Detector

	// Session metadata recorded on first creation.
	AgentName  string
	ModelID    string
	WorkingDir string
}

// Run executes one turn and yields each event after it is persisted.
// A stopped consumer leaves already-yielded events committed.
func (r *Runtime) Run(ctx context.Context, req RunRequest) iter.Seq2[*session.Event, error] {
	return func(yield func(*session.Event, error) bool) {
		if ctx == nil {
			ctx = context.Background()
		}
		if req.Agent == nil {
			yield(nil, fmt.Errorf("runtime: agent is nil"))
			return
		}
		if req.Model == nil {
			yield(nil, fmt.Errorf("runtime: model is nil"))
			return
		}
		if req.AppName == "" || req.UserID == "" || req.SessionID == "" {
			yield(nil, fmt.Errorf("runtime: app_name, user_id and session_id are required"))
			return
		}
		if req.Permissions == nil {
			req.Permissions = permission.NewEvaluator(permission.Config{Rules: permission.DefaultRules()})
		}
		if req.Doom == nil {
			req.Doom = doomloop.New(doomloop.Config{})
		}
		leaseKey := runLeaseKey(req.AppName, req.UserID, req.SessionID)
		if !r.acquireRunLease(leaseKey) {
			yield(nil, &SessionBusyError{AppName: req.AppName, UserID: req.UserID, SessionID: req.SessionID})
			return
		}
		defer r.releaseRunLease(leaseKey)

		sess, err := r.store.GetOrCreate(ctx, &session.Session{
			AppName:    req.AppName,
			UserID:     req.UserID,
			ID:         req.SessionID,
			Agent:      req.AgentName,
			Model:      req.ModelID,
			WorkingDir: req.WorkingDir,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			yield(nil, err)
			return
		}

		userEvent := &session.Event{
			ID:        session.NewEventID(),
			SessionID: sess.ID,
			Time:      time.Now().UTC(),
			Message:   model.Message{Role: model.RoleUser, Text: req.Input},
		}
		if err := r.store.AppendEvent(ctx, sess, userEvent); err != nil {
			yield(nil, err)
			return
		}
		if !yield(userEvent, nil) {
			return
		}

		allEvents, err := r.store.ListEvents(ctx, sess)
		if err != nil {
			yield(nil, err)
			return
		}
		toolMap, err := tool.BuildMap(req.Tools)
		if err != nil {
			yield(nil, err)
			return
		}
		inv := &invocationContext{
			Context:  ctx,
			session:  sess,
			history:  historyEvents(allEvents),
			model:    req.Model,
			tools:    req.Tools,
			toolMap:  toolMap,
			perms:    req.Permissions,
			detector: req.Doom,
		}

		for ev, runErr := range req.Agent.Run(inv) {
			if runErr != nil {
				yield(nil, runErr)
				return
			}
			if ev == nil {
				continue
			}
			if ev.ID == "" {
				ev.ID = session.NewEventID()
			}
			if ev.Time.IsZero() {
				ev.Time = time.Now().UTC()
			}
			ev.SessionID = sess.ID
			if !isPartialEvent(ev) {
				if err := r.store.AppendEvent(ctx, sess, ev); err != nil {
					yield(nil, err)
					return
				}
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// historyEvents drops partial fragments so the model context only
// carries committed messages.
func historyEvents(events []*session.Event) []*session.Event {
	out := make([]*session.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil || isPartialEvent(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func isPartialEvent(ev *session.Event) bool {
	if ev == nil || ev.Meta == nil {
		return false
	}
	partial, _ := ev.Meta["partial"].(bool)
	return partial
}

func runLeaseKey(appName, userID, sessionID string) string {
	return strings.TrimSpace(appName) + "\x00" + strings.TrimSpace(userID) + "\x00" + strings.TrimSpace(sessionID)
}

func (r *Runtime) acquireRunLease(key string) bool {
	if r == nil || strings.TrimSpace(key) == "" {
		return false
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if _, exists := r.activeRuns[key]; exists {
		return false
	}
	r.activeRuns[key] = struct{}{}
	return true
}

func (r *Runtime) releaseRunLease(key string) {
	if r == nil || strings.TrimSpace(key) == "" {
		return
	}
	r.runMu.Lock()
	defer r.runMu.Unlock()
	delete(r.activeRuns, key)
}
