package session

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

var ErrSessionNotFound = errors.New("session: not found")

// Session identifies one conversation thread and carries the metadata
// the console shows when resuming.
type Session struct {
	AppName    string    `json:"app_name"`
	UserID     string    `json:"user_id"`
	ID         string    `json:"id"`
	Agent      string    `json:"agent,omitempty"`
	Model      string    `json:"model,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Event is the persisted unit of conversation history.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`
	Message   model.Message  `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Store provides session and event persistence. AppendEvent is
// idempotent on event ID: re-appending an already persisted event is a
// no-op, so interrupted turns can be re-committed safely.
type Store interface {
	GetOrCreate(context.Context, *Session) (*Session, error)
	AppendEvent(context.Context, *Session, *Event) error
	ListEvents(context.Context, *Session) ([]*Event, error)
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)
	DeleteSession(context.Context, *Session) error
}

// NewID returns a short session id.
func NewID() string {
	return uuid.NewString()[:5]
}

// NewEventID returns a unique event id.
func NewEventID() string {
	return uuid.NewString()
}

// Iterator returns a sequence over events.
func Iterator(events []*Event) iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}
