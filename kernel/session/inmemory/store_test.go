package inmemory

import (
	"context"
	"testing"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/session"
)

func TestStore_EventRoundTrip(t *testing.T) {
	store := New()
	sess := &session.Session{AppName: "virga", UserID: "u", ID: "s"}
	if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(context.Background(), sess, &session.Event{
		ID:      "e1",
		Message: model.Message{Role: model.RoleUser, Text: "hi"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(context.Background(), sess, &session.Event{
		ID:      "e1",
		Message: model.Message{Role: model.RoleUser, Text: "dup"},
	}); err != nil {
		t.Fatal(err)
	}
	events, err := store.ListEvents(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Message.Text != "hi" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestStore_UnknownSession(t *testing.T) {
	store := New()
	sess := &session.Session{AppName: "virga", UserID: "u", ID: "missing"}
	if err := store.AppendEvent(context.Background(), sess, &session.Event{ID: "x"}); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := store.ListEvents(context.Background(), sess); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := store.DeleteSession(context.Background(), sess); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
