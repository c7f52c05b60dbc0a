package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/session"
)

func testSession(id string) *session.Session {
	return &session.Session{
		AppName:   "virga",
		UserID:    "u",
		ID:        id,
		Agent:     "build",
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_AppendAndListEvents(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess := testSession("abc12")
	if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	for i, text := range []string{"hello", "world"} {
		ev := &session.Event{
			ID:        session.NewEventID(),
			SessionID: sess.ID,
			Time:      time.Now().UTC(),
			Message:   model.Message{Role: model.RoleUser, Text: text},
		}
		if err := store.AppendEvent(context.Background(), sess, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	events, err := store.ListEvents(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("unexpected event count: %d", len(events))
	}
	if events[0].Message.Text != "hello" || events[1].Message.Text != "world" {
		t.Fatalf("unexpected order: %v", events)
	}
}

func TestStore_DuplicateAppendIsNoOp(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess := testSession("dup01")
	if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	ev := &session.Event{
		ID:      "same-id",
		Message: model.Message{Role: model.RoleUser, Text: "once"},
	}
	if err := store.AppendEvent(context.Background(), sess, ev); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(context.Background(), sess, ev); err != nil {
		t.Fatal(err)
	}
	events, err := store.ListEvents(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("duplicate append persisted: %d events", len(events))
	}
}

func TestStore_GetOrCreateReturnsExistingMeta(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	first := testSession("meta1")
	first.Model = "openai/gpt-5"
	if _, err := store.GetOrCreate(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	// A fresh store on the same root resolves the persisted metadata.
	reopened, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.GetOrCreate(context.Background(), testSession("meta1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "openai/gpt-5" {
		t.Fatalf("metadata lost: %+v", got)
	}
}

func TestStore_ListAndDeleteSessions(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	older := testSession("old01")
	older.CreatedAt = time.Now().Add(-time.Hour).UTC()
	newer := testSession("new01")
	for _, sess := range []*session.Session{older, newer} {
		if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := store.ListSessions(context.Background(), "virga", "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new01" {
		t.Fatalf("unexpected list: %+v", sessions)
	}

	if err := store.DeleteSession(context.Background(), older); err != nil {
		t.Fatal(err)
	}
	sessions, err = store.ListSessions(context.Background(), "virga", "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new01" {
		t.Fatalf("delete failed: %+v", sessions)
	}
	if err := store.DeleteSession(context.Background(), older); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
