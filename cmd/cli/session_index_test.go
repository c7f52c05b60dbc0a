package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/session/inmemory"
)

func newTestIndex(t *testing.T) *sessionIndex {
	t.Helper()
	idx, err := newSessionIndex(filepath.Join(t.TempDir(), "session_index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func mustIndex(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("index operation: %v", err)
	}
}

func TestSessionIndex_ListByWorkspace(t *testing.T) {
	idx := newTestIndex(t)
	workspaceA := workspaceContext{CWD: "/tmp/a", Key: "a-key"}
	workspaceB := workspaceContext{CWD: "/tmp/b", Key: "b-key"}
	now := time.Now()

	mustIndex(t, idx.UpsertSession(workspaceA, "app", "u", "s-a", now))
	mustIndex(t, idx.TouchEvent(workspaceA, "app", "u", "s-a",
		model.Message{Role: model.RoleUser, Text: "hello"}, now.Add(time.Second)))
	mustIndex(t, idx.UpsertSession(workspaceB, "app", "u", "s-b", now))

	items, err := idx.ListWorkspaceSessions(workspaceA.Key, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 session in workspace A, got %d", len(items))
	}
	got := items[0]
	if got.SessionID != "s-a" || got.EventCount != 1 || got.LastUserMessage != "hello" {
		t.Fatalf("unexpected record %+v", got)
	}
	ok, err := idx.HasWorkspaceSession(workspaceA.Key, "s-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("did not expect session s-b in workspace A")
	}
}

func TestSessionIndex_DeleteWorkspaceSession(t *testing.T) {
	idx := newTestIndex(t)
	workspace := workspaceContext{CWD: "/tmp/ws", Key: "ws-key"}

	mustIndex(t, idx.UpsertSession(workspace, "app", "u", "s-1", time.Now()))
	mustIndex(t, idx.DeleteWorkspaceSession(workspace.Key, "s-1"))

	ok, err := idx.HasWorkspaceSession(workspace.Key, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected session removed from index")
	}
}

func TestIndexedSessionStore_AppendEventUpdatesIndex(t *testing.T) {
	idx := newTestIndex(t)
	workspace := workspaceContext{CWD: "/tmp/workspace", Key: "ws-key"}
	store := newIndexedSessionStore(inmemory.New(), idx, workspace)
	sess := &session.Session{AppName: "app", UserID: "u", ID: "s-1"}
	if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	events := []*session.Event{
		{ID: "e1", Time: time.Now(), Message: model.Message{Role: model.RoleUser, Text: "first prompt"}},
		{ID: "e2", Time: time.Now().Add(time.Second), Message: model.Message{Role: model.RoleAssistant, Text: "ok"}},
	}
	for _, ev := range events {
		if err := store.AppendEvent(context.Background(), sess, ev); err != nil {
			t.Fatalf("append %s: %v", ev.ID, err)
		}
	}

	items, err := idx.ListWorkspaceSessions(workspace.Key, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 indexed session, got %d", len(items))
	}
	if items[0].EventCount != 2 {
		t.Fatalf("expected event_count=2, got %d", items[0].EventCount)
	}
	if items[0].LastUserMessage != "first prompt" {
		t.Fatalf("unexpected last_user_message %q", items[0].LastUserMessage)
	}
}

func TestIndexedSessionStore_DeleteSessionRemovesIndexRow(t *testing.T) {
	idx := newTestIndex(t)
	workspace := workspaceContext{CWD: "/tmp/ws", Key: "ws-key"}
	store := newIndexedSessionStore(inmemory.New(), idx, workspace)
	sess := &session.Session{AppName: "app", UserID: "u", ID: "s-del"}
	if _, err := store.GetOrCreate(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	ok, err := idx.HasWorkspaceSession(workspace.Key, "s-del")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected index row removed with session")
	}
}

func TestHandleResume(t *testing.T) {
	idx := newTestIndex(t)
	workspace := workspaceContext{CWD: "/tmp/ws", Key: "ws-key"}
	mustIndex(t, idx.UpsertSession(workspace, "app", "u", "resume-me", time.Now()))

	c := &cliConsole{
		workspace:    workspace,
		sessionIndex: idx,
		sessionID:    "default",
	}
	c.doom = newTestDoom()
	if _, err := handleResume(c, []string{"resume-me"}); err != nil {
		t.Fatal(err)
	}
	if c.sessionID != "resume-me" {
		t.Fatalf("expected session switched to resume-me, got %q", c.sessionID)
	}
	if _, err := handleResume(c, []string{"missing"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSessionIndex_SyncWorkspaceFromStoreDir(t *testing.T) {
	root := t.TempDir()
	sessionDir := filepath.Join(root, "s-123")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "events.jsonl"), []byte("{\"id\":\"e1\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx := newTestIndex(t)
	workspace := workspaceContext{CWD: "/tmp/ws", Key: "ws-key"}
	mustIndex(t, idx.SyncWorkspaceFromStoreDir(workspace, "app", "u", root))

	ok, err := idx.HasWorkspaceSession(workspace.Key, "s-123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected synced session s-123")
	}
}
