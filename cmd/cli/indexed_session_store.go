package main

import (
	"context"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/session"
)

// indexedSessionStore mirrors writes into the sqlite session index so
// the console can list and resume sessions without replaying the event
// store. Index failures never fail the underlying write.
type indexedSessionStore struct {
	inner     session.Store
	index     *sessionIndex
	workspace workspaceContext
}

func newIndexedSessionStore(inner session.Store, index *sessionIndex, workspace workspaceContext) session.Store {
	if inner == nil || index == nil {
		return inner
	}
	return &indexedSessionStore{
		inner:     inner,
		index:     index,
		workspace: workspace,
	}
}

func (s *indexedSessionStore) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	sess, err := s.inner.GetOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		_ = s.index.UpsertSession(s.workspace, sess.AppName, sess.UserID, sess.ID, time.Now())
	}
	return sess, nil
}

func (s *indexedSessionStore) AppendEvent(ctx context.Context, req *session.Session, ev *session.Event) error {
	if err := s.inner.AppendEvent(ctx, req, ev); err != nil {
		return err
	}
	if req != nil && ev != nil {
		_ = s.index.TouchEvent(s.workspace, req.AppName, req.UserID, req.ID, ev.Message, ev.Time)
	}
	return nil
}

func (s *indexedSessionStore) ListEvents(ctx context.Context, req *session.Session) ([]*session.Event, error) {
	return s.inner.ListEvents(ctx, req)
}

func (s *indexedSessionStore) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	return s.inner.ListSessions(ctx, appName, userID)
}

func (s *indexedSessionStore) DeleteSession(ctx context.Context, req *session.Session) error {
	if err := s.inner.DeleteSession(ctx, req); err != nil {
		return err
	}
	if req != nil {
		_ = s.index.DeleteWorkspaceSession(s.workspace.Key, req.ID)
	}
	return nil
}
