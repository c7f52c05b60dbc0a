// Package inmemory is a thread-safe in-memory session store used by
// tests and ephemeral runs.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/OnslaughtSnail/virga/kernel/session"
)

type key struct {
	app, user, id string
}

type entry struct {
	session *session.Session
	events  []*session.Event
	seen    map[string]struct{}
}

// Store is a thread-safe in-memory session store.
type Store struct {
	mu   sync.RWMutex
	data map[key]*entry
}

func New() *Store {
	return &Store{data: make(map[key]*entry)}
}

func makeKey(s *session.Session) (key, error) {
	if s == nil || s.AppName == "" || s.UserID == "" || s.ID == "" {
		return key{}, fmt.Errorf("session: app_name, user_id and session_id are required")
	}
	return key{app: s.AppName, user: s.UserID, id: s.ID}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[k]; ok {
		cp := *e.session
		return &cp, nil
	}
	cp := *req
	s.data[k] = &entry{session: &cp, seen: map[string]struct{}{}}
	out := cp
	return &out, nil
}

func (s *Store) AppendEvent(ctx context.Context, req *session.Session, ev *session.Event) error {
	_ = ctx
	if ev == nil {
		return fmt.Errorf("session: event is nil")
	}
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok {
		return session.ErrSessionNotFound
	}
	if ev.ID != "" {
		if _, dup := e.seen[ev.ID]; dup {
			return nil
		}
		e.seen[ev.ID] = struct{}{}
	}
	copyEv := *ev
	e.events = append(e.events, &copyEv)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, req *session.Session) ([]*session.Event, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[k]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := make([]*session.Event, 0, len(e.events))
	for _, ev := range e.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*session.Session
	for k, e := range s.data {
		if k.app != appName || k.user != userID {
			continue
		}
		cp := *e.session
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, req *session.Session) error {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[k]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.data, k)
	return nil
}
