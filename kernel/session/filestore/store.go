// Package filestore persists session events to jsonl files on local
// disk, one directory per app/user/session.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/OnslaughtSnail/virga/kernel/session"
)

// Store persists sessions under root/app/user/session with a meta.json
// and an append-only events.jsonl per session.
type Store struct {
	root string

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, seen: map[string]map[string]struct{}{}}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	_ = ctx
	dir, err := s.sessionDir(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metaPath := filepath.Join(dir, "meta.json")
	if raw, readErr := os.ReadFile(metaPath); readErr == nil {
		existing := &session.Session{}
		if err := json.Unmarshal(raw, existing); err != nil {
			return nil, fmt.Errorf("filestore: decode meta: %w", err)
		}
		return existing, nil
	} else if !errors.Is(readErr, os.ErrNotExist) {
		return nil, readErr
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return nil, err
	}
	cp := *req
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, req *session.Session, ev *session.Event) error {
	_ = ctx
	if ev == nil {
		return fmt.Errorf("filestore: event is nil")
	}
	dir, err := s.sessionDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, statErr := os.Stat(filepath.Join(dir, "meta.json")); errors.Is(statErr, os.ErrNotExist) {
		return session.ErrSessionNotFound
	}
	seen, err := s.seenIDsLocked(dir)
	if err != nil {
		return err
	}
	if ev.ID != "" {
		if _, dup := seen[ev.ID]; dup {
			return nil
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	if ev.ID != "" {
		seen[ev.ID] = struct{}{}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, req *session.Session) ([]*session.Event, error) {
	_ = ctx
	dir, err := s.sessionDir(req)
	if err != nil {
		return nil, err
	}
	return readEvents(filepath.Join(dir, "events.jsonl"))
}

func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	_ = ctx
	userDir := filepath.Join(s.root, appName, userID)
	entries, err := os.ReadDir(userDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, readErr := os.ReadFile(filepath.Join(userDir, entry.Name(), "meta.json"))
		if readErr != nil {
			continue
		}
		sess := &session.Session{}
		if err := json.Unmarshal(raw, sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, req *session.Session) error {
	_ = ctx
	dir, err := s.sessionDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
		return session.ErrSessionNotFound
	}
	delete(s.seen, dir)
	return os.RemoveAll(dir)
}

// seenIDsLocked lazily loads the persisted event IDs for one session
// directory so duplicate appends stay no-ops across process restarts.
func (s *Store) seenIDsLocked(dir string) (map[string]struct{}, error) {
	if ids, ok := s.seen[dir]; ok {
		return ids, nil
	}
	events, err := readEvents(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.ID != "" {
			ids[ev.ID] = struct{}{}
		}
	}
	s.seen[dir] = ids
	return ids, nil
}

func readEvents(path string) ([]*session.Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []*session.Event
	dec := json.NewDecoder(f)
	for {
		ev := &session.Event{}
		if err := dec.Decode(ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("filestore: decode events: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) sessionDir(req *session.Session) (string, error) {
	if err := validateSession(req); err != nil {
		return "", err
	}
	return filepath.Join(s.root, req.AppName, req.UserID, req.ID), nil
}

func validateSession(req *session.Session) error {
	if req == nil {
		return fmt.Errorf("filestore: invalid session")
	}
	for name, value := range map[string]string{
		"app_name":   req.AppName,
		"user_id":    req.UserID,
		"session_id": req.ID,
	} {
		if err := validatePathComponent(name, value); err != nil {
			return err
		}
	}
	return nil
}

func validatePathComponent(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" || value == "." || value == ".." {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if filepath.Clean(value) != value {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	return nil
}
