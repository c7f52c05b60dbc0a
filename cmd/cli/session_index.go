package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/model"
	_ "modernc.org/sqlite"
)

// sessionIndex is the sqlite catalog behind /sessions, /resume and
// /delete. The event store stays the source of truth; the index only
// carries listing metadata and can always be rebuilt from the store.
type sessionIndex struct {
	db *sql.DB
}

// sessionIndexRecord is one row of the workspace session listing.
type sessionIndexRecord struct {
	SessionID       string
	Branch          string
	FirstSeenAt     time.Time
	LastEventAt     time.Time
	EventCount      int64
	LastUserMessage string
}

func newSessionIndex(path string) (*sessionIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session index: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("session index: create dir: %w", err)
	}
	// busy_timeout makes concurrent console instances queue instead of
	// failing; WAL keeps /sessions reads off the writer's lock.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("session index: open db: %w", err)
	}
	idx := &sessionIndex{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *sessionIndex) ensureSchema() error {
	_, err := s.db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS workspace_sessions (
	workspace_key     TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	app_name          TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	root_path         TEXT NOT NULL DEFAULT '',
	branch            TEXT NOT NULL DEFAULT '',
	first_seen_at     INTEGER NOT NULL,
	last_activity_at  INTEGER NOT NULL,
	event_count       INTEGER NOT NULL DEFAULT 0,
	last_prompt       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace_key, session_id)
);
CREATE INDEX IF NOT EXISTS workspace_sessions_by_activity
ON workspace_sessions(workspace_key, last_activity_at DESC);`)
	if err != nil {
		return fmt.Errorf("session index: ensure schema: %w", err)
	}
	return nil
}

func (s *sessionIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sessionIndex) validateKeys(workspaceKey, sessionID string) error {
	if strings.TrimSpace(workspaceKey) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session index: workspace key and session id are required")
	}
	return nil
}

// upsert inserts or refreshes one row. countDelta is 0 for bare session
// registration and 1 when recording an appended event, so indexing rides
// on a single statement and needs no read-modify-write locking.
func (s *sessionIndex) upsert(workspace workspaceContext, appName, userID, sessionID, prompt string, at time.Time, countDelta int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.validateKeys(workspace.Key, sessionID); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO workspace_sessions
	(workspace_key, session_id, app_name, user_id, root_path, branch,
	 first_seen_at, last_activity_at, event_count, last_prompt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_key, session_id) DO UPDATE SET
	root_path        = excluded.root_path,
	branch           = excluded.branch,
	last_activity_at = MAX(workspace_sessions.last_activity_at, excluded.last_activity_at),
	event_count      = workspace_sessions.event_count + ?,
	last_prompt      = CASE
		WHEN excluded.last_prompt <> '' THEN excluded.last_prompt
		ELSE workspace_sessions.last_prompt
	END`,
		workspace.Key, sessionID, appName, userID, workspace.CWD, workspace.GitBranch,
		at.UnixMilli(), at.UnixMilli(), countDelta, prompt,
		countDelta,
	)
	if err != nil {
		return fmt.Errorf("session index: upsert %s: %w", sessionID, err)
	}
	return nil
}

// UpsertSession registers a session without counting an event.
func (s *sessionIndex) UpsertSession(workspace workspaceContext, appName, userID, sessionID string, at time.Time) error {
	return s.upsert(workspace, appName, userID, sessionID, "", at, 0)
}

// TouchEvent bumps activity for one appended event. User prompts become
// the listing preview.
func (s *sessionIndex) TouchEvent(workspace workspaceContext, appName, userID, sessionID string, msg model.Message, at time.Time) error {
	prompt := ""
	if msg.Role == model.RoleUser {
		prompt = strings.TrimSpace(msg.Text)
	}
	return s.upsert(workspace, appName, userID, sessionID, prompt, at, 1)
}

func (s *sessionIndex) ListWorkspaceSessions(workspaceKey string, limit int) ([]sessionIndexRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if strings.TrimSpace(workspaceKey) == "" {
		return nil, fmt.Errorf("session index: workspace key is required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT session_id, branch, first_seen_at, last_activity_at, event_count, last_prompt
FROM workspace_sessions
WHERE workspace_key = ?
ORDER BY last_activity_at DESC, first_seen_at DESC
LIMIT ?`, workspaceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("session index: list: %w", err)
	}
	defer rows.Close()

	var out []sessionIndexRecord
	for rows.Next() {
		var rec sessionIndexRecord
		var firstSeen, lastActivity int64
		if err := rows.Scan(&rec.SessionID, &rec.Branch, &firstSeen, &lastActivity, &rec.EventCount, &rec.LastUserMessage); err != nil {
			return nil, fmt.Errorf("session index: scan: %w", err)
		}
		rec.FirstSeenAt = time.UnixMilli(firstSeen)
		rec.LastEventAt = time.UnixMilli(lastActivity)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sessionIndex) HasWorkspaceSession(workspaceKey, sessionID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if err := s.validateKeys(workspaceKey, sessionID); err != nil {
		return false, err
	}
	var found bool
	err := s.db.QueryRowContext(context.Background(), `
SELECT EXISTS (
	SELECT 1 FROM workspace_sessions WHERE workspace_key = ? AND session_id = ?
)`, workspaceKey, sessionID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("session index: lookup %s: %w", sessionID, err)
	}
	return found, nil
}

func (s *sessionIndex) DeleteWorkspaceSession(workspaceKey, sessionID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.validateKeys(workspaceKey, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(context.Background(),
		`DELETE FROM workspace_sessions WHERE workspace_key = ? AND session_id = ?`,
		workspaceKey, sessionID)
	if err != nil {
		return fmt.Errorf("session index: delete %s: %w", sessionID, err)
	}
	return nil
}

// SyncWorkspaceFromStoreDir backfills rows for sessions written while
// the index was unavailable. storeDir is the per-user directory of the
// event store, one subdirectory per session.
func (s *sessionIndex) SyncWorkspaceFromStoreDir(workspace workspaceContext, appName, userID, storeDir string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if strings.TrimSpace(workspace.Key) == "" {
		return fmt.Errorf("session index: workspace key is required")
	}
	logs, err := filepath.Glob(filepath.Join(storeDir, "*", "events.jsonl"))
	if err != nil {
		return err
	}
	for _, log := range logs {
		sessionID := filepath.Base(filepath.Dir(log))
		info, err := os.Stat(log)
		if err != nil {
			continue
		}
		if err := s.UpsertSession(workspace, appName, userID, sessionID, info.ModTime()); err != nil {
			return err
		}
	}
	return nil
}
