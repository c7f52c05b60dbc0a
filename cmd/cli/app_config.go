package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	"github.com/OnslaughtSnail/virga/kernel/permission"
)

const (
	configVersion    = 1
	configFileSuffix = "_config.json"
	defaultAppName   = "virga"
	defaultAgentName = "build"
	defaultMaxSteps  = 50
)

type appConfig struct {
	Version int `json:"version"`
	// DefaultModel is a "provider/model" id, e.g. "anthropic/claude-sonnet-4-5".
	DefaultModel string `json:"default_model"`
	DefaultAgent string `json:"default_agent,omitempty"`
	// DefaultPermission applies when no rule matches: allow|deny|ask.
	DefaultPermission string      `json:"default_permission,omitempty"`
	MaxSteps          *int        `json:"max_steps,omitempty"`
	Doom              *doomRecord `json:"doom_loop,omitempty"`
}

type doomRecord struct {
	Window      int `json:"window,omitempty"`
	Threshold   int `json:"threshold,omitempty"`
	TextRepeats int `json:"text_repeats,omitempty"`
}

// appConfigStore persists user defaults under the app data dir. A nil
// store is valid and read-only, so callers never nil-check.
type appConfigStore struct {
	path string
	data appConfig
}

func loadOrInitAppConfig(appName string) (*appConfigStore, error) {
	path, err := configPath(appName)
	if err != nil {
		return nil, err
	}
	store := &appConfigStore{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		store.data = defaultAppConfig()
		return store, store.save()
	case err != nil:
		return nil, fmt.Errorf("cli config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &store.data); err != nil {
		return nil, fmt.Errorf("cli config: parse %s: %w", path, err)
	}
	normalizeAppConfig(&store.data)
	return store, nil
}

func (s *appConfigStore) DefaultModel() string {
	if s == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s.data.DefaultModel))
}

func (s *appConfigStore) DefaultAgent() string {
	if s == nil {
		return defaultAgentName
	}
	if name := strings.ToLower(strings.TrimSpace(s.data.DefaultAgent)); name != "" {
		return name
	}
	return defaultAgentName
}

func (s *appConfigStore) DefaultPermission() permission.Action {
	if s == nil {
		return permission.ActionAsk
	}
	action, err := permission.ParseAction(s.data.DefaultPermission)
	if err != nil {
		return permission.ActionAsk
	}
	return action
}

func (s *appConfigStore) MaxSteps() int {
	if s != nil && s.data.MaxSteps != nil && *s.data.MaxSteps > 0 {
		return *s.data.MaxSteps
	}
	return defaultMaxSteps
}

func (s *appConfigStore) DoomConfig() doomloop.Config {
	if s == nil || s.data.Doom == nil {
		return doomloop.Config{}
	}
	return doomloop.Config{
		Window:      s.data.Doom.Window,
		Threshold:   s.data.Doom.Threshold,
		TextRepeats: s.data.Doom.TextRepeats,
	}
}

func (s *appConfigStore) SetDefaultModel(id string) error {
	return s.update(func(cfg *appConfig) bool {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || cfg.DefaultModel == id {
			return false
		}
		cfg.DefaultModel = id
		return true
	})
}

func (s *appConfigStore) SetDefaultAgent(name string) error {
	return s.update(func(cfg *appConfig) bool {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || cfg.DefaultAgent == name {
			return false
		}
		cfg.DefaultAgent = name
		return true
	})
}

// update applies one mutation and saves only when something changed.
func (s *appConfigStore) update(mutate func(*appConfig) bool) error {
	if s == nil {
		return nil
	}
	if !mutate(&s.data) {
		return nil
	}
	return s.save()
}

func (s *appConfigStore) save() error {
	if s == nil {
		return nil
	}
	normalizeAppConfig(&s.data)
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("cli config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cli config: create dir: %w", err)
	}
	// Write-then-rename so a crash cannot leave a half-written config.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("cli config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cli config: rename: %w", err)
	}
	return nil
}

func defaultAppConfig() appConfig {
	cfg := appConfig{Version: configVersion}
	normalizeAppConfig(&cfg)
	return cfg
}

func normalizeAppConfig(cfg *appConfig) {
	if cfg == nil {
		return
	}
	if cfg.Version <= 0 {
		cfg.Version = configVersion
	}
	cfg.DefaultModel = strings.ToLower(strings.TrimSpace(cfg.DefaultModel))
	cfg.DefaultAgent = strings.ToLower(strings.TrimSpace(cfg.DefaultAgent))
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = defaultAgentName
	}
	action, err := permission.ParseAction(cfg.DefaultPermission)
	if err != nil {
		action = permission.ActionAsk
	}
	cfg.DefaultPermission = string(action)
	if cfg.MaxSteps == nil || *cfg.MaxSteps <= 0 {
		steps := defaultMaxSteps
		cfg.MaxSteps = &steps
	}
}

// dataPath resolves a file under the per-user app data dir (~/.virga).
func dataPath(appName string, parts ...string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cli config: resolve user home: %w", err)
	}
	segments := append([]string{home, "." + normalizedAppName(appName)}, parts...)
	return filepath.Join(segments...), nil
}

func configPath(appName string) (string, error) {
	return dataPath(appName, normalizedAppName(appName)+configFileSuffix)
}

func sessionStoreDir(appName string) (string, error) {
	return dataPath(appName, "sessions")
}

func sessionIndexPath(appName string) (string, error) {
	return dataPath(appName, "sessions", "session_index.db")
}

func historyFilePath(appName, workspaceKey string) (string, error) {
	key := strings.TrimSpace(workspaceKey)
	if key == "" {
		key = "default"
	}
	return dataPath(appName, "history", key+".history")
}

func logFilePath(appName string) (string, error) {
	return dataPath(appName, "logs", normalizedAppName(appName)+".log")
}

func normalizedAppName(appName string) string {
	if name := sanitizeAppName(appName); name != "" {
		return name
	}
	return defaultAppName
}

func sanitizeAppName(value string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.TrimSpace(value))
	return strings.ToLower(strings.Trim(mapped, "_"))
}
