package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OnslaughtSnail/virga/kernel/permission"
)

func TestAppConfig_LoadOrInitAndPersist(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	store, err := loadOrInitAppConfig("demo-app")
	if err != nil {
		t.Fatal(err)
	}
	if store.DefaultModel() != "" {
		t.Fatalf("unexpected default model: %q", store.DefaultModel())
	}
	if store.DefaultAgent() != "build" {
		t.Fatalf("unexpected default agent: %q", store.DefaultAgent())
	}
	if store.DefaultPermission() != permission.ActionAsk {
		t.Fatalf("unexpected default permission: %q", store.DefaultPermission())
	}
	if store.MaxSteps() != defaultMaxSteps {
		t.Fatalf("unexpected default max steps: %d", store.MaxSteps())
	}

	cfgPath, err := configPath("demo-app")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	if err := store.SetDefaultModel("Anthropic/Claude-Sonnet-4-5"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetDefaultAgent("PLAN"); err != nil {
		t.Fatal(err)
	}

	store2, err := loadOrInitAppConfig("demo-app")
	if err != nil {
		t.Fatal(err)
	}
	if store2.DefaultModel() != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("unexpected persisted model: %q", store2.DefaultModel())
	}
	if store2.DefaultAgent() != "plan" {
		t.Fatalf("unexpected persisted agent: %q", store2.DefaultAgent())
	}
}

func TestAppConfig_DoomTuning(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	store, err := loadOrInitAppConfig("demo-app")
	if err != nil {
		t.Fatal(err)
	}
	cfg := store.DoomConfig()
	if cfg.Window != 0 || cfg.Threshold != 0 || cfg.TextRepeats != 0 {
		t.Fatalf("expected zero-value doom config, got %+v", cfg)
	}

	store.data.Doom = &doomRecord{Window: 20, Threshold: 5, TextRepeats: 4}
	if err := store.save(); err != nil {
		t.Fatal(err)
	}
	store2, err := loadOrInitAppConfig("demo-app")
	if err != nil {
		t.Fatal(err)
	}
	cfg = store2.DoomConfig()
	if cfg.Window != 20 || cfg.Threshold != 5 || cfg.TextRepeats != 4 {
		t.Fatalf("unexpected persisted doom config: %+v", cfg)
	}
}

func TestSanitizeAppName(t *testing.T) {
	got := sanitizeAppName(" A/B C ")
	if got != "a_b_c" {
		t.Fatalf("unexpected sanitize result: %q", got)
	}
	path, err := configPath("A/B C")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "a_b_c_config.json" {
		t.Fatalf("unexpected config filename: %q", filepath.Base(path))
	}
	if filepath.Base(filepath.Dir(path)) != ".a_b_c" {
		t.Fatalf("unexpected config dir: %q", filepath.Dir(path))
	}
	storeDir, err := sessionStoreDir("A/B C")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(storeDir) != "sessions" {
		t.Fatalf("unexpected session store basename: %q", filepath.Base(storeDir))
	}
	idxPath, err := sessionIndexPath("A/B C")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(idxPath) != "session_index.db" {
		t.Fatalf("unexpected session index filename: %q", filepath.Base(idxPath))
	}
}
