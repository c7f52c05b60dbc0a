package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadTool_OffsetAndLimit(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "a.txt")
	content := "line1\nline2\nline3\nline4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	readTool := NewRead(DefaultReadConfig())
	out, err := readTool.Run(context.Background(), map[string]any{
		"path":   path,
		"offset": 1,
		"limit":  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := out["line_count"]; got != 2 {
		t.Fatalf("unexpected line_count: %v", got)
	}
	text, _ := out["content"].(string)
	if !strings.Contains(text, "2: line2") || !strings.Contains(text, "3: line3") {
		t.Fatalf("unexpected content: %q", text)
	}
}

func TestReadTool_TokenLimit(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "b.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("abcdefgh\n", 400)), 0o644); err != nil {
		t.Fatal(err)
	}

	readTool := NewRead(ReadConfig{
		DefaultLimit:     10,
		MaxLimit:         10,
		DefaultMaxTokens: 10,
		MaxTokens:        10,
	})
	out, err := readTool.Run(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := out["has_more"].(bool); !got {
		t.Fatal("expected has_more")
	}
}

func TestReadTool_PermissionRequest(t *testing.T) {
	readTool := NewRead(DefaultReadConfig())
	req, ok := readTool.PermissionRequest(map[string]any{"path": "/tmp/x.txt"})
	if !ok {
		t.Fatal("expected a derived request")
	}
	if req.Kind != "read" || req.Subject != "/tmp/x.txt" {
		t.Fatalf("unexpected request: %+v", req)
	}
}
