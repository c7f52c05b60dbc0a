package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

type workspaceContext struct {
	CWD string
	Key string
	// GitRoot and GitBranch are empty outside a repository.
	GitRoot   string
	GitBranch string
}

func resolveWorkspaceContext(dir string) (workspaceContext, error) {
	cwd := dir
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return workspaceContext{}, fmt.Errorf("cli: resolve cwd: %w", err)
		}
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return workspaceContext{}, fmt.Errorf("cli: resolve absolute cwd: %w", err)
	}
	ws := workspaceContext{CWD: abs}
	ws.GitRoot, ws.GitBranch = detectGit(abs)
	// Sessions belong to the repository, not the subdirectory the
	// console happened to start in.
	keyPath := abs
	if ws.GitRoot != "" {
		keyPath = ws.GitRoot
	}
	ws.Key = workspaceKey(keyPath)
	return ws, nil
}

func detectGit(dir string) (root, branch string) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", ""
	}
	if tree, err := repo.Worktree(); err == nil {
		root = tree.Filesystem.Root()
	}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return root, branch
}

func workspaceKey(path string) string {
	sum := sha1.Sum([]byte(filepath.Clean(path)))
	short := hex.EncodeToString(sum[:8])
	base := sanitizeAppName(filepath.Base(path))
	if base == "" {
		base = "workspace"
	}
	return base + "-" + short
}

// workspacePromptContext describes where the agent is working, appended
// to the profile system prompt.
func workspacePromptContext(ws workspaceContext) string {
	out := fmt.Sprintf("\n\n## Workspace\n- cwd: %s", ws.CWD)
	if ws.GitRoot != "" {
		out += fmt.Sprintf("\n- git_root: %s", ws.GitRoot)
	}
	if ws.GitBranch != "" {
		out += fmt.Sprintf("\n- git_branch: %s", ws.GitBranch)
	}
	return out
}
