package execenv

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// FileSystem defines file operations for tools. Tests substitute an
// in-memory implementation; production uses the host filesystem.
type FileSystem interface {
	Getwd() (string, error)
	UserHomeDir() (string, error)
	Open(path string) (fs.File, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Stat(path string) (os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// CommandRequest is one command execution request.
type CommandRequest struct {
	Command     string
	Dir         string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// CommandResult is one command execution result.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes shell commands for tools.
type CommandRunner interface {
	Run(context.Context, CommandRequest) (CommandResult, error)
}

// Config builds an execution runtime.
type Config struct {
	FileSystem FileSystem
	Runner     CommandRunner
}

// Runtime exposes execution primitives to tools.
type Runtime interface {
	FileSystem() FileSystem
	Runner() CommandRunner
}

type hostRuntime struct {
	fs     FileSystem
	runner CommandRunner
}

// New creates an execution runtime, defaulting to host filesystem and
// host command execution.
func New(cfg Config) (Runtime, error) {
	fs := cfg.FileSystem
	if fs == nil {
		fs = newHostFileSystem()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = newHostRunner()
	}
	return &hostRuntime{fs: fs, runner: runner}, nil
}

// Default returns the host-backed runtime.
func Default() Runtime {
	rt, err := New(Config{})
	if err != nil {
		panic(fmt.Sprintf("execenv: default runtime: %v", err))
	}
	return rt
}

func (r *hostRuntime) FileSystem() FileSystem {
	return r.fs
}

func (r *hostRuntime) Runner() CommandRunner {
	return r.runner
}
