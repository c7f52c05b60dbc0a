// Package logging provides structured logging on zerolog. The CLI owns the
// terminal, so logs default to a JSONL file instead of stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger.
var Logger = zerolog.Nop()

// Config holds logger configuration.
type Config struct {
	Level  zerolog.Level
	Output io.Writer
	Pretty bool
}

// Init configures the process-wide logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// InitFile routes logs to an append-only JSONL file, creating parent
// directories as needed. The caller owns closing the returned file.
func InitFile(path string, level zerolog.Level) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	Init(Config{Level: level, Output: file})
	return file, nil
}

// ParseLevel parses a log level name, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Debug starts a debug event on the process-wide logger.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info event on the process-wide logger.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn event on the process-wide logger.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error event on the process-wide logger.
func Error() *zerolog.Event { return Logger.Error() }
