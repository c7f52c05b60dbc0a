package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/peterh/liner"
)

var (
	errInputInterrupt = errors.New("cli: input interrupted")
	errInputEOF       = errors.New("cli: input eof")
)

type lineEditor interface {
	ReadLine(prompt string) (string, error)
	Output() io.Writer
	Close() error
}

type lineEditorConfig struct {
	HistoryFile string
	Commands    []string
}

// newLineEditor picks the richest editor the terminal supports:
// readline with completion and persistent history, liner when readline
// cannot initialize, plain stdio when there is no TTY at all.
func newLineEditor(cfg lineEditorConfig) (lineEditor, error) {
	if isTTY(os.Stdin) && isTTY(os.Stdout) {
		if rl, err := newReadlineEditor(cfg); err == nil {
			return rl, nil
		}
		if ln, err := newLinerEditor(cfg); err == nil {
			return ln, nil
		}
	}
	return &stdioEditor{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func ensureHistoryDir(historyFile string) error {
	historyFile = strings.TrimSpace(historyFile)
	if historyFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(historyFile), 0o755); err != nil {
		return fmt.Errorf("cli: create history dir: %w", err)
	}
	return nil
}

// slashCompletions prefixes each console command with "/" for tab
// completion, skipping blanks.
func slashCompletions(commands []string) []string {
	out := make([]string, 0, len(commands))
	for _, cmd := range commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			out = append(out, "/"+cmd)
		}
	}
	return out
}

type readlineEditor struct {
	rl *readline.Instance
}

func newReadlineEditor(cfg lineEditorConfig) (*readlineEditor, error) {
	if err := ensureHistoryDir(cfg.HistoryFile); err != nil {
		return nil, err
	}
	var completerItems []readline.PrefixCompleterInterface
	for _, cmd := range slashCompletions(cfg.Commands) {
		completerItems = append(completerItems, readline.PcItem(cmd))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       strings.TrimSpace(cfg.HistoryFile),
		AutoComplete:      readline.NewPrefixCompleter(completerItems...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, err
	}
	return &readlineEditor{rl: rl}, nil
}

func (r *readlineEditor) ReadLine(prompt string) (string, error) {
	if r == nil || r.rl == nil {
		return "", io.EOF
	}
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	switch {
	case err == nil:
		return strings.TrimSpace(line), nil
	case errors.Is(err, readline.ErrInterrupt):
		return "", errInputInterrupt
	case errors.Is(err, io.EOF):
		return "", errInputEOF
	default:
		return "", err
	}
}

func (r *readlineEditor) Output() io.Writer {
	if r == nil || r.rl == nil {
		return os.Stdout
	}
	return r.rl.Stdout()
}

func (r *readlineEditor) Close() error {
	if r == nil || r.rl == nil {
		return nil
	}
	return r.rl.Close()
}

type linerEditor struct {
	state       *liner.State
	historyFile string
	commands    []string
}

func newLinerEditor(cfg lineEditorConfig) (*linerEditor, error) {
	if err := ensureHistoryDir(cfg.HistoryFile); err != nil {
		return nil, err
	}
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	commands := slashCompletions(cfg.Commands)
	state.SetCompleter(func(line string) []string {
		if !strings.HasPrefix(line, "/") {
			return nil
		}
		out := make([]string, 0, len(commands))
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, line) {
				out = append(out, cmd)
			}
		}
		return out
	})
	editor := &linerEditor{
		state:       state,
		historyFile: strings.TrimSpace(cfg.HistoryFile),
		commands:    commands,
	}
	if editor.historyFile != "" {
		if f, err := os.Open(editor.historyFile); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}
	return editor, nil
}

func (l *linerEditor) ReadLine(prompt string) (string, error) {
	if l == nil || l.state == nil {
		return "", io.EOF
	}
	line, err := l.state.Prompt(prompt)
	switch {
	case err == nil:
		line = strings.TrimSpace(line)
		if line != "" {
			l.state.AppendHistory(line)
		}
		return line, nil
	case errors.Is(err, liner.ErrPromptAborted):
		return "", errInputInterrupt
	case errors.Is(err, io.EOF):
		return "", errInputEOF
	default:
		return "", err
	}
}

func (l *linerEditor) Output() io.Writer {
	return os.Stdout
}

func (l *linerEditor) Close() error {
	if l == nil || l.state == nil {
		return nil
	}
	if l.historyFile != "" {
		if f, err := os.Create(l.historyFile); err == nil {
			_, _ = l.state.WriteHistory(f)
			_ = f.Close()
		}
	}
	return l.state.Close()
}

type stdioEditor struct {
	reader *bufio.Reader
	out    io.Writer
}

func (s *stdioEditor) ReadLine(prompt string) (string, error) {
	if s == nil || s.reader == nil {
		return "", io.EOF
	}
	fmt.Fprint(s.out, prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errInputEOF
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *stdioEditor) Output() io.Writer {
	if s == nil || s.out == nil {
		return os.Stdout
	}
	return s.out
}

func (s *stdioEditor) Close() error {
	return nil
}
