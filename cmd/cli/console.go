package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/OnslaughtSnail/virga/internal/logging"
	"github.com/OnslaughtSnail/virga/kernel/agent"
	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/llmagent"
	"github.com/OnslaughtSnail/virga/kernel/model"
	modelproviders "github.com/OnslaughtSnail/virga/kernel/model/providers"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/runtime"
	"github.com/OnslaughtSnail/virga/kernel/session"
	"github.com/OnslaughtSnail/virga/kernel/tool"
	"github.com/OnslaughtSnail/virga/kernel/tool/builtin/askuser"
)

type cliConsole struct {
	baseCtx context.Context
	rt      *runtime.Runtime
	store   session.Store

	appName   string
	userID    string
	sessionID string
	workspace workspaceContext

	modelID      string
	llm          model.LLM
	modelFactory *modelproviders.Factory
	configStore  *appConfigStore
	sessionIndex *sessionIndex

	profile     agent.Profile
	tools       []tool.Tool
	permissions *permission.Evaluator
	doom        *doomloop.Detector
	globalRules []permission.Rule
	defaultRule permission.Action

	maxSteps      int
	streamModel   bool
	showReasoning bool
	markdown      bool
	version       string

	editor   lineEditor
	out      io.Writer
	approver *terminalApprover
	commands map[string]slashCommand

	run  runGuard
	exit exitArmer

	lastAnswer string
}

const interruptExitWindow = 2 * time.Second

// runGuard tracks the cancel func of the turn in flight so a Ctrl+C can
// stop the turn instead of the console.
type runGuard struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (g *runGuard) set(cancel context.CancelFunc) {
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
}

func (g *runGuard) clear() {
	g.set(nil)
}

// interrupt cancels the active turn, reporting whether one was running.
func (g *runGuard) interrupt() bool {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// exitArmer implements the press-Ctrl+C-twice exit: the first interrupt
// arms, a second inside interruptExitWindow confirms.
type exitArmer struct {
	mu      sync.Mutex
	armedAt time.Time
}

func (e *exitArmer) arm() (confirmed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	confirmed = !e.armedAt.IsZero() && now.Sub(e.armedAt) <= interruptExitWindow
	e.armedAt = now
	return confirmed
}

func (e *exitArmer) reset() {
	e.mu.Lock()
	e.armedAt = time.Time{}
	e.mu.Unlock()
}

type slashCommand struct {
	Usage       string
	Description string
	Handle      func(*cliConsole, []string) (bool, error)
}

type cliConsoleConfig struct {
	BaseContext   context.Context
	Runtime       *runtime.Runtime
	Store         session.Store
	AppName       string
	UserID        string
	SessionID     string
	Workspace     workspaceContext
	ModelID       string
	Model         model.LLM
	ModelFactory  *modelproviders.Factory
	ConfigStore   *appConfigStore
	SessionIndex  *sessionIndex
	Profile       agent.Profile
	Tools         []tool.Tool
	GlobalRules   []permission.Rule
	DefaultRule   permission.Action
	DoomConfig    doomloop.Config
	MaxSteps      int
	StreamModel   bool
	ShowReasoning bool
	Markdown      bool
	HistoryFile   string
	Version       string
}

func newCLIConsole(cfg cliConsoleConfig) *cliConsole {
	commands := []string{"help", "agent", "model", "cd", "clear", "sessions", "resume", "delete", "tokens", "copy", "quit"}
	editor, _ := newLineEditor(lineEditorConfig{
		HistoryFile: cfg.HistoryFile,
		Commands:    commands,
	})
	var out io.Writer = os.Stdout
	if editor != nil {
		out = editor.Output()
	}
	console := &cliConsole{
		baseCtx:       cfg.BaseContext,
		rt:            cfg.Runtime,
		store:         cfg.Store,
		appName:       cfg.AppName,
		userID:        cfg.UserID,
		sessionID:     cfg.SessionID,
		workspace:     cfg.Workspace,
		modelID:       cfg.ModelID,
		llm:           cfg.Model,
		modelFactory:  cfg.ModelFactory,
		configStore:   cfg.ConfigStore,
		sessionIndex:  cfg.SessionIndex,
		profile:       cfg.Profile,
		tools:         append([]tool.Tool(nil), cfg.Tools...),
		globalRules:   append([]permission.Rule(nil), cfg.GlobalRules...),
		defaultRule:   cfg.DefaultRule,
		doom:          doomloop.New(cfg.DoomConfig),
		maxSteps:      cfg.MaxSteps,
		streamModel:   cfg.StreamModel,
		showReasoning: cfg.ShowReasoning,
		markdown:      cfg.Markdown,
		version:       strings.TrimSpace(cfg.Version),
		editor:        editor,
		out:           out,
	}
	console.permissions = console.buildEvaluator()
	console.approver = newTerminalApprover(editor, out)
	console.commands = map[string]slashCommand{
		"help":     {Usage: "/help", Description: "show this help", Handle: handleHelp},
		"agent":    {Usage: "/agent [name]", Description: "show or switch the agent profile", Handle: handleAgent},
		"model":    {Usage: "/model [provider/model]", Description: "show or switch the model", Handle: handleModel},
		"cd":       {Usage: "/cd <dir>", Description: "change the working directory", Handle: handleCD},
		"clear":    {Usage: "/clear", Description: "start a fresh session", Handle: handleClear},
		"sessions": {Usage: "/sessions", Description: "list sessions in this workspace", Handle: handleSessions},
		"resume":   {Usage: "/resume <session-id>", Description: "switch to an existing session", Handle: handleResume},
		"delete":   {Usage: "/delete <session-id>", Description: "delete a session and its history", Handle: handleDelete},
		"tokens":   {Usage: "/tokens", Description: "show token usage for this session", Handle: handleTokens},
		"copy":     {Usage: "/copy", Description: "copy the last answer to the clipboard", Handle: handleCopy},
		"quit":     {Usage: "/quit", Description: "exit the console", Handle: handleQuit},
	}
	return console
}

// buildEvaluator layers profile rules ahead of the global rules. A new
// evaluator starts with an empty session decision cache.
func (c *cliConsole) buildEvaluator() *permission.Evaluator {
	cfg := c.profile.EvaluatorConfig(c.globalRules)
	cfg.Default = c.defaultRule
	return permission.NewEvaluator(cfg)
}

func (c *cliConsole) loop() error {
	c.printf("%s %s (session %s). /help for commands, Ctrl+C twice to exit.\n",
		defaultAppName, stringOrDash(c.version), c.sessionID)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	exitCh := make(chan struct{}, 1)
	stopSignals := make(chan struct{})
	go c.handleInterruptSignals(sigCh, exitCh, stopSignals)
	defer func() {
		close(stopSignals)
		signal.Stop(sigCh)
		if c.editor != nil {
			_ = c.editor.Close()
		}
	}()
	for {
		select {
		case <-exitCh:
			c.printf("\n")
			return nil
		default:
		}
		line, err := c.editor.ReadLine("> ")
		switch {
		case errors.Is(err, errInputInterrupt):
			c.printf("\n")
			if c.exit.arm() {
				return nil
			}
			continue
		case errors.Is(err, errInputEOF):
			c.printf("\n")
			return nil
		case err != nil:
			return err
		}
		c.exit.reset()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			exitNow, err := c.handleSlash(line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if exitNow {
				return nil
			}
			continue
		}
		if err := c.runPrompt(line); err != nil {
			if errors.Is(err, context.Canceled) {
				c.printf("! turn interrupted\n")
				continue
			}
			if toolexec.IsApprovalAborted(err) {
				c.printf("! %v\n", err)
				continue
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *cliConsole) handleInterruptSignals(sigCh <-chan os.Signal, exitCh chan<- struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-sigCh:
		}
		if c.run.interrupt() {
			// An armed exit here lets the next Ctrl+C quit right after
			// stopping the turn.
			c.exit.arm()
			continue
		}
		// readline reports Ctrl+C through errInputInterrupt; counting
		// the signal too would treat one keypress as two interrupts.
		if c.usesLineEditorInterrupts() {
			continue
		}
		if c.exit.arm() {
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}
}

func (c *cliConsole) handleSlash(line string) (bool, error) {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToLower(parts[0])
	handler, ok := c.commands[cmd]
	if !ok {
		return false, fmt.Errorf("unknown command %q, use /help", cmd)
	}
	return handler.Handle(c, parts[1:])
}

func (c *cliConsole) runPrompt(input string) error {
	if c.llm == nil {
		return fmt.Errorf("no model configured, pass -model or set a default with /model")
	}
	ag, err := c.buildAgent()
	if err != nil {
		return err
	}
	logging.Info().
		Str("session_id", c.sessionID).
		Str("agent", c.profile.Name).
		Str("model", c.modelID).
		Msg("turn start")
	ctx := toolexec.WithApprover(c.baseCtx, c.approver)
	ctx = askuser.WithPrompter(ctx, c)
	runCtx, cancel := context.WithCancel(ctx)
	c.setActiveRunCancel(cancel)
	defer func() {
		c.run.clear()
		cancel()
	}()
	answer, err := runOnce(runCtx, c.rt, runtime.RunRequest{
		AppName:     c.appName,
		UserID:      c.userID,
		SessionID:   c.sessionID,
		Input:       input,
		Agent:       ag,
		Model:       c.llm,
		Tools:       c.profile.FilterTools(c.tools),
		Permissions: c.permissions,
		Doom:        c.doom,
		AgentName:   c.profile.Name,
		ModelID:     c.modelID,
		WorkingDir:  c.workspace.CWD,
	}, runRenderConfig{
		ShowReasoning: c.showReasoning,
		Markdown:      c.markdown,
		Writer:        c.out,
	})
	if answer != "" {
		c.lastAnswer = answer
	}
	return err
}

func (c *cliConsole) buildAgent() (*llmagent.Agent, error) {
	maxSteps := c.maxSteps
	if maxSteps <= 0 {
		maxSteps = c.profile.MaxSteps
	}
	return llmagent.New(llmagent.Config{
		Name:              c.profile.Name,
		SystemPrompt:      c.profile.SystemPrompt + workspacePromptContext(c.workspace),
		MaxSteps:          maxSteps,
		StreamModel:       c.streamModel,
		EmitPartialEvents: c.streamModel,
		Temperature:       0.7,
	})
}

// Prompt implements askuser.Prompter over the console line editor.
func (c *cliConsole) Prompt(ctx context.Context, q askuser.Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.printf("? %s\n", strings.TrimSpace(q.Prompt))
	for i, option := range q.Options {
		c.printf("  %d) %s\n", i+1, option)
	}
	line, err := c.editor.ReadLine("? ")
	if err != nil {
		if errors.Is(err, errInputInterrupt) || errors.Is(err, errInputEOF) {
			return "", fmt.Errorf("cli: question canceled")
		}
		return "", err
	}
	if len(q.Options) > 0 {
		if idx, convErr := parseOptionIndex(line, len(q.Options)); convErr == nil {
			return q.Options[idx], nil
		}
	}
	return line, nil
}

func parseOptionIndex(line string, count int) (int, error) {
	line = strings.TrimSpace(line)
	var idx int
	if _, err := fmt.Sscanf(line, "%d", &idx); err != nil {
		return 0, err
	}
	if idx < 1 || idx > count {
		return 0, fmt.Errorf("option %d out of range", idx)
	}
	return idx - 1, nil
}

func (c *cliConsole) setActiveRunCancel(cancel context.CancelFunc) {
	c.run.set(cancel)
}

func (c *cliConsole) usesLineEditorInterrupts() bool {
	switch c.editor.(type) {
	case *readlineEditor, *linerEditor:
		return true
	default:
		return false
	}
}

func handleHelp(c *cliConsole, args []string) (bool, error) {
	_ = args
	c.printf("Available commands:\n")
	order := []string{"help", "agent", "model", "cd", "clear", "sessions", "resume", "delete", "tokens", "copy", "quit"}
	for _, name := range order {
		cmd := c.commands[name]
		c.printf("  %-28s %s\n", cmd.Usage, cmd.Description)
	}
	return false, nil
}

func handleAgent(c *cliConsole, args []string) (bool, error) {
	if len(args) == 0 {
		names := make([]string, 0, len(agent.Profiles()))
		for name := range agent.Profiles() {
			names = append(names, name)
		}
		sort.Strings(names)
		c.printf("agents:\n")
		for _, name := range names {
			marker := " "
			if name == c.profile.Name {
				marker = "*"
			}
			c.printf("  %s %s\n", marker, name)
		}
		return false, nil
	}
	if len(args) != 1 {
		return false, fmt.Errorf("usage: /agent [name]")
	}
	profile, err := agent.LookupProfile(args[0])
	if err != nil {
		return false, err
	}
	c.profile = profile
	// Profile policy changed, so cached session decisions no longer apply.
	c.permissions = c.buildEvaluator()
	if c.configStore != nil {
		if err := c.configStore.SetDefaultAgent(profile.Name); err != nil {
			fmt.Fprintf(c.out, "warn: persist default agent failed: %v\n", err)
		}
	}
	c.printf("agent switched to %s\n", profile.Name)
	return false, nil
}

func handleModel(c *cliConsole, args []string) (bool, error) {
	if len(args) == 0 {
		current := strings.TrimSpace(c.modelID)
		c.printf("model=%s\n", stringOrDash(current))
		if c.modelFactory != nil {
			c.printf("providers: %s\n", strings.Join(c.modelFactory.ListProviders(), ", "))
		}
		return false, nil
	}
	if len(args) != 1 {
		return false, fmt.Errorf("usage: /model [provider/model]")
	}
	if c.modelFactory == nil {
		return false, fmt.Errorf("model factory is not configured")
	}
	id := strings.TrimSpace(args[0])
	llm, err := c.modelFactory.New(id)
	if err != nil {
		return false, err
	}
	c.modelID = strings.ToLower(id)
	c.llm = llm
	if c.configStore != nil {
		if err := c.configStore.SetDefaultModel(c.modelID); err != nil {
			fmt.Fprintf(c.out, "warn: persist default model failed: %v\n", err)
		}
	}
	c.printf("model switched to %s\n", c.modelID)
	return false, nil
}

func handleCD(c *cliConsole, args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("usage: /cd <dir>")
	}
	target := strings.TrimSpace(args[0])
	if target == "" {
		return false, fmt.Errorf("usage: /cd <dir>")
	}
	if err := os.Chdir(target); err != nil {
		return false, err
	}
	workspace, err := resolveWorkspaceContext("")
	if err != nil {
		return false, err
	}
	c.workspace = workspace
	c.printf("cwd=%s workspace=%s\n", workspace.CWD, workspace.Key)
	return false, nil
}

func handleClear(c *cliConsole, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("usage: /clear")
	}
	previous := strings.TrimSpace(c.sessionID)
	c.sessionID = session.NewID()
	c.doom.Reset()
	c.lastAnswer = ""
	if previous == "" {
		c.printf("new session: %s\n", c.sessionID)
		return false, nil
	}
	c.printf("new session: %s (from %s)\n", c.sessionID, previous)
	return false, nil
}

func handleSessions(c *cliConsole, args []string) (bool, error) {
	_ = args
	if c.sessionIndex == nil {
		return false, fmt.Errorf("session index is not available")
	}
	items, err := c.sessionIndex.ListWorkspaceSessions(c.workspace.Key, 50)
	if err != nil {
		return false, err
	}
	c.printf("workspace: %s\n", c.workspace.CWD)
	if len(items) == 0 {
		c.printf("sessions: (empty)\n")
		return false, nil
	}
	c.printf("sessions:\n")
	now := time.Now()
	for _, one := range items {
		marker := " "
		if one.SessionID == c.sessionID {
			marker = "*"
		}
		last := "never"
		age := "-"
		if !one.LastEventAt.IsZero() {
			last = one.LastEventAt.Format(time.RFC3339)
			age = now.Sub(one.LastEventAt).Round(time.Second).String()
		}
		preview := truncateInline(one.LastUserMessage, 48)
		if preview == "" {
			preview = "-"
		}
		c.printf(" %s %s  events=%d  last=%s (%s)  user=%s\n", marker, one.SessionID, one.EventCount, last, age, preview)
	}
	return false, nil
}

func handleResume(c *cliConsole, args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("usage: /resume <session-id>")
	}
	if c.sessionIndex == nil {
		return false, fmt.Errorf("session index is not available")
	}
	target := strings.TrimSpace(args[0])
	if target == "" {
		return false, fmt.Errorf("session-id is required")
	}
	ok, err := c.sessionIndex.HasWorkspaceSession(c.workspace.Key, target)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("session %q not found in current workspace", target)
	}
	c.sessionID = target
	c.doom.Reset()
	c.printf("session resumed: %s\n", c.sessionID)
	return false, nil
}

func handleDelete(c *cliConsole, args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("usage: /delete <session-id>")
	}
	target := strings.TrimSpace(args[0])
	if target == "" {
		return false, fmt.Errorf("session-id is required")
	}
	if target == c.sessionID {
		return false, fmt.Errorf("cannot delete the active session, /clear first")
	}
	err := c.store.DeleteSession(c.baseCtx, &session.Session{
		AppName: c.appName,
		UserID:  c.userID,
		ID:      target,
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// The index may still carry a stale row.
			if c.sessionIndex != nil {
				_ = c.sessionIndex.DeleteWorkspaceSession(c.workspace.Key, target)
			}
		}
		return false, err
	}
	c.printf("session deleted: %s\n", target)
	return false, nil
}

func handleTokens(c *cliConsole, args []string) (bool, error) {
	_ = args
	events, err := c.store.ListEvents(c.baseCtx, &session.Session{
		AppName: c.appName,
		UserID:  c.userID,
		ID:      c.sessionID,
	})
	if err != nil {
		return false, err
	}
	usage := runtime.UsageTotals(events)
	c.printf("session=%s events=%d\n", c.sessionID, len(events))
	c.printf("tokens: prompt=%d completion=%d total=%d\n",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	return false, nil
}

func handleCopy(c *cliConsole, args []string) (bool, error) {
	_ = args
	if strings.TrimSpace(c.lastAnswer) == "" {
		return false, fmt.Errorf("nothing to copy yet")
	}
	if err := clipboard.WriteAll(c.lastAnswer); err != nil {
		return false, fmt.Errorf("clipboard: %w", err)
	}
	c.printf("copied %d characters\n", len([]rune(c.lastAnswer)))
	return false, nil
}

func handleQuit(c *cliConsole, args []string) (bool, error) {
	_ = c
	_ = args
	return true, nil
}

// terminalApprover resolves ask decisions on the console. "always" and
// "never" set Remember so the dispatcher caches the decision for the
// rest of the session.
type terminalApprover struct {
	editor lineEditor
	out    io.Writer
}

func newTerminalApprover(editor lineEditor, out io.Writer) *terminalApprover {
	return &terminalApprover{editor: editor, out: out}
}

func (a *terminalApprover) Approve(ctx context.Context, req toolexec.ApprovalRequest) (toolexec.ApprovalAnswer, error) {
	if err := ctx.Err(); err != nil {
		return toolexec.ApprovalAnswer{}, err
	}
	risk := strings.TrimSpace(req.Risk)
	if risk != "" {
		fmt.Fprintf(a.out, "\n? approval required: %s (risk=%s)\n", req.Kind, risk)
	} else {
		fmt.Fprintf(a.out, "\n? approval required: %s\n", req.Kind)
	}
	fmt.Fprintf(a.out, "! %s\n", req.Reason)
	fmt.Fprintf(a.out, "$ %s\n", req.Subject)
	if a.editor == nil {
		return toolexec.ApprovalAnswer{}, &toolexec.ApprovalAbortedError{Reason: "no interactive approver available"}
	}
	line, err := a.editor.ReadLine("? [y]es / [n]o / [a]lways / ne[v]er: ")
	if err != nil {
		if errors.Is(err, errInputInterrupt) || errors.Is(err, errInputEOF) {
			return toolexec.ApprovalAnswer{}, &toolexec.ApprovalAbortedError{Reason: "approval canceled by user"}
		}
		return toolexec.ApprovalAnswer{}, err
	}
	answer := decisionFromInput(line)
	logging.Info().
		Str("kind", req.Kind).
		Str("subject", req.Subject).
		Bool("allowed", answer.Allowed).
		Bool("remember", answer.Remember).
		Msg("approval decision")
	if answer.Remember {
		verb := "denied"
		if answer.Allowed {
			verb = "allowed"
		}
		fmt.Fprintf(a.out, "! %s for the rest of this session: %s %s\n", verb, req.Kind, req.Subject)
	}
	return answer, nil
}

func decisionFromInput(line string) toolexec.ApprovalAnswer {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return toolexec.ApprovalAnswer{Allowed: true}
	case "a", "always":
		return toolexec.ApprovalAnswer{Allowed: true, Remember: true}
	case "v", "never":
		return toolexec.ApprovalAnswer{Allowed: false, Remember: true}
	default:
		return toolexec.ApprovalAnswer{Allowed: false}
	}
}

func (c *cliConsole) printf(format string, args ...any) {
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, format, args...)
}

func stringOrDash(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
