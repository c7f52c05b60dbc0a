package main

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OnslaughtSnail/virga/kernel/agent"
	"github.com/OnslaughtSnail/virga/kernel/doomloop"
	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
	"github.com/OnslaughtSnail/virga/kernel/permission"
)

type stubLineEditor struct {
	lines []string
	idx   int
	reads int
}

func (s *stubLineEditor) ReadLine(prompt string) (string, error) {
	_ = prompt
	s.reads++
	if s.idx >= len(s.lines) {
		return "", errInputEOF
	}
	line := s.lines[s.idx]
	s.idx++
	return line, nil
}

func (s *stubLineEditor) Output() io.Writer { return io.Discard }
func (s *stubLineEditor) Close() error      { return nil }

func newTestDoom() *doomloop.Detector {
	return doomloop.New(doomloop.Config{})
}

func TestTerminalApprover_YesAllowsOnce(t *testing.T) {
	editor := &stubLineEditor{lines: []string{"y"}}
	approver := newTerminalApprover(editor, io.Discard)

	answer, err := approver.Approve(context.Background(), toolexec.ApprovalRequest{
		Kind:    "bash",
		Subject: "go test ./...",
		Reason:  "tool requests bash on go test ./...",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Allowed {
		t.Fatal("expected yes to allow")
	}
	if answer.Remember {
		t.Fatal("expected yes not to remember")
	}
}

func TestTerminalApprover_AlwaysSetsRemember(t *testing.T) {
	editor := &stubLineEditor{lines: []string{"always"}}
	approver := newTerminalApprover(editor, io.Discard)

	answer, err := approver.Approve(context.Background(), toolexec.ApprovalRequest{Kind: "bash", Subject: "rm -rf build"})
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Allowed || !answer.Remember {
		t.Fatalf("expected allow+remember, got %+v", answer)
	}
}

func TestTerminalApprover_NeverDeniesAndRemembers(t *testing.T) {
	editor := &stubLineEditor{lines: []string{"v"}}
	approver := newTerminalApprover(editor, io.Discard)

	answer, err := approver.Approve(context.Background(), toolexec.ApprovalRequest{Kind: "edit", Subject: ".env"})
	if err != nil {
		t.Fatal(err)
	}
	if answer.Allowed || !answer.Remember {
		t.Fatalf("expected deny+remember, got %+v", answer)
	}
}

func TestTerminalApprover_NoDeniesWithoutError(t *testing.T) {
	editor := &stubLineEditor{lines: []string{"n"}}
	approver := newTerminalApprover(editor, io.Discard)

	answer, err := approver.Approve(context.Background(), toolexec.ApprovalRequest{Kind: "bash", Subject: "sudo ls"})
	if err != nil {
		t.Fatal(err)
	}
	if answer.Allowed || answer.Remember {
		t.Fatalf("expected plain deny, got %+v", answer)
	}
}

func TestTerminalApprover_EOFIsAbort(t *testing.T) {
	editor := &stubLineEditor{}
	approver := newTerminalApprover(editor, io.Discard)
	_, err := approver.Approve(context.Background(), toolexec.ApprovalRequest{Kind: "bash", Subject: "go test ./..."})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if !toolexec.IsApprovalAborted(err) {
		t.Fatalf("expected approval aborted, got %v", err)
	}
}

func TestDecisionFromInput_UnknownDenies(t *testing.T) {
	answer := decisionFromInput("maybe")
	if answer.Allowed || answer.Remember {
		t.Fatalf("expected unknown input to deny, got %+v", answer)
	}
}

func TestHandleAgent_SwitchRebuildsEvaluator(t *testing.T) {
	c := &cliConsole{
		profile:     agent.BuildProfile(),
		globalRules: permission.DefaultRules(),
		defaultRule: permission.ActionAsk,
		out:         io.Discard,
		doom:        newTestDoom(),
	}
	c.permissions = c.buildEvaluator()
	if got := c.permissions.Evaluate("edit", "main.go"); got != permission.ActionAllow {
		t.Fatalf("expected build profile to allow edits, got %q", got)
	}

	if _, err := handleAgent(c, []string{"plan"}); err != nil {
		t.Fatal(err)
	}
	if c.profile.Name != "plan" {
		t.Fatalf("expected plan profile, got %q", c.profile.Name)
	}
	if got := c.permissions.Evaluate("edit", "main.go"); got != permission.ActionDeny {
		t.Fatalf("expected plan profile to deny edits, got %q", got)
	}
}

func TestHandleAgent_UnknownProfile(t *testing.T) {
	c := &cliConsole{
		profile:     agent.BuildProfile(),
		globalRules: permission.DefaultRules(),
		out:         io.Discard,
	}
	if _, err := handleAgent(c, []string{"nope"}); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestHandleClear_StartsNewSession(t *testing.T) {
	c := &cliConsole{
		sessionID:  "old",
		out:        io.Discard,
		doom:       newTestDoom(),
		lastAnswer: "stale",
	}
	if _, err := handleClear(c, nil); err != nil {
		t.Fatal(err)
	}
	if c.sessionID == "old" || c.sessionID == "" {
		t.Fatalf("expected fresh session id, got %q", c.sessionID)
	}
	if c.lastAnswer != "" {
		t.Fatal("expected last answer cleared")
	}
}

func TestHandleSlash_UnknownCommand(t *testing.T) {
	c := newStubConsole()
	if _, err := c.handleSlash("/bogus"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestHandleQuit(t *testing.T) {
	c := newStubConsole()
	exit, err := c.handleSlash("/quit")
	if err != nil {
		t.Fatal(err)
	}
	if !exit {
		t.Fatal("expected quit to request exit")
	}
}

func newStubConsole() *cliConsole {
	c := &cliConsole{
		profile:     agent.BuildProfile(),
		globalRules: permission.DefaultRules(),
		defaultRule: permission.ActionAsk,
		out:         io.Discard,
		doom:        newTestDoom(),
		editor:      &stubLineEditor{},
	}
	c.permissions = c.buildEvaluator()
	c.commands = map[string]slashCommand{
		"quit": {Usage: "/quit", Handle: handleQuit},
	}
	return c
}

func TestHandleInterruptSignals_ReadlineIdleIgnoresSignal(t *testing.T) {
	console := &cliConsole{editor: &readlineEditor{}}
	sigCh := make(chan os.Signal, 1)
	exitCh := make(chan struct{}, 1)
	stop := make(chan struct{})
	go console.handleInterruptSignals(sigCh, exitCh, stop)
	defer close(stop)

	sigCh <- os.Interrupt
	select {
	case <-exitCh:
		t.Fatal("expected no exit on first readline Ctrl+C")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestHandleInterruptSignals_StdioDoubleInterruptExits(t *testing.T) {
	console := &cliConsole{editor: &stubLineEditor{}}
	sigCh := make(chan os.Signal, 2)
	exitCh := make(chan struct{}, 1)
	stop := make(chan struct{})
	go console.handleInterruptSignals(sigCh, exitCh, stop)
	defer close(stop)

	sigCh <- os.Interrupt
	select {
	case <-exitCh:
		t.Fatal("expected first interrupt not to exit")
	case <-time.After(80 * time.Millisecond):
	}

	sigCh <- os.Interrupt
	select {
	case <-exitCh:
	case <-time.After(120 * time.Millisecond):
		t.Fatal("expected second interrupt to request exit")
	}
}

func TestHandleInterruptSignals_ActiveRunCancels(t *testing.T) {
	console := &cliConsole{editor: &readlineEditor{}}
	var canceled int32
	console.setActiveRunCancel(func() {
		atomic.AddInt32(&canceled, 1)
	})
	sigCh := make(chan os.Signal, 1)
	exitCh := make(chan struct{}, 1)
	stop := make(chan struct{})
	go console.handleInterruptSignals(sigCh, exitCh, stop)
	defer close(stop)

	sigCh <- os.Interrupt
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&canceled) != 1 {
		t.Fatalf("expected active run to be canceled once, got %d", atomic.LoadInt32(&canceled))
	}
	select {
	case <-exitCh:
		t.Fatal("expected no exit while canceling active run")
	default:
	}
}
