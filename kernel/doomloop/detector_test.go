package doomloop

import "testing"

func TestDetector_RepeatedCallFlagsAtThreshold(t *testing.T) {
	d := New(Config{Window: 10, Threshold: 3})
	args := map[string]any{"path": "main.go"}

	d.ObserveCall("READ", args)
	d.ObserveCall("READ", args)
	if d.Check() {
		t.Fatal("second occurrence must not flag with threshold 3")
	}
	d.ObserveCall("READ", args)
	if !d.Check() {
		t.Fatal("third occurrence within the window must flag")
	}
}

func TestDetector_DifferentArgsDoNotFlag(t *testing.T) {
	d := New(Config{Window: 10, Threshold: 3})
	d.ObserveCall("READ", map[string]any{"path": "a.go"})
	d.ObserveCall("READ", map[string]any{"path": "b.go"})
	d.ObserveCall("READ", map[string]any{"path": "c.go"})
	d.ObserveCall("READ", map[string]any{"path": "d.go"})
	if d.Check() {
		t.Fatal("repeated reads of different files are benign")
	}
}

func TestDetector_WindowEviction(t *testing.T) {
	d := New(Config{Window: 3, Threshold: 2})
	d.ObserveCall("BASH", map[string]any{"command": "go test"})
	d.ObserveCall("READ", map[string]any{"path": "a.go"})
	d.ObserveCall("READ", map[string]any{"path": "b.go"})
	// The first BASH signature has been evicted by now.
	d.ObserveCall("BASH", map[string]any{"command": "go test"})
	if d.Check() {
		t.Fatal("occurrences separated by more than the window must not flag")
	}
}

func TestDetector_SignatureIgnoresKeyOrder(t *testing.T) {
	a := Signature("EDIT", map[string]any{"path": "x", "old": "1", "new": "2"})
	b := Signature("EDIT", map[string]any{"new": "2", "old": "1", "path": "x"})
	if a != b {
		t.Fatalf("signatures differ across key order: %q vs %q", a, b)
	}
}

func TestDetector_RepeatedTextFlags(t *testing.T) {
	d := New(Config{TextRepeats: 3})
	long := "I will now read the file and check the implementation details."
	d.ObserveText(long)
	d.ObserveText(long)
	if d.Check() {
		t.Fatal("two repeats must not flag with TextRepeats 3")
	}
	d.ObserveText("  " + long + " ")
	if !d.Check() {
		t.Fatal("three near-identical texts must flag")
	}
}

func TestDetector_ToolCallBreaksTextRun(t *testing.T) {
	d := New(Config{TextRepeats: 2})
	long := "Looking into the failing test case for the session store now."
	d.ObserveText(long)
	d.ObserveCall("READ", map[string]any{"path": "store.go"})
	d.ObserveText(long)
	if d.Check() {
		t.Fatal("a tool call between identical texts is progress")
	}
}

func TestDetector_Reset(t *testing.T) {
	d := New(Config{Window: 10, Threshold: 2})
	args := map[string]any{"command": "ls"}
	d.ObserveCall("BASH", args)
	d.ObserveCall("BASH", args)
	if !d.Check() {
		t.Fatal("expected flag before reset")
	}
	d.Reset()
	if d.Check() {
		t.Fatal("reset must clear all observed state")
	}
}
