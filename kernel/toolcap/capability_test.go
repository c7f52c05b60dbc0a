package toolcap

import "testing"

type capTool struct {
	cap Capability
}

func (t capTool) Capability() Capability { return t.cap }

func TestOf(t *testing.T) {
	if got := Of(nil); got.Risk != RiskUnknown {
		t.Fatalf("expected unknown risk for nil, got %q", got.Risk)
	}
	if got := Of(struct{}{}); got.Risk != RiskUnknown {
		t.Fatalf("expected unknown risk for non-provider, got %q", got.Risk)
	}
	got := Of(capTool{cap: Capability{
		Operations: []Operation{OperationExec, OperationExec, ""},
	}})
	if len(got.Operations) != 1 || got.Operations[0] != OperationExec {
		t.Fatalf("expected deduplicated operations, got %v", got.Operations)
	}
	if got.Risk != RiskUnknown {
		t.Fatalf("expected defaulted risk, got %q", got.Risk)
	}
}

func TestPermittedBy(t *testing.T) {
	readOnly := []Operation{OperationFileRead, OperationUserIO}

	read := Capability{Operations: []Operation{OperationFileRead}}
	if !read.PermittedBy(readOnly) {
		t.Fatal("file_read tool must pass a read-only filter")
	}
	edit := Capability{Operations: []Operation{OperationFileRead, OperationFileWrite}}
	if edit.PermittedBy(readOnly) {
		t.Fatal("file_write tool must not pass a read-only filter")
	}
	unknown := Capability{}
	if unknown.PermittedBy(readOnly) {
		t.Fatal("undeclared tools must not pass a restricted filter")
	}
	if !unknown.PermittedBy(nil) {
		t.Fatal("nil filter permits everything")
	}
}
