package permission

import "testing"

func TestCanonicalCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ls -la", "ls -la"},
		{"  rm   -rf    /tmp/x  ", "rm -rf /tmp/x"},
		{"echo 'hello world'", "echo 'hello world'"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := CanonicalCommand(tc.in); got != tc.want {
			t.Errorf("CanonicalCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type fakeRequester struct{}

func (fakeRequester) PermissionRequest(args map[string]any) (Request, bool) {
	command, _ := args["command"].(string)
	return Request{Kind: "BASH", Subject: CanonicalCommand(command)}, true
}

func TestDeriveRequest(t *testing.T) {
	req := DeriveRequest("BASH", map[string]any{"command": " rm  -rf x "}, fakeRequester{})
	if req.Kind != "bash" {
		t.Fatalf("expected lower-cased kind, got %q", req.Kind)
	}
	if req.Subject != "rm -rf x" {
		t.Fatalf("expected canonical subject, got %q", req.Subject)
	}

	req = DeriveRequest("EDIT", map[string]any{"path": "main.go", "old": "a"}, nil)
	if req.Kind != "edit" || req.Subject != "main.go" {
		t.Fatalf("unexpected fallback request %+v", req)
	}

	req = DeriveRequest("PING", nil, nil)
	if req.Subject != "*" {
		t.Fatalf("expected wildcard subject for empty args, got %q", req.Subject)
	}
}
