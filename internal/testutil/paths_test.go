package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if root == "" {
		t.Fatal("FindProjectRoot returned empty string")
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestFindUp_NotFound(t *testing.T) {
	if _, err := findUp(t.TempDir(), "no-such-marker-file"); err == nil {
		t.Fatal("expected error for missing marker")
	}
}

func TestNewReplica(t *testing.T) {
	r := NewReplica(t)

	if got := ReadFile(t, r.Local, "notes.txt"); got != "line 1\nline 2\nline 3\n" {
		t.Fatalf("unexpected seed content %q", got)
	}
	if head := Git(t, r.Local, "rev-parse", "--abbrev-ref", "HEAD"); head != Branch {
		t.Fatalf("expected clone on %s, got %s", Branch, head)
	}

	r.PushEdit(t, "other", "notes.txt", "changed\n", "remote edit")
	remoteHead := Git(t, r.Remote, "rev-parse", Branch)
	localHead := Git(t, r.Local, "rev-parse", Branch)
	if remoteHead == localHead {
		t.Fatal("expected remote to move ahead of local clone")
	}
}
