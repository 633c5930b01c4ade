package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Branch is the branch every fixture repository is created with.
const Branch = "master"

// Replica is a bare "remote" repository plus a working clone of it, both
// living under a test's temp directory.
type Replica struct {
	Root   string // temp dir holding everything
	Remote string // bare repository, registered as "origin" in Local
	Local  string // working tree under test
}

// Git runs git in dir and fails the test on error. It returns trimmed stdout.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %s (in %s): %v: %s", strings.Join(args, " "), dir, err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// NewReplica creates a bare remote seeded with notes.txt and a clone of it.
func NewReplica(t testing.TB) *Replica {
	t.Helper()

	root := t.TempDir()
	r := &Replica{
		Root:   root,
		Remote: filepath.Join(root, "remote.git"),
	}

	Git(t, root, "init", "--quiet", "--bare", r.Remote)
	Git(t, r.Remote, "symbolic-ref", "HEAD", "refs/heads/"+Branch)

	seed := r.Clone(t, "seed")
	WriteFile(t, seed, "notes.txt", "line 1\nline 2\nline 3\n")
	Git(t, seed, "add", "notes.txt")
	Git(t, seed, "commit", "--quiet", "-m", "initial")
	Git(t, seed, "push", "--quiet", "origin", Branch)

	r.Local = r.Clone(t, "local")
	return r
}

// Clone makes another configured working copy of the remote under Root.
func (r *Replica) Clone(t testing.TB, name string) string {
	t.Helper()
	dir := filepath.Join(r.Root, name)
	Git(t, r.Root, "clone", "--quiet", r.Remote, dir)
	ConfigureIdentity(t, dir)
	// The seed clone of an empty remote has no branch yet.
	if Git(t, dir, "branch", "--list", Branch) == "" {
		Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/"+Branch)
	}
	return dir
}

// ConfigureIdentity sets a committer identity local to the repository in dir.
func ConfigureIdentity(t testing.TB, dir string) {
	t.Helper()
	Git(t, dir, "config", "user.name", "gitdrive test")
	Git(t, dir, "config", "user.email", "test@gitdrive.invalid")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// PushEdit commits content to name in a fresh clone and pushes it, simulating
// an edit made on another machine.
func (r *Replica) PushEdit(t testing.TB, clone, name, content, msg string) {
	t.Helper()
	dir := filepath.Join(r.Root, clone)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.Clone(t, clone)
	} else {
		Git(t, dir, "pull", "--quiet", "--rebase", "origin", Branch)
	}
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "--quiet", "-m", msg)
	Git(t, dir, "push", "--quiet", "origin", Branch)
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of dir/name.
func ReadFile(t testing.TB, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
