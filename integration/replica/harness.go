//go:build integration

package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/schaermu/gitdrive/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the compiled gitdrive binary against replicas on disk.
type Harness struct {
	t      *testing.T
	binary string
}

// NewHarness builds the binary into a temp directory.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "gitdrive")
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/gitdrive")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("build gitdrive: %v", err)
	}

	return &Harness{t: t, binary: binary}
}

// Result is the outcome of one gitdrive invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes gitdrive with args and waits for it to exit.
func (h *Harness) Run(ctx context.Context, args ...string) (Result, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[gitdrive] "})

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("exec failed: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// MustRun executes gitdrive and fails the test unless it exits with 0.
func (h *Harness) MustRun(ctx context.Context, args ...string) Result {
	h.t.Helper()
	res, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if res.ExitCode != 0 {
		h.t.Fatalf("gitdrive %s failed with exit code %d\nstderr: %s",
			strings.Join(args, " "), res.ExitCode, res.Stderr)
	}
	return res
}

// Start launches a long-running gitdrive and returns a function that stops
// it with SIGTERM and waits for it to exit.
func (h *Harness) Start(ctx context.Context, args ...string) (stop func() error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[watch] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[watch] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start gitdrive: %v", err)
	}

	return func() error {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal gitdrive: %w", err)
		}
		return cmd.Wait()
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
