package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// waitDelay bounds how long a cancelled command may keep its output pipes
// open through orphaned grandchildren.
const waitDelay = 500 * time.Millisecond

// Runner executes a single shell command and returns its standard output.
type Runner interface {
	// Run executes command with /bin/sh. A non-zero exit is reported as an
	// *ExitError; spawn and decoding failures as an *IOError.
	Run(ctx context.Context, command string) (string, error)
}

// ExitError reports a command that terminated with a non-zero status.
type ExitError struct {
	Command  string
	Stderr   string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: non-zero exit (%d): %s", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// IOError reports a command that could not be started, or whose output was
// not valid text.
type IOError struct {
	Command string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: i/o error: %v", e.Command, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsExit reports whether err is (or wraps) an *ExitError.
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// Shell implements Runner by running commands through /bin/sh in a fixed
// working directory.
type Shell struct {
	dir    string
	env    []string
	logger *slog.Logger
}

// Option configures a Shell.
type Option func(*Shell)

// WithEnv appends KEY=VALUE pairs to the environment of every command.
func WithEnv(env ...string) Option {
	return func(s *Shell) {
		s.env = append(s.env, env...)
	}
}

// WithLogger sets the logger commands are traced to.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Shell) {
		s.logger = logger
	}
}

// New creates a Shell rooted at dir.
func New(dir string, opts ...Option) *Shell {
	s := &Shell{
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the working directory commands run in.
func (s *Shell) Dir() string {
	return s.dir
}

// Run implements Runner.
func (s *Shell) Run(ctx context.Context, command string) (string, error) {
	s.logger.Debug("exec", "cmd", command, "dir", s.dir)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.dir
	cmd.WaitDelay = waitDelay
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return "", &ExitError{
				Command:  command,
				Stderr:   stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}
		}
		// Killed by a signal (including context cancellation) or never started.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return "", &IOError{Command: command, Err: err}
	}

	if !utf8.Valid(stdout.Bytes()) {
		return "", &IOError{Command: command, Err: errors.New("output is not valid UTF-8")}
	}

	out := stdout.String()
	if out != "" {
		s.logger.Log(ctx, slog.LevelDebug-4, "stdout", "cmd", command, "output", out)
	}
	return out, nil
}

// Quote wraps s in single quotes, escaping any embedded single quotes, so it
// reaches the command as one literal word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes every argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
