package sync

import (
	"errors"
	"fmt"
)

// Precondition failures reported by New. Each is wrapped in a
// *PreconditionError naming the offending path, remote or branch.
var (
	ErrNoSuchDirectory = errors.New("no such directory")
	ErrNotRepository   = errors.New("not a version-controlled directory")
	ErrRemoteNotFound  = errors.New("remote not found")
	ErrBranchNotFound  = errors.New("branch not found")
)

// ErrNotConverged is returned when conflict resolution exceeds its round cap.
var ErrNotConverged = errors.New("conflict resolution did not converge")

// PreconditionError reports a replica that cannot be synced.
type PreconditionError struct {
	Subject string
	Err     error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Subject, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Stage names one step of a sync cycle.
type Stage string

const (
	StageCommit    Stage = "commit"
	StageProbe     Stage = "probe"
	StageIntegrate Stage = "integrate"
	StageResolve   Stage = "resolve"
	StagePublish   Stage = "publish"
)

// StageError reports the stage a cycle failed in and the underlying cause,
// typically a *shell.ExitError, *shell.IOError or *git.ParseError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage err was raised in, if any.
func FailedStage(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
