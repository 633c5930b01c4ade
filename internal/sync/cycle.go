package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/gitdrive/internal/shell"
)

// Sync runs one cycle: commit local edits, probe the remote, rebase onto
// remote edits resolving conflicts in favor of the local side, and push.
// An unreachable remote ends the cycle early without error; local commits
// stay for a later cycle. Any other failure aborts the remaining stages and
// is returned as a *StageError.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	res := &Result{
		ID:      uuid.NewString(),
		Started: e.clock.Now(),
	}
	defer func() {
		res.Finished = e.clock.Now()
	}()

	log := e.logger.With("cycle_id", res.ID)
	log.Info("syncing", "dir", e.cfg.Dir, "upstream", e.upstream())

	if err := e.commitLocal(ctx, log, res); err != nil {
		return res, &StageError{Stage: StageCommit, Err: err}
	}

	res.Reachable = e.repo.Reachable(ctx, e.cfg.Remote)
	if err := ctx.Err(); err != nil {
		return res, &StageError{Stage: StageProbe, Err: err}
	}
	if !res.Reachable {
		log.Info("remote unreachable, keeping local commits for a later cycle", "remote", e.cfg.Remote)
		return res, nil
	}

	if err := e.integrate(ctx, log, res); err != nil {
		return res, err
	}

	if err := e.publish(ctx, log, res); err != nil {
		return res, &StageError{Stage: StagePublish, Err: err}
	}

	log.Info("sync completed",
		"committed", res.Committed,
		"incoming", res.Incoming,
		"outgoing", res.Outgoing,
		"resolved", len(res.Resolved))
	return res, nil
}

func (e *Engine) commitLocal(ctx context.Context, log *slog.Logger, res *Result) error {
	if err := e.repo.Checkout(ctx, e.cfg.Branch); err != nil {
		return err
	}

	modified, err := e.repo.ModifiedFiles(ctx)
	if err != nil {
		return err
	}
	if len(modified) == 0 {
		log.Info("no local changes")
		return nil
	}

	log.Info("committing local changes", "files", len(modified))
	if err := e.repo.Stage(ctx, modified...); err != nil {
		return err
	}
	if err := e.repo.Commit(ctx, e.commitMessage()); err != nil {
		return err
	}
	res.Committed = true
	return nil
}

// commitMessage tags a commit with the replica identity and the current UTC
// time in RFC 3339, which sorts lexically.
func (e *Engine) commitMessage() string {
	return fmt.Sprintf("%s: %s", e.cfg.Identity, e.clock.Now().UTC().Format(time.RFC3339))
}

func (e *Engine) integrate(ctx context.Context, log *slog.Logger, res *Result) error {
	log.Debug("fetching remote changes")
	if err := e.repo.Fetch(ctx, e.cfg.Remote, e.cfg.Branch); err != nil {
		return &StageError{Stage: StageIntegrate, Err: err}
	}

	incoming, err := e.repo.CountCommits(ctx, e.cfg.Branch, e.upstream())
	if err != nil {
		return &StageError{Stage: StageIntegrate, Err: err}
	}
	res.Incoming = incoming
	if incoming == 0 {
		log.Info("no remote changes")
		return nil
	}

	log.Info("rebasing onto remote changes", "commits", incoming)
	paused := e.repo.Rebase(ctx, e.upstream())
	if paused != nil && !shell.IsExit(paused) {
		return &StageError{Stage: StageIntegrate, Err: paused}
	}

	if err := e.resolveConflicts(ctx, log, res, paused); err != nil {
		return &StageError{Stage: StageResolve, Err: err}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, log *slog.Logger, res *Result) error {
	outgoing, err := e.repo.CountCommits(ctx, e.upstream(), e.cfg.Branch)
	if err != nil {
		return err
	}
	res.Outgoing = outgoing
	if outgoing == 0 {
		log.Info("nothing to push")
		return nil
	}

	log.Info("pushing local changes", "commits", outgoing)
	if err := e.repo.Push(ctx, e.cfg.Remote, e.cfg.Branch); err != nil {
		return err
	}
	res.Pushed = true
	return nil
}
