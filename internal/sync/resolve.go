package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/utils/binary"
	"github.com/spf13/afero"

	"github.com/schaermu/gitdrive/internal/git"
	"github.com/schaermu/gitdrive/internal/shell"
)

// resolveConflicts drives a rebase to completion. paused is the error the
// last replay step exited with, nil if it finished cleanly. Each round
// resolves every unmerged file in favor of the replayed local edit and
// continues the rebase, which may stop again on a later commit. The loop
// ends when no unmerged files remain. On failure the rebase is aborted so
// the replica is left on its branch with the local commits intact.
func (e *Engine) resolveConflicts(ctx context.Context, log *slog.Logger, res *Result, paused error) error {
	err := e.resolveRounds(ctx, log, res, paused)
	if err == nil {
		return nil
	}

	log.Error("conflict resolution failed, aborting rebase", "error", err)
	// The abort must run even when ctx was what stopped the resolution.
	if abortErr := e.repo.RebaseAbort(context.WithoutCancel(ctx)); abortErr != nil {
		return errors.Join(err, fmt.Errorf("abort rebase: %w", abortErr))
	}
	return err
}

func (e *Engine) resolveRounds(ctx context.Context, log *slog.Logger, res *Result, paused error) error {
	for round := 1; ; round++ {
		files, err := e.repo.UnmergedFiles(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			// A replay step that stopped without conflicts failed for
			// another reason, e.g. untracked files in the way.
			return paused
		}

		if e.maxRounds > 0 && round > e.maxRounds {
			return fmt.Errorf("%w after %d rounds (unmerged: %s)", ErrNotConverged, e.maxRounds, strings.Join(files, ", "))
		}

		res.Rounds = round
		log.Info("resolving conflicts in favor of local changes", "round", round, "files", len(files))
		for _, file := range files {
			if err := e.resolveFile(ctx, log, file); err != nil {
				return fmt.Errorf("resolve %s: %w", file, err)
			}
			if !slices.Contains(res.Resolved, file) {
				res.Resolved = append(res.Resolved, file)
			}
		}

		paused = e.repo.RebaseContinue(ctx)
		if paused != nil && !shell.IsExit(paused) {
			return paused
		}
	}
}

func (e *Engine) resolveFile(ctx context.Context, log *slog.Logger, file string) error {
	stages, err := e.repo.UnmergedStages(ctx, file)
	if err != nil {
		return err
	}

	switch {
	case !stages[git.StageReplayed]:
		log.Debug("local side deleted file, keeping the deletion", "file", file)
		return e.repo.Remove(ctx, file)
	case !stages[git.StageUpstream]:
		log.Debug("remote side deleted file, keeping the local version", "file", file)
		if err := e.repo.ShowStage(ctx, git.StageReplayed, file, file); err != nil {
			return err
		}
		return e.repo.Add(ctx, file)
	}

	log.Debug("merging file", "file", file)
	scratch := newScratch(file)
	defer e.removeScratch(log, scratch)

	if stages[git.StageBase] {
		if err := e.repo.ShowStage(ctx, git.StageBase, file, scratch.base); err != nil {
			return err
		}
	} else {
		// Added on both sides: merge against an empty ancestor.
		if err := afero.WriteFile(e.fs, e.abs(scratch.base), nil, 0o644); err != nil {
			return fmt.Errorf("create empty ancestor: %w", err)
		}
	}
	if err := e.repo.ShowStage(ctx, git.StageReplayed, file, scratch.ours); err != nil {
		return err
	}
	if err := e.repo.ShowStage(ctx, git.StageUpstream, file, scratch.theirs); err != nil {
		return err
	}

	isBin, err := e.anyBinary(scratch.ours, scratch.theirs)
	if err != nil {
		return err
	}
	if isBin {
		log.Debug("binary conflict, keeping the local version", "file", file)
		if err := e.fs.Rename(e.abs(scratch.ours), e.abs(file)); err != nil {
			return fmt.Errorf("keep local version: %w", err)
		}
		return e.repo.Add(ctx, file)
	}

	// The working file is only replaced once the merge succeeded.
	if err := e.repo.MergeFile(ctx, scratch.ours, scratch.base, scratch.theirs, scratch.merged); err != nil {
		return err
	}
	if err := e.fs.Rename(e.abs(scratch.merged), e.abs(file)); err != nil {
		return fmt.Errorf("replace with merge result: %w", err)
	}
	return e.repo.Add(ctx, file)
}

// anyBinary reports whether any of the given scratch files looks binary,
// using the same NUL byte heuristic as git.
func (e *Engine) anyBinary(paths ...string) (bool, error) {
	for _, p := range paths {
		f, err := e.fs.Open(e.abs(p))
		if err != nil {
			return false, err
		}
		isBin, err := binary.IsBinary(f)
		_ = f.Close()
		if err != nil {
			return false, fmt.Errorf("inspect %s: %w", p, err)
		}
		if isBin {
			return true, nil
		}
	}
	return false, nil
}

// scratch holds the paths, relative to the working tree, of the three
// versions extracted from an unmerged entry and of the merge result. They
// live next to the file and only for the duration of its resolution.
type scratch struct {
	base, ours, theirs, merged string
}

// ScratchMarker is part of the name of every scratch file written while
// resolving conflicts.
const ScratchMarker = ".gitdrive-"

func newScratch(file string) scratch {
	return scratch{
		base:   file + ScratchMarker + "base",
		ours:   file + ScratchMarker + "ours",
		theirs: file + ScratchMarker + "theirs",
		merged: file + ScratchMarker + "merged",
	}
}

func (e *Engine) removeScratch(log *slog.Logger, s scratch) {
	for _, p := range []string{s.base, s.ours, s.theirs, s.merged} {
		if err := e.fs.Remove(e.abs(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove scratch file", "path", p, "error", err)
		}
	}
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.cfg.Dir, rel)
}
