package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/gitdrive/internal/shell"
)

// Stage identifies one side of an unmerged index entry.
type Stage int

const (
	// StageBase is the common ancestor.
	StageBase Stage = 1
	// StageUpstream is HEAD. During a rebase HEAD is the rewritten upstream
	// history, which git itself calls "ours".
	StageUpstream Stage = 2
	// StageReplayed is the commit being replayed. During a rebase that is
	// the local edit, which git itself calls "theirs".
	StageReplayed Stage = 3
)

// ParseError reports command output that could not be interpreted.
type ParseError struct {
	Command string
	Output  string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: cannot parse output %q: %v", e.Command, e.Output, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Repo issues git commands against a working tree through a shell.Runner.
// Every path and ref argument is shell-quoted.
type Repo struct {
	sh shell.Runner
}

// NewRepo creates a Repo that runs its commands through sh.
func NewRepo(sh shell.Runner) *Repo {
	return &Repo{sh: sh}
}

func (r *Repo) run(ctx context.Context, format string, args ...any) (string, error) {
	return r.sh.Run(ctx, fmt.Sprintf(format, args...))
}

// Checkout switches the working tree to branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "git checkout --quiet %s", shell.Quote(branch))
	return err
}

// ModifiedFiles lists tracked files whose working copy differs from the index.
func (r *Repo) ModifiedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "git ls-files --modified -z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// Stage adds the current content of files to the index. Deleted files are
// staged as deletions.
func (r *Repo) Stage(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := r.run(ctx, "git add --update -- %s", shell.Join(files...))
	return err
}

// Add marks files as resolved.
func (r *Repo) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := r.run(ctx, "git add -- %s", shell.Join(files...))
	return err
}

// Remove deletes file from the index and the working tree.
func (r *Repo) Remove(ctx context.Context, file string) error {
	_, err := r.run(ctx, "git rm --force --quiet -- %s", shell.Quote(file))
	return err
}

// Commit records the index with message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	_, err := r.run(ctx, "git commit --quiet -m %s", shell.Quote(message))
	return err
}

// Reachable lists the remote's branches as a connectivity probe. Any
// failure counts as unreachable.
func (r *Repo) Reachable(ctx context.Context, remote string) bool {
	_, err := r.run(ctx, "git ls-remote --heads %s", shell.Quote(remote))
	return err == nil
}

// Fetch updates the remote-tracking ref of branch.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "git fetch --quiet %s %s", shell.Quote(remote), shell.Quote(branch))
	return err
}

// CountCommits returns the number of commits reachable from to but not from
// from.
func (r *Repo) CountCommits(ctx context.Context, from, to string) (int, error) {
	cmd := fmt.Sprintf("git rev-list --count %s", shell.Quote(from+".."+to))
	out, err := r.sh.Run(ctx, cmd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, &ParseError{Command: cmd, Output: out, Err: err}
	}
	return n, nil
}

// Rebase replays the current branch onto upstream. A non-zero exit may
// leave a paused rebase with unmerged files behind.
func (r *Repo) Rebase(ctx context.Context, upstream string) error {
	_, err := r.run(ctx, "git rebase %s", shell.Quote(upstream))
	return err
}

// RebaseContinue resumes a paused rebase without opening an editor.
func (r *Repo) RebaseContinue(ctx context.Context) error {
	_, err := r.run(ctx, "GIT_EDITOR=true git rebase --continue")
	return err
}

// RebaseAbort abandons a paused rebase and restores the original branch.
func (r *Repo) RebaseAbort(ctx context.Context) error {
	_, err := r.run(ctx, "git rebase --abort")
	return err
}

// UnmergedFiles lists the paths currently marked unmerged in the index.
func (r *Repo) UnmergedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "git diff --name-only --diff-filter=U -z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// UnmergedStages reports which stages the unmerged entry of file holds.
func (r *Repo) UnmergedStages(ctx context.Context, file string) (map[Stage]bool, error) {
	cmd := fmt.Sprintf("git ls-files --unmerged -z -- %s", shell.Quote(file))
	out, err := r.sh.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	stages := make(map[Stage]bool, 3)
	for _, entry := range splitNUL(out) {
		// <mode> SP <object> SP <stage> TAB <path>
		meta, _, ok := strings.Cut(entry, "\t")
		fields := strings.Fields(meta)
		if !ok || len(fields) != 3 {
			return nil, &ParseError{Command: cmd, Output: out, Err: fmt.Errorf("malformed entry %q", entry)}
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 1 || n > 3 {
			return nil, &ParseError{Command: cmd, Output: out, Err: fmt.Errorf("bad stage in %q", entry)}
		}
		stages[Stage(n)] = true
	}
	return stages, nil
}

// ShowStage writes the given stage of file to dest.
func (r *Repo) ShowStage(ctx context.Context, stage Stage, file, dest string) error {
	_, err := r.run(ctx, "git show %s > %s", shell.Quote(fmt.Sprintf(":%d:%s", stage, file)), shell.Quote(dest))
	return err
}

// MergeFile three-way merges base->ours and base->theirs into dest. Regions
// where both sides changed the same lines take the ours side verbatim.
func (r *Repo) MergeFile(ctx context.Context, ours, base, theirs, dest string) error {
	_, err := r.run(ctx, "git merge-file -p --ours %s > %s", shell.Join(ours, base, theirs), shell.Quote(dest))
	return err
}

// Push publishes branch to remote.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "git push --quiet %s %s", shell.Quote(remote), shell.Quote(branch))
	return err
}

func splitNUL(out string) []string {
	var items []string
	seen := make(map[string]bool)
	for _, item := range strings.Split(out, "\x00") {
		item = strings.TrimRight(item, "\n")
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		items = append(items, item)
	}
	return items
}
