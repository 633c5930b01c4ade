package git

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Refs answers questions about a repository's references without spawning
// git. Loose and packed refs are both visible.
type Refs struct {
	repo *gogit.Repository
}

// OpenRefs opens the repository whose metadata lives in dir/.git.
func OpenRefs(dir string) (*Refs, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return &Refs{repo: repo}, nil
}

// HasRemote reports whether at least one remote-tracking ref exists for
// remote, i.e. something under refs/remotes/<remote>/.
func (r *Refs) HasRemote(remote string) (bool, error) {
	iter, err := r.repo.References()
	if err != nil {
		return false, fmt.Errorf("list references: %w", err)
	}
	defer iter.Close()

	prefix := "refs/remotes/" + remote + "/"
	found := false
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if strings.HasPrefix(ref.Name().String(), prefix) {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("list references: %w", err)
	}
	return found, nil
}

// HasBranch reports whether refs/heads/<branch> exists.
func (r *Refs) HasBranch(branch string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read branch %s: %w", branch, err)
	}
	return true, nil
}
