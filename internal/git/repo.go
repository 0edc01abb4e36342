// Package git reads the local repository state the commit engine needs: the
// branch head, the base tree, and the staged changes. It only ever reads;
// the engine never mutates local repository state.
package git

import (
	"fmt"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
)

// Repository wraps a go-git repository
type Repository struct {
	repo *gogit.Repository
	path string
}

// OpenRepository opens a git repository at or above the given path
func OpenRepository(path string) (*Repository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	repo, err := gogit.PlainOpenWithOptions(absPath, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", absPath, err)
	}

	return &Repository{repo: repo, path: absPath}, nil
}

// HeadBranch returns the short name of the branch HEAD is on
func (r *Repository) HeadBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is not on a branch (detached at %s)", head.Hash())
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the commit id HEAD points at
func (r *Repository) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// BaseTreeSHA returns the root tree id of the HEAD commit
func (r *Repository) BaseTreeSHA() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD commit %s: %w", head.Hash(), err)
	}
	return commit.TreeHash.String(), nil
}
