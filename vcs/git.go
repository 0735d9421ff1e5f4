// Package vcs answers read-only questions about the working repository:
// current branch, revision, and whether the worktree has drifted. The
// orchestrator treats these as advisory inputs for resume decisions.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// Info describes the repository state at a point in time.
type Info struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
	Dirty    bool   `json:"dirty"`
}

// Inspector reports repository state. The interface keeps the executor
// testable without a real repository on disk.
type Inspector interface {
	Inspect(path string) (Info, error)
}

// GitInspector is the go-git backed Inspector.
type GitInspector struct{}

// NewGitInspector returns an Inspector reading local git metadata.
func NewGitInspector() *GitInspector {
	return &GitInspector{}
}

// Inspect opens the repository containing path and reports its HEAD branch,
// revision, and worktree cleanliness. A directory that is not a repository
// returns ErrNotRepository.
func (g *GitInspector) Inspect(path string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, ErrNotRepository
		}
		return Info{}, fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return Info{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	info := Info{Revision: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Info{}, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read worktree status: %w", err)
	}
	info.Dirty = !status.IsClean()

	return info, nil
}

// ErrNotRepository indicates the path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// NullInspector reports empty Info. Used when the workspace is not under
// version control.
type NullInspector struct{}

func NewNullInspector() *NullInspector {
	return &NullInspector{}
}

func (n *NullInspector) Inspect(path string) (Info, error) {
	return Info{}, nil
}
