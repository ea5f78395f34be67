package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// GitReadiness checks that the project root is a git repository ready to
// receive a change: on a branch, not mid-merge or mid-rebase, and, when
// strict, with a clean worktree.
type GitReadiness struct {
	Strict bool
}

// Audit implements Auditor.
func (g GitReadiness) Audit(_ context.Context, ws *project.Snapshot) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(ws.Root(), &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []string{fmt.Sprintf("%s is not a git repository", ws.Root())}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	var issues []string
	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		issues = append(issues, "repository has no commits")
	case err != nil:
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	case !head.Name().IsBranch():
		issues = append(issues, fmt.Sprintf("HEAD is detached at %s", head.Hash().String()[:7]))
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to receive a change.
		return append(issues, "repository has no worktree"), nil
	}

	gitDir := filepath.Join(wt.Filesystem.Root(), ".git")
	for _, marker := range []struct{ name, issue string }{
		{"MERGE_HEAD", "merge in progress"},
		{"rebase-merge", "rebase in progress"},
		{"rebase-apply", "rebase in progress"},
		{"CHERRY_PICK_HEAD", "cherry-pick in progress"},
	} {
		if _, err := os.Stat(filepath.Join(gitDir, marker.name)); err == nil {
			issues = append(issues, marker.issue)
		}
	}

	if g.Strict {
		status, err := wt.Status()
		if err != nil {
			return nil, fmt.Errorf("reading worktree status: %w", err)
		}
		if !status.IsClean() {
			var dirty []string
			for path, s := range status {
				if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
					dirty = append(dirty, path)
				}
			}
			sort.Strings(dirty)
			issues = append(issues, fmt.Sprintf("worktree has uncommitted changes: %v", dirty))
		}
	}
	return dedupe(issues), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
