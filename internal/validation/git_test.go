package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

func initRepo(t *testing.T, commit bool) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	if !commit {
		return dir, repo
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.py"), []byte("print('hi')\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("hello.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "evolvd", Email: "evolvd@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, repo
}

func audit(t *testing.T, g GitReadiness, dir string) []string {
	t.Helper()
	issues, err := g.Audit(context.Background(), project.New(dir, nil))
	require.NoError(t, err)
	return issues
}

func TestGitReadiness_NotARepository(t *testing.T) {
	dir := t.TempDir()
	issues := audit(t, GitReadiness{}, dir)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "is not a git repository")
}

func TestGitReadiness_NoCommits(t *testing.T) {
	dir, _ := initRepo(t, false)
	assert.Equal(t, []string{"repository has no commits"}, audit(t, GitReadiness{}, dir))
}

func TestGitReadiness_Clean(t *testing.T) {
	dir, _ := initRepo(t, true)
	assert.Empty(t, audit(t, GitReadiness{Strict: true}, dir))
}

func TestGitReadiness_DirtyTree(t *testing.T) {
	dir, _ := initRepo(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.py"), []byte("print('changed')\n"), 0o644))

	assert.Empty(t, audit(t, GitReadiness{}, dir), "dirty tree is only reported when strict")

	issues := audit(t, GitReadiness{Strict: true}, dir)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "uncommitted changes")
	assert.Contains(t, issues[0], "hello.py")
}

func TestGitReadiness_Detached(t *testing.T) {
	dir, repo := initRepo(t, true)
	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.HEAD, head.Hash())))

	issues := audit(t, GitReadiness{}, dir)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "HEAD is detached at "+head.Hash().String()[:7])
}

func TestGitReadiness_MergeInProgress(t *testing.T) {
	dir, _ := initRepo(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "MERGE_HEAD"), []byte("0000000000000000000000000000000000000000\n"), 0o644))

	assert.Equal(t, []string{"merge in progress"}, audit(t, GitReadiness{}, dir))
}

func TestGitReadiness_Subdirectory(t *testing.T) {
	dir, _ := initRepo(t, true)
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	assert.Empty(t, audit(t, GitReadiness{}, sub))
}
