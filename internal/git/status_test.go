package git_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"appcommit.dev/appcommit/internal/git"
	"appcommit.dev/appcommit/internal/graph"
)

func testSignature() *object.Signature {
	return &object.Signature{
		Name:  "Test Author",
		Email: "author@example.com",
		When:  time.Now(),
	}
}

// initTestRepo creates a repository with an initial commit containing
// foo = "a" and sub/baz = "keep".
func initTestRepo(t *testing.T) (string, *gogit.Worktree) {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	worktree, err := repo.Worktree()
	require.NoError(t, err)

	writeFile(t, dir, "foo", "a")
	writeFile(t, dir, filepath.Join("sub", "baz"), "keep")
	_, err = worktree.Add("foo")
	require.NoError(t, err)
	_, err = worktree.Add(filepath.Join("sub", "baz"))
	require.NoError(t, err)
	_, err = worktree.Commit("initial", &gogit.CommitOptions{Author: testSignature()})
	require.NoError(t, err)

	return dir, worktree
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRepository(t *testing.T) {
	dir, _ := initTestRepo(t)

	repo, err := git.OpenRepository(dir)
	require.NoError(t, err)

	t.Run("resolves the head branch", func(t *testing.T) {
		branch, err := repo.HeadBranch()
		require.NoError(t, err)
		require.Equal(t, "master", branch)
	})

	t.Run("resolves head commit and base tree", func(t *testing.T) {
		head, err := repo.HeadCommit()
		require.NoError(t, err)
		require.Len(t, head, 40)

		tree, err := repo.BaseTreeSHA()
		require.NoError(t, err)
		require.Len(t, tree, 40)
		require.NotEqual(t, head, tree)
	})
}

func TestStagedEntries(t *testing.T) {
	t.Run("clean staging area yields nothing", func(t *testing.T) {
		dir, _ := initTestRepo(t)
		repo, err := git.OpenRepository(dir)
		require.NoError(t, err)

		entries, err := repo.StagedEntries()
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("reports additions and modifications with content", func(t *testing.T) {
		dir, worktree := initTestRepo(t)

		writeFile(t, dir, "foo", "ab")
		writeFile(t, dir, "bar", "b")
		_, err := worktree.Add("foo")
		require.NoError(t, err)
		_, err = worktree.Add("bar")
		require.NoError(t, err)

		repo, err := git.OpenRepository(dir)
		require.NoError(t, err)
		entries, err := repo.StagedEntries()
		require.NoError(t, err)

		require.Len(t, entries, 2)
		require.Equal(t, "bar", entries[0].Path)
		require.Equal(t, []byte("b"), entries[0].Content)
		require.Equal(t, graph.ModeBlob, entries[0].Mode)
		require.False(t, entries[0].Tombstone)
		require.Equal(t, "foo", entries[1].Path)
		require.Equal(t, []byte("ab"), entries[1].Content)
	})

	t.Run("staged content wins over later worktree edits", func(t *testing.T) {
		dir, worktree := initTestRepo(t)

		writeFile(t, dir, "foo", "staged")
		_, err := worktree.Add("foo")
		require.NoError(t, err)
		// Edit again without staging; the staged content must be reported.
		writeFile(t, dir, "foo", "not staged")

		repo, err := git.OpenRepository(dir)
		require.NoError(t, err)
		entries, err := repo.StagedEntries()
		require.NoError(t, err)

		require.Len(t, entries, 1)
		require.Equal(t, []byte("staged"), entries[0].Content)
	})

	t.Run("reports tracked paths removed from the index as tombstones", func(t *testing.T) {
		dir, worktree := initTestRepo(t)

		_, err := worktree.Remove(filepath.Join("sub", "baz"))
		require.NoError(t, err)

		repo, err := git.OpenRepository(dir)
		require.NoError(t, err)
		entries, err := repo.StagedEntries()
		require.NoError(t, err)

		require.Len(t, entries, 1)
		require.Equal(t, "sub/baz", entries[0].Path)
		require.True(t, entries[0].Tombstone)
		require.Nil(t, entries[0].Content)
	})
}
