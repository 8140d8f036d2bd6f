package gitinfo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("README.md")
	require.NoError(t, err)

	when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	hash, err := w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Ada", Email: "ada@example.com", When: when},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestReadHead(t *testing.T) {
	dir, sha := initRepo(t)
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))

	c, err := Read(sub, "")
	require.NoError(t, err)
	assert.Equal(t, sha, c.SHA)
	assert.Equal(t, sha[:7], c.Short())
	assert.Equal(t, "Ada", c.AuthorName)
	assert.NotEmpty(t, c.Branch)

	env := c.Env()
	assert.Equal(t, "ada@example.com", env["CI_COMMIT_AUTHOR_EMAIL"])
	assert.Equal(t, "2024-05-06T07:08:09Z", env["CI_COMMIT_DATE"])
}

func TestReadRevision(t *testing.T) {
	dir, sha := initRepo(t)
	c, err := Read(dir, sha)
	require.NoError(t, err)
	assert.Equal(t, sha, c.SHA)
	assert.Empty(t, c.Branch)
}

func TestReadOutsideRepository(t *testing.T) {
	c, err := Read(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, Commit{}, c)

	env := c.Env()
	assert.Contains(t, env, "CI_COMMIT_SHA")
	assert.Empty(t, env["CI_COMMIT_SHA"])
	assert.Empty(t, env["CI_COMMIT_DATE"])
}

func TestClone(t *testing.T) {
	src, sha := initRepo(t)
	dest := filepath.Join(t.TempDir(), "ws")

	c, err := Clone(context.Background(), src, dest, sha)
	require.NoError(t, err)
	assert.Equal(t, sha, c.SHA)
	assert.FileExists(t, filepath.Join(dest, "README.md"))
}
