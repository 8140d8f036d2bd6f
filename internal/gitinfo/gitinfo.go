// Package gitinfo reads commit metadata for the CI_COMMIT_* job variables.
package gitinfo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Commit holds the metadata exposed to jobs.
type Commit struct {
	SHA         string
	Date        time.Time
	AuthorName  string
	AuthorEmail string
	Branch      string
}

// Short returns the abbreviated commit hash.
func (c Commit) Short() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}

// Env returns the CI_COMMIT_* variables. Every key is present; values are
// empty when the commit is unknown.
func (c Commit) Env() map[string]string {
	date := ""
	if !c.Date.IsZero() {
		date = c.Date.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		"CI_COMMIT_SHA":          c.SHA,
		"CI_COMMIT_SHA_SHORT":    c.Short(),
		"CI_COMMIT_DATE":         date,
		"CI_COMMIT_AUTHOR_NAME":  c.AuthorName,
		"CI_COMMIT_AUTHOR_EMAIL": c.AuthorEmail,
		"CI_COMMIT_BRANCH":       c.Branch,
	}
}

// Read resolves rev (HEAD when empty) in the repository containing dir.
// A directory outside any repository yields a zero Commit and no error.
func Read(dir, rev string) (Commit, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Commit{}, nil
	}
	if err != nil {
		return Commit{}, fmt.Errorf("open repository: %w", err)
	}

	var c Commit
	if rev == "" {
		rev = "HEAD"
		if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
			c.Branch = head.Name().Short()
		}
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// empty repository or unknown revision
		return c, nil
	}
	if err != nil {
		return Commit{}, fmt.Errorf("resolve %s: %w", rev, err)
	}
	obj, err := repo.CommitObject(*hash)
	if err != nil {
		return Commit{}, fmt.Errorf("get commit object: %w", err)
	}

	c.SHA = obj.Hash.String()
	c.Date = obj.Committer.When
	c.AuthorName = obj.Author.Name
	c.AuthorEmail = obj.Author.Email
	return c, nil
}

// Clone checks out rev (the default branch when empty) of the repository at
// src into dest.
func Clone(ctx context.Context, src, dest, rev string) (Commit, error) {
	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{URL: src})
	if err != nil {
		return Commit{}, fmt.Errorf("clone %s: %w", src, err)
	}
	if rev != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return Commit{}, fmt.Errorf("resolve %s: %w", rev, err)
		}
		w, err := repo.Worktree()
		if err != nil {
			return Commit{}, err
		}
		if err := w.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return Commit{}, fmt.Errorf("checkout %s: %w", rev, err)
		}
	}
	return Read(dest, "")
}
