// Package github wraps the platform's git data API for the commit engine:
// installation token exchange, content object creation (blobs, trees),
// signed commit creation, and branch reference reads and updates.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/graph"
	"appcommit.dev/appcommit/internal/signing"
)

// CreatedCommit is the remote's view of a commit it just created.
type CreatedCommit struct {
	SHA     string
	HTMLURL string
}

// Client is the interface the commit engine drives. All write operations are
// content-addressed except UpdateBranchHead, which is the single mutable
// point and must never clobber a moved branch.
type Client interface {
	// BranchHead resolves the current commit id of a branch.
	BranchHead(ctx context.Context, branch string) (string, error)

	// CommitTree resolves the root tree id of a commit.
	CommitTree(ctx context.Context, commitSHA string) (string, error)

	// TreeEntries lists the recursive contents of a tree.
	TreeEntries(ctx context.Context, treeSHA string) ([]graph.BaseEntry, error)

	// CreateBlob uploads content and returns its content-addressed id.
	CreateBlob(ctx context.Context, content []byte) (string, error)

	// CreateTree creates one tree object from its direct entries.
	CreateTree(ctx context.Context, entries []graph.TreeEntry) (string, error)

	// CreateCommit creates a commit object, signed by the supplied signer.
	CreateCommit(ctx context.Context, payload signing.Payload, signer signing.Signer) (*CreatedCommit, error)

	// CreateBranchHead creates the branch pointing at sha. Used when the
	// branch does not exist remotely yet.
	CreateBranchHead(ctx context.Context, branch, sha string) error

	// UpdateBranchHead advances the branch to newSHA. With force unset the
	// platform rejects non-fast-forward updates, which surfaces as a
	// ConcurrentUpdateError carrying expectedHead.
	UpdateBranchHead(ctx context.Context, branch, newSHA, expectedHead string, force bool) error
}

// RealClient implements Client against the GitHub API.
type RealClient struct {
	client *github.Client
	owner  string
	repo   string
}

// NewRealClient creates a client authenticated with an installation access
// token. apiURL overrides the API endpoint for GHES or tests; empty means
// the public platform.
func NewRealClient(ctx context.Context, token AccessToken, owner, repo, apiURL string) (*RealClient, error) {
	client, err := newAPIClient(ctx, token.Token, apiURL)
	if err != nil {
		return nil, err
	}
	return &RealClient{client: client, owner: owner, repo: repo}, nil
}

func newAPIClient(ctx context.Context, bearer, apiURL string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: bearer},
	)
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if apiURL != "" {
		parsed, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("invalid API URL %q: %w", apiURL, err)
		}
		if !strings.HasSuffix(parsed.Path, "/") {
			parsed.Path += "/"
		}
		client.BaseURL = parsed
	}
	return client, nil
}

// BranchHead resolves the current commit id of a branch
func (c *RealClient) BranchHead(ctx context.Context, branch string) (string, error) {
	ref, _, err := c.client.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
	if err != nil {
		return "", classify(err)
	}
	if ref.Object == nil || ref.Object.SHA == nil {
		return "", apperrors.NewClientError(0, fmt.Sprintf("ref heads/%s resolved without an object id", branch))
	}
	return ref.Object.GetSHA(), nil
}

// CommitTree resolves the root tree id of a commit
func (c *RealClient) CommitTree(ctx context.Context, commitSHA string) (string, error) {
	commit, _, err := c.client.Git.GetCommit(ctx, c.owner, c.repo, commitSHA)
	if err != nil {
		return "", classify(err)
	}
	if commit.Tree == nil || commit.Tree.SHA == nil {
		return "", apperrors.NewClientError(0, fmt.Sprintf("commit %s resolved without a tree id", commitSHA))
	}
	return commit.Tree.GetSHA(), nil
}

// TreeEntries lists the recursive contents of a tree. A truncated listing
// cannot safely be committed against, so it is an object graph failure.
func (c *RealClient) TreeEntries(ctx context.Context, treeSHA string) ([]graph.BaseEntry, error) {
	tree, _, err := c.client.Git.GetTree(ctx, c.owner, c.repo, treeSHA, true)
	if err != nil {
		classified := classify(err)
		var clientErr *apperrors.ClientError
		if errors.As(classified, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
			return nil, apperrors.NewObjectGraphError("", fmt.Sprintf("base tree %s cannot be resolved remotely", treeSHA))
		}
		return nil, classified
	}
	if tree.GetTruncated() {
		return nil, apperrors.NewObjectGraphError("", fmt.Sprintf("base tree %s is too large to list recursively", treeSHA))
	}

	entries := make([]graph.BaseEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		entries = append(entries, graph.BaseEntry{
			Path: entry.GetPath(),
			Mode: graph.FileMode(entry.GetMode()),
			Type: graph.EntryType(entry.GetType()),
			SHA:  entry.GetSHA(),
		})
	}
	return entries, nil
}

// CreateBlob uploads content and returns its content-addressed id. Content
// is carried base64-encoded so arbitrary bytes survive the JSON transport.
func (c *RealClient) CreateBlob(ctx context.Context, content []byte) (string, error) {
	blob, _, err := c.client.Git.CreateBlob(ctx, c.owner, c.repo, &github.Blob{
		Content:  github.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: github.String("base64"),
	})
	if err != nil {
		return "", classify(err)
	}
	return blob.GetSHA(), nil
}

// CreateTree creates one tree object from its direct entries
func (c *RealClient) CreateTree(ctx context.Context, entries []graph.TreeEntry) (string, error) {
	treeEntries := make([]*github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		treeEntries = append(treeEntries, &github.TreeEntry{
			Path: github.String(e.Name),
			Mode: github.String(string(e.Mode)),
			Type: github.String(string(e.Type)),
			SHA:  github.String(e.SHA),
		})
	}

	tree, _, err := c.client.Git.CreateTree(ctx, c.owner, c.repo, "", treeEntries)
	if err != nil {
		return "", classify(err)
	}
	return tree.GetSHA(), nil
}

// CreateCommit creates the commit object. The signer receives the exact
// canonical payload bytes and its armored output is embedded in the commit's
// signature field by the platform.
func (c *RealClient) CreateCommit(ctx context.Context, payload signing.Payload, signer signing.Signer) (*CreatedCommit, error) {
	if signer == nil {
		return nil, apperrors.NewSigningError("commit creation requires a signer", nil)
	}

	parents := make([]*github.Commit, 0, len(payload.Parents))
	for _, parent := range payload.Parents {
		parents = append(parents, &github.Commit{SHA: github.String(parent)})
	}

	commit := &github.Commit{
		Message: github.String(payload.Message),
		Tree:    &github.Tree{SHA: github.String(payload.TreeSHA)},
		Parents: parents,
		Author: &github.CommitAuthor{
			Name:  github.String(payload.Author.Name),
			Email: github.String(payload.Author.Email),
			Date:  &github.Timestamp{Time: payload.Author.When},
		},
		Committer: &github.CommitAuthor{
			Name:  github.String(payload.Committer.Name),
			Email: github.String(payload.Committer.Email),
			Date:  &github.Timestamp{Time: payload.Committer.When},
		},
	}

	created, _, err := c.client.Git.CreateCommit(ctx, c.owner, c.repo, commit, &github.CreateCommitOptions{
		Signer: signer,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &CreatedCommit{SHA: created.GetSHA(), HTMLURL: created.GetHTMLURL()}, nil
}

// CreateBranchHead creates the branch reference. If the branch sprang into
// existence since it was found missing, the platform rejects the create and
// that race is reported as a ConcurrentUpdateError.
func (c *RealClient) CreateBranchHead(ctx context.Context, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}

	_, _, err := c.client.Git.CreateRef(ctx, c.owner, c.repo, ref)
	if err != nil {
		classified := classify(err)
		var clientErr *apperrors.ClientError
		if errors.As(classified, &clientErr) && clientErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(clientErr.Message), "already exists") {
			return apperrors.NewConcurrentUpdateError("refs/heads/"+branch, "")
		}
		return classified
	}
	return nil
}

// UpdateBranchHead advances the branch pointer. This is the last write of a
// run and the only one that mutates shared state; without force the platform
// only accepts fast-forward updates, so a branch that moved since
// expectedHead was read is reported as a ConcurrentUpdateError, never
// overwritten. Other 422s (unknown object, bad ref) keep their ClientError
// class; only the fast-forward rejection means a race.
func (c *RealClient) UpdateBranchHead(ctx context.Context, branch, newSHA, expectedHead string, force bool) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(newSHA)},
	}

	_, _, err := c.client.Git.UpdateRef(ctx, c.owner, c.repo, ref, force)
	if err != nil {
		classified := classify(err)
		var clientErr *apperrors.ClientError
		if !force && errors.As(classified, &clientErr) &&
			clientErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(clientErr.Message), "fast forward") {
			return apperrors.NewConcurrentUpdateError("refs/heads/"+branch, expectedHead)
		}
		return classified
	}
	return nil
}
