package cli

import (
	"context"

	"appcommit.dev/appcommit/internal/config"
	"appcommit.dev/appcommit/internal/engine"
	"appcommit.dev/appcommit/internal/git"
	"appcommit.dev/appcommit/internal/github"
	"appcommit.dev/appcommit/internal/output"
	"appcommit.dev/appcommit/internal/signing"
)

// runCommit wires the collaborators and runs the engine once. The signer is
// constructed before anything touches the network so unusable key material
// fails fast.
func runCommit(ctx context.Context, cfg *config.Config, repoPath string, splog *output.Splog) (*engine.Result, error) {
	signer, err := signing.New(cfg.Scheme, cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	repo, err := git.OpenRepository(repoPath)
	if err != nil {
		return nil, err
	}
	owner, repoName, err := repo.OriginOwnerRepo()
	if err != nil {
		return nil, err
	}

	branch := cfg.Branch
	if branch == "" {
		branch, err = repo.HeadBranch()
		if err != nil {
			return nil, err
		}
	}
	// The local HEAD serves as the base when the target branch does not
	// exist remotely yet; the run then creates the branch from it.
	baseSHA, err := repo.HeadCommit()
	if err != nil {
		return nil, err
	}
	splog.Debug("committing to %s/%s on %s", owner, repoName, branch)

	exchange := func(ctx context.Context) (github.AccessToken, error) {
		return github.ExchangeToken(ctx, cfg.Credentials, cfg.APIURL)
	}
	newClient := func(ctx context.Context, token github.AccessToken) (github.Client, error) {
		return github.NewRealClient(ctx, token, owner, repoName, cfg.APIURL)
	}

	eng := engine.New(exchange, newClient, repo, signer, splog, engine.Options{
		Branch:    branch,
		Message:   cfg.Message,
		Author:    cfg.Author,
		Committer: cfg.Author,
		Force:     cfg.Force,
		BaseSHA:   baseSHA,
	})
	return eng.Run(ctx)
}
