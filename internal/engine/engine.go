package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/github"
	"appcommit.dev/appcommit/internal/graph"
	"appcommit.dev/appcommit/internal/output"
	"appcommit.dev/appcommit/internal/signing"
)

// Step identifies where in the run a failure occurred.
type Step string

const (
	StepAuthenticating Step = "authenticating"
	StepBuildingTree   Step = "building-tree"
	StepCreatingBlobs  Step = "creating-blobs"
	StepCreatingTree   Step = "creating-tree"
	StepSigningCommit  Step = "signing-commit"
	StepCreatingCommit Step = "creating-commit"
	StepUpdatingRef    Step = "updating-ref"
)

// StepError annotates a failure with the state-machine step it occurred in.
// The underlying error is propagated verbatim; errors.Is/As reach through.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step Step, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// StagingArea supplies the staged changes to commit. Implemented by the
// local repository reader; fabricated directly in tests.
type StagingArea interface {
	StagedEntries() ([]graph.StagedEntry, error)
}

// ClientFactory builds the platform client once an access token is held.
type ClientFactory func(ctx context.Context, token github.AccessToken) (github.Client, error)

// TokenExchanger trades app credentials for an installation access token.
type TokenExchanger func(ctx context.Context) (github.AccessToken, error)

// Options configures a single run.
type Options struct {
	Branch    string
	Message   string
	Author    signing.Identity
	Committer signing.Identity

	// Force skips the fast-forward precondition on the ref update. Off by
	// default; with it off a branch that moved mid-run is never overwritten.
	Force bool

	// BaseSHA is the commit to build on when the branch does not exist
	// remotely; the run then finishes by creating the branch instead of
	// advancing it. Typically the local HEAD. Empty disables the create
	// path and a missing branch fails the run.
	BaseSHA string

	// MaxAttempts caps tries per network call (transient failures only).
	MaxAttempts int
	// CallTimeout bounds each individual network call.
	CallTimeout time.Duration
	// InitialBackoff is the first retry delay; it grows exponentially.
	InitialBackoff time.Duration
	// BlobConcurrency caps parallel blob uploads. Blob creation is
	// content-addressed and order-independent, so uploads are safe to
	// overlap; trees are never parallelized.
	BlobConcurrency int
}

// Result describes a completed run.
type Result struct {
	CommitSHA    string
	CommitURL    string
	TreeSHA      string
	PreviousHead string
	BlobsCreated int
	TreesCreated int
}

// Engine orchestrates one signed-commit run.
type Engine struct {
	exchange  TokenExchanger
	newClient ClientFactory
	staging   StagingArea
	signer    signing.Signer
	log       *output.Splog
	opts      Options
}

// New assembles an engine. All collaborators are required; signing is
// integral, so a nil signer is rejected at the first use.
func New(exchange TokenExchanger, newClient ClientFactory, staging StagingArea, signer signing.Signer, log *output.Splog, opts Options) *Engine {
	return &Engine{
		exchange:  exchange,
		newClient: newClient,
		staging:   staging,
		signer:    signer,
		log:       log,
		opts:      opts,
	}
}

func (e *Engine) maxAttempts() int {
	if e.opts.MaxAttempts > 0 {
		return e.opts.MaxAttempts
	}
	return defaultMaxAttempts
}

func (e *Engine) callTimeout() time.Duration {
	if e.opts.CallTimeout > 0 {
		return e.opts.CallTimeout
	}
	return defaultCallTimeout
}

func (e *Engine) initialBackoff() time.Duration {
	if e.opts.InitialBackoff > 0 {
		return e.opts.InitialBackoff
	}
	return defaultInitialBackoff
}

func (e *Engine) blobConcurrency() int {
	if e.opts.BlobConcurrency > 0 {
		return e.opts.BlobConcurrency
	}
	return 4
}

// Run executes the state machine:
//
//	Authenticating → BuildingTree → CreatingBlobs → CreatingTree →
//	SigningCommit → CreatingCommit → UpdatingRef → Done
//
// The run is all-or-nothing from the caller's perspective: unless the ref
// update succeeds the operation failed, even though content-addressed
// objects may already exist remotely (they are unreachable and harmless; the
// platform garbage-collects them).
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	// Authenticating. Nothing remote has been created yet; failing here is
	// always safe.
	e.log.Debug("authenticating as installation")
	var token github.AccessToken
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var exchangeErr error
		token, exchangeErr = e.exchange(ctx)
		return exchangeErr
	})
	if err != nil {
		return nil, stepErr(StepAuthenticating, err)
	}
	if token.Expired(time.Now()) {
		return nil, stepErr(StepAuthenticating, apperrors.NewCredentialError("exchanged token is already expired", nil))
	}

	client, err := e.newClient(ctx, token)
	if err != nil {
		return nil, stepErr(StepAuthenticating, err)
	}

	// BuildingTree: resolve the branch head and its tree remotely, then plan
	// the minimal object graph for the staged changes.
	plan, head, branchMissing, err := e.buildTree(ctx, client)
	if err != nil {
		return nil, stepErr(StepBuildingTree, err)
	}
	e.log.Debug("planned %d blob(s) and %d tree(s) on top of %s", len(plan.Blobs), len(plan.Trees), head)

	if err := e.createBlobs(ctx, client, plan); err != nil {
		return nil, stepErr(StepCreatingBlobs, err)
	}

	if err := e.createTrees(ctx, client, plan); err != nil {
		return nil, stepErr(StepCreatingTree, err)
	}

	// SigningCommit: finalize and sign the payload before anything touches
	// the remote, so bad key material never leaves a stray commit behind.
	payload := signing.Payload{
		TreeSHA:   plan.RootTreeSHA,
		Parents:   []string{head},
		Author:    e.opts.Author,
		Committer: e.opts.Committer,
		Message:   e.opts.Message,
	}
	if e.signer == nil {
		return nil, stepErr(StepSigningCommit, apperrors.NewSigningError("no signer configured", nil))
	}
	if _, err := signing.SignPayload(e.signer, payload); err != nil {
		return nil, stepErr(StepSigningCommit, err)
	}

	// CreatingCommit: the platform serializes the same canonical payload,
	// feeds it to the signer, and embeds the signature in the commit object.
	e.log.Debug("creating signed commit for tree %s", plan.RootTreeSHA)
	var commit *github.CreatedCommit
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var createErr error
		commit, createErr = client.CreateCommit(ctx, payload, e.signer)
		return createErr
	})
	if err != nil {
		return nil, stepErr(StepCreatingCommit, err)
	}

	// UpdatingRef: the single mutation of shared state, last. An existing
	// branch is advanced under the fast-forward precondition unless force was
	// requested; a branch found missing at BuildingTree is created instead.
	if branchMissing {
		e.log.Debug("creating %s at %s", e.opts.Branch, commit.SHA)
		err = e.withRetry(ctx, func(ctx context.Context) error {
			return client.CreateBranchHead(ctx, e.opts.Branch, commit.SHA)
		})
	} else {
		e.log.Debug("advancing %s from %s to %s", e.opts.Branch, head, commit.SHA)
		err = e.withRetry(ctx, func(ctx context.Context) error {
			return client.UpdateBranchHead(ctx, e.opts.Branch, commit.SHA, head, e.opts.Force)
		})
	}
	if err != nil {
		return nil, stepErr(StepUpdatingRef, err)
	}

	return &Result{
		CommitSHA:    commit.SHA,
		CommitURL:    commit.HTMLURL,
		TreeSHA:      plan.RootTreeSHA,
		PreviousHead: head,
		BlobsCreated: len(plan.Blobs),
		TreesCreated: len(plan.Trees),
	}, nil
}

func (e *Engine) buildTree(ctx context.Context, client github.Client) (*graph.Plan, string, bool, error) {
	var head string
	branchMissing := false
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var headErr error
		head, headErr = client.BranchHead(ctx, e.opts.Branch)
		return headErr
	})
	if err != nil {
		// A branch that does not exist yet is committed onto the supplied
		// base; the run creates the branch at the end.
		var clientErr *apperrors.ClientError
		if e.opts.BaseSHA == "" || !errors.As(err, &clientErr) || clientErr.StatusCode != http.StatusNotFound {
			return nil, "", false, err
		}
		branchMissing = true
		head = e.opts.BaseSHA
	}

	var baseTree string
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var treeErr error
		baseTree, treeErr = client.CommitTree(ctx, head)
		return treeErr
	})
	if err != nil {
		return nil, "", false, err
	}

	var baseEntries []graph.BaseEntry
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var listErr error
		baseEntries, listErr = client.TreeEntries(ctx, baseTree)
		return listErr
	})
	if err != nil {
		return nil, "", false, err
	}

	staged, err := e.staging.StagedEntries()
	if err != nil {
		return nil, "", false, err
	}
	if len(staged) == 0 {
		return nil, "", false, apperrors.ErrNoStagedChanges
	}

	plan, err := graph.Build(baseEntries, staged)
	if err != nil {
		return nil, "", false, err
	}
	return plan, head, branchMissing, nil
}

// createBlobs uploads the planned blobs. Uploads are independent and the
// remote store is content-addressed, so they run concurrently and join
// before any tree is created.
func (e *Engine) createBlobs(ctx context.Context, client github.Client, plan *graph.Plan) error {
	if len(plan.Blobs) == 0 {
		return nil
	}
	e.log.Debug("uploading %d blob(s)", len(plan.Blobs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.blobConcurrency())

	for _, blob := range plan.Blobs {
		group.Go(func() error {
			var sha string
			err := e.withRetry(groupCtx, func(ctx context.Context) error {
				var createErr error
				sha, createErr = client.CreateBlob(ctx, blob.Content)
				return createErr
			})
			if err != nil {
				return err
			}
			if sha != blob.SHA {
				return apperrors.NewObjectGraphError(blob.Path,
					fmt.Sprintf("remote assigned blob id %s, expected %s", sha, blob.SHA))
			}
			return nil
		})
	}
	return group.Wait()
}

// createTrees submits the planned trees strictly in dependency order;
// children are finalized remotely before any parent that references them.
func (e *Engine) createTrees(ctx context.Context, client github.Client, plan *graph.Plan) error {
	for _, tree := range plan.Trees {
		var sha string
		err := e.withRetry(ctx, func(ctx context.Context) error {
			var createErr error
			sha, createErr = client.CreateTree(ctx, tree.Entries)
			return createErr
		})
		if err != nil {
			return err
		}
		if sha != tree.SHA {
			return apperrors.NewObjectGraphError(tree.Path,
				fmt.Sprintf("remote assigned tree id %s, expected %s", sha, tree.SHA))
		}
	}
	return nil
}
