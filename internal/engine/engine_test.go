package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"appcommit.dev/appcommit/internal/engine"
	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/github"
	"appcommit.dev/appcommit/internal/graph"
	"appcommit.dev/appcommit/internal/output"
	"appcommit.dev/appcommit/internal/signing"
	"appcommit.dev/appcommit/testhelpers"
)

type stubStaging struct {
	entries []graph.StagedEntry
	err     error
}

func (s *stubStaging) StagedEntries() ([]graph.StagedEntry, error) {
	return s.entries, s.err
}

func testIdentity() signing.Identity {
	return signing.Identity{
		Name:  "Commit Bot",
		Email: "bot@example.com",
		When:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testOptions() engine.Options {
	return engine.Options{
		Branch:         "main",
		Message:        "update files",
		Author:         testIdentity(),
		Committer:      testIdentity(),
		InitialBackoff: time.Millisecond,
		CallTimeout:    5 * time.Second,
	}
}

// newTestEngine wires a full engine against the mock server: real token
// exchange, real API client, real signer; only the staging area is stubbed.
func newTestEngine(t *testing.T, srv *testhelpers.GitDataServer, staged []graph.StagedEntry) *engine.Engine {
	t.Helper()
	return newTestEngineWithOptions(t, srv, staged, testOptions())
}

func newTestEngineWithOptions(t *testing.T, srv *testhelpers.GitDataServer, staged []graph.StagedEntry, opts engine.Options) *engine.Engine {
	t.Helper()

	_, key := testhelpers.RSAPrivateKeyPEM(t)
	creds := github.AppCredentials{AppID: 7, InstallationID: 42, PrivateKey: key}

	armored, _ := testhelpers.ArmoredPGPPrivateKey(t)
	signer, err := signing.New(signing.SchemeOpenPGP, []byte(armored))
	require.NoError(t, err)

	exchange := func(ctx context.Context) (github.AccessToken, error) {
		return github.ExchangeToken(ctx, creds, srv.URL())
	}
	newClient := func(ctx context.Context, token github.AccessToken) (github.Client, error) {
		return github.NewRealClient(ctx, token, "owner", "repo", srv.URL())
	}

	return engine.New(exchange, newClient, &stubStaging{entries: staged}, signer, output.NewSplog(false), opts)
}

func TestRun(t *testing.T) {
	t.Run("creates a signed commit and advances the branch", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		base := srv.SeedBranch(t, "main", map[string]string{
			"foo":     "a",
			"sub/baz": "keep",
		})

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
			{Path: "bar", Content: []byte("b"), Mode: graph.ModeBlob},
		})

		result, err := eng.Run(context.Background())
		require.NoError(t, err)

		require.Equal(t, base, result.PreviousHead)
		require.Equal(t, result.CommitSHA, srv.BranchHead("main"))
		require.Equal(t, 2, result.BlobsCreated)

		commit, ok := srv.Commit(result.CommitSHA)
		require.True(t, ok)
		require.Equal(t, result.TreeSHA, commit.TreeSHA)
		require.Equal(t, []string{base}, commit.Parents)
		require.Equal(t, "update files", commit.Message)
		require.Contains(t, commit.Signature, "BEGIN PGP SIGNATURE")

		// Only the two new blobs were uploaded; the untouched content under
		// sub/ was reused from the base tree.
		require.Equal(t, 2, srv.Calls(testhelpers.OpCreateBlob))
		require.True(t, srv.HasBlob(graph.BlobSHA([]byte("ab"))))
		require.True(t, srv.HasBlob(graph.BlobSHA([]byte("b"))))

		// The new root tree holds bar and the modified foo, with the sub/
		// subtree carried by reference.
		subTree, err := graph.TreeSHA([]graph.TreeEntry{
			{Name: "baz", Mode: graph.ModeBlob, Type: graph.EntryBlob, SHA: graph.BlobSHA([]byte("keep"))},
		})
		require.NoError(t, err)
		expectedRoot, err := graph.TreeSHA([]graph.TreeEntry{
			{Name: "bar", Mode: graph.ModeBlob, Type: graph.EntryBlob, SHA: graph.BlobSHA([]byte("b"))},
			{Name: "foo", Mode: graph.ModeBlob, Type: graph.EntryBlob, SHA: graph.BlobSHA([]byte("ab"))},
			{Name: "sub", Mode: graph.ModeSubtree, Type: graph.EntryTree, SHA: subTree},
		})
		require.NoError(t, err)
		require.Equal(t, expectedRoot, commit.TreeSHA)
	})

	t.Run("removes a file via a tombstone", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{
			"foo":     "a",
			"sub/baz": "keep",
		})

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "sub/baz", Tombstone: true},
		})

		result, err := eng.Run(context.Background())
		require.NoError(t, err)

		// Nothing new to upload: the remaining tree only references content
		// the base already holds.
		require.Zero(t, srv.Calls(testhelpers.OpCreateBlob))
		require.Equal(t, result.CommitSHA, srv.BranchHead("main"))

		commit, _ := srv.Commit(result.CommitSHA)
		// The root tree with sub/ removed contains just foo.
		expectedRoot, treeErr := graph.TreeSHA([]graph.TreeEntry{
			{Name: "foo", Mode: graph.ModeBlob, Type: graph.EntryBlob, SHA: graph.BlobSHA([]byte("a"))},
		})
		require.NoError(t, treeErr)
		require.Equal(t, expectedRoot, commit.TreeSHA)
	})

	t.Run("creates the branch when it does not exist remotely", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		base := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})

		opts := testOptions()
		opts.Branch = "feature"
		opts.BaseSHA = base
		eng := newTestEngineWithOptions(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		}, opts)

		result, err := eng.Run(context.Background())
		require.NoError(t, err)

		require.Equal(t, result.CommitSHA, srv.BranchHead("feature"))
		commit, ok := srv.Commit(result.CommitSHA)
		require.True(t, ok)
		require.Equal(t, []string{base}, commit.Parents)
		require.Contains(t, commit.Signature, "BEGIN PGP SIGNATURE")

		// The branch was created, not advanced, and main was left alone.
		require.Equal(t, 1, srv.Calls(testhelpers.OpCreateRef))
		require.Zero(t, srv.Calls(testhelpers.OpUpdateRef))
		require.Equal(t, base, srv.BranchHead("main"))
	})

	t.Run("missing branch without a base fails before creating objects", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		_, err := eng.Run(context.Background())
		require.ErrorIs(t, err, apperrors.ErrClient)

		var stepErr *engine.StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, engine.StepBuildingTree, stepErr.Step)
		require.Zero(t, srv.Calls(testhelpers.OpCreateBlob))
		require.Zero(t, srv.Calls(testhelpers.OpCreateCommit))
	})

	t.Run("refuses to clobber a branch that moved mid-run", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})

		var interloper string
		srv.OnNext(testhelpers.OpCreateCommit, func() {
			interloper = srv.CommitEmpty(t, "main", "someone else")
		})

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		_, err := eng.Run(context.Background())
		require.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)

		var stepErr *engine.StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, engine.StepUpdatingRef, stepErr.Step)

		// The interloper's head survives untouched.
		require.Equal(t, interloper, srv.BranchHead("main"))
	})

	t.Run("rejected credentials abort before any object is created", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		srv.FailNext(testhelpers.OpToken, 401)

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		_, err := eng.Run(context.Background())
		require.ErrorIs(t, err, apperrors.ErrCredential)

		var stepErr *engine.StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, engine.StepAuthenticating, stepErr.Step)

		// Exactly one token attempt, no retries, nothing else touched.
		require.Equal(t, 1, srv.Calls(testhelpers.OpToken))
		require.Zero(t, srv.Calls(testhelpers.OpCreateBlob))
		require.Zero(t, srv.Calls(testhelpers.OpCreateCommit))
	})

	t.Run("retries transient failures and then succeeds", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		srv.FailNext(testhelpers.OpCreateBlob, 502, 503)

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		result, err := eng.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, result.CommitSHA, srv.BranchHead("main"))
		require.Equal(t, 3, srv.Calls(testhelpers.OpCreateBlob))
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		srv.FailNext(testhelpers.OpGetRef, 502, 502, 502, 502)

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		_, err := eng.Run(context.Background())
		require.ErrorIs(t, err, apperrors.ErrRemoteRequest)

		var stepErr *engine.StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, engine.StepBuildingTree, stepErr.Step)
		require.Equal(t, 4, srv.Calls(testhelpers.OpGetRef))
	})

	t.Run("refuses to run with nothing staged", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})

		eng := newTestEngine(t, srv, nil)

		_, err := eng.Run(context.Background())
		require.ErrorIs(t, err, apperrors.ErrNoStagedChanges)
		require.Zero(t, srv.Calls(testhelpers.OpCreateBlob))
	})

	t.Run("canceled context stops the run", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		eng := newTestEngine(t, srv, []graph.StagedEntry{
			{Path: "foo", Content: []byte("ab"), Mode: graph.ModeBlob},
		})

		_, err := eng.Run(ctx)
		require.True(t, errors.Is(err, context.Canceled))
	})
}
