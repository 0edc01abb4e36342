package github_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/github"
	"appcommit.dev/appcommit/internal/graph"
	"appcommit.dev/appcommit/internal/signing"
	"appcommit.dev/appcommit/testhelpers"
)

func newTestClient(t *testing.T, srv *testhelpers.GitDataServer) *github.RealClient {
	t.Helper()
	token := github.AccessToken{Token: "ghs_test", ExpiresAt: time.Now().Add(time.Hour)}
	client, err := github.NewRealClient(context.Background(), token, "owner", "repo", srv.URL())
	require.NoError(t, err)
	return client
}

func TestExchangeToken(t *testing.T) {
	t.Run("returns an installation token", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		_, key := testhelpers.RSAPrivateKeyPEM(t)

		token, err := github.ExchangeToken(context.Background(), github.AppCredentials{
			AppID:          7,
			InstallationID: 42,
			PrivateKey:     key,
		}, srv.URL())
		require.NoError(t, err)
		require.Equal(t, "ghs_testinstallationtoken", token.Token)
		require.False(t, token.Expired(time.Now()))
	})

	t.Run("maps a rejected assertion to a credential error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.FailNext(testhelpers.OpToken, 401)
		_, key := testhelpers.RSAPrivateKeyPEM(t)

		_, err := github.ExchangeToken(context.Background(), github.AppCredentials{
			AppID:          7,
			InstallationID: 42,
			PrivateKey:     key,
		}, srv.URL())
		require.ErrorIs(t, err, apperrors.ErrCredential)
	})

	t.Run("rejects credentials without a key", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)

		_, err := github.ExchangeToken(context.Background(), github.AppCredentials{
			AppID:          7,
			InstallationID: 42,
		}, srv.URL())
		require.ErrorIs(t, err, apperrors.ErrCredential)
		require.Zero(t, srv.Calls(testhelpers.OpToken))
	})
}

func TestRealClient(t *testing.T) {
	t.Run("resolves branch head and commit tree", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		client := newTestClient(t, srv)

		got, err := client.BranchHead(context.Background(), "main")
		require.NoError(t, err)
		require.Equal(t, head, got)

		tree, err := client.CommitTree(context.Background(), head)
		require.NoError(t, err)
		require.Len(t, tree, 40)

		entries, err := client.TreeEntries(context.Background(), tree)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "foo", entries[0].Path)
		require.Equal(t, graph.BlobSHA([]byte("a")), entries[0].SHA)
	})

	t.Run("missing branch is a client error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		client := newTestClient(t, srv)

		_, err := client.BranchHead(context.Background(), "nope")
		require.ErrorIs(t, err, apperrors.ErrClient)

		var clientErr *apperrors.ClientError
		require.ErrorAs(t, err, &clientErr)
		require.Equal(t, 404, clientErr.StatusCode)
	})

	t.Run("unresolvable base tree is an object graph error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		client := newTestClient(t, srv)

		_, err := client.TreeEntries(context.Background(), "4b825dc642cb6eb9a060e54bf8d69288fbee4904")
		require.ErrorIs(t, err, apperrors.ErrObjectGraph)
	})

	t.Run("server failure is a remote request error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		srv.FailNext(testhelpers.OpGetRef, 502)
		client := newTestClient(t, srv)

		_, err := client.BranchHead(context.Background(), "main")
		require.ErrorIs(t, err, apperrors.ErrRemoteRequest)
	})

	t.Run("blob upload returns the content-addressed id", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		client := newTestClient(t, srv)

		content := []byte{0x00, 0xff, 0x10, 'a'}
		sha, err := client.CreateBlob(context.Background(), content)
		require.NoError(t, err)
		require.Equal(t, graph.BlobSHA(content), sha)
	})

	t.Run("commit creation requires a signer", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		client := newTestClient(t, srv)

		_, err := client.CreateCommit(context.Background(), signing.Payload{}, nil)
		require.ErrorIs(t, err, apperrors.ErrSigning)
	})

	t.Run("non-fast-forward update is a concurrent update error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		moved := srv.CommitEmpty(t, "main", "someone else")
		client := newTestClient(t, srv)

		// head is now behind moved; advancing to a sibling of moved must fail.
		sibling := srv.SeedBranch(t, "scratch", map[string]string{"foo": "other"})

		err := client.UpdateBranchHead(context.Background(), "main", sibling, head, false)
		require.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)

		var concurrent *apperrors.ConcurrentUpdateError
		require.ErrorAs(t, err, &concurrent)
		require.Equal(t, "refs/heads/main", concurrent.Ref)
		require.Equal(t, head, concurrent.ExpectedHead)
		require.Equal(t, moved, srv.BranchHead("main"))
	})

	t.Run("a 422 that is not a fast-forward rejection keeps its client error class", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		client := newTestClient(t, srv)

		// The ref does not exist; the platform's 422 is a bad request, not a
		// race, and must not be reported as one.
		err := client.UpdateBranchHead(context.Background(), "ghost", head, head, false)
		require.ErrorIs(t, err, apperrors.ErrClient)
		require.NotErrorIs(t, err, apperrors.ErrConcurrentUpdate)
	})

	t.Run("creates a missing branch", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		client := newTestClient(t, srv)

		require.NoError(t, client.CreateBranchHead(context.Background(), "feature", head))
		require.Equal(t, head, srv.BranchHead("feature"))
	})

	t.Run("racing branch creation is a concurrent update error", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		client := newTestClient(t, srv)

		err := client.CreateBranchHead(context.Background(), "main", head)
		require.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)
	})

	t.Run("forced update overrides the fast-forward guard", func(t *testing.T) {
		srv := testhelpers.NewGitDataServer(t, nil)
		head := srv.SeedBranch(t, "main", map[string]string{"foo": "a"})
		srv.CommitEmpty(t, "main", "someone else")
		client := newTestClient(t, srv)

		err := client.UpdateBranchHead(context.Background(), "main", head, head, true)
		require.NoError(t, err)
		require.Equal(t, head, srv.BranchHead("main"))
	})
}
