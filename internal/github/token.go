package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// The platform caps app assertions at ten minutes. Issue slightly inside the
// cap and backdate iat to absorb clock skew between us and the platform.
const (
	assertionLifetime = 9 * time.Minute
	assertionBackdate = time.Minute
)

// AppCredentials identifies an installed application: the app, the
// installation the token should be scoped to, and the app's private key.
// Supplied externally and held in memory for the process lifetime only.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKey     *rsa.PrivateKey
}

// AccessToken is a short-lived installation-scoped bearer token. It is
// fetched fresh every run and never persisted.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer be used.
func (t AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// appAssertion builds the signed RS256 assertion that authenticates us as the
// application itself (not yet any installation).
func appAssertion(creds AppCredentials, now time.Time) (string, error) {
	if creds.PrivateKey == nil {
		return "", apperrors.NewCredentialError("no private key supplied", nil)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(creds.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(creds.PrivateKey)
	if err != nil {
		return "", apperrors.NewCredentialError("unable to sign app assertion", err)
	}
	return signed, nil
}

// ExchangeToken exchanges app credentials for an installation access token.
// A 401/403 from the platform means the credentials are bad and is reported
// as a CredentialError, which the engine never retries; transient failures
// keep their RemoteRequestError class so the engine's retry budget applies.
func ExchangeToken(ctx context.Context, creds AppCredentials, apiURL string) (AccessToken, error) {
	assertion, err := appAssertion(creds, time.Now())
	if err != nil {
		return AccessToken{}, err
	}

	client, err := newAPIClient(ctx, assertion, apiURL)
	if err != nil {
		return AccessToken{}, err
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, creds.InstallationID, &github.InstallationTokenOptions{})
	if err != nil {
		classified := classify(err)
		var clientErr *apperrors.ClientError
		if errors.As(classified, &clientErr) &&
			(clientErr.StatusCode == http.StatusUnauthorized || clientErr.StatusCode == http.StatusForbidden) {
			return AccessToken{}, apperrors.NewCredentialError("app assertion rejected by the platform", classified)
		}
		return AccessToken{}, classified
	}
	if token.Token == nil {
		return AccessToken{}, apperrors.NewCredentialError("token exchange response carried no token", nil)
	}

	access := AccessToken{Token: token.GetToken()}
	if token.ExpiresAt != nil {
		access.ExpiresAt = token.ExpiresAt.Time
	}
	return access, nil
}
