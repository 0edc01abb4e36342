// Package config gathers the process configuration from environment
// variables and command-line flags into one typed value. It is read exactly
// once at startup and threaded explicitly; nothing else in the codebase
// touches the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/github"
	"appcommit.dev/appcommit/internal/signing"
)

// Environment variables. App credentials and signing key material are only
// ever accepted through the environment or a key file, never as flags, so
// they stay out of shell history and process listings.
const (
	EnvAppID          = "APPCOMMIT_GITHUB_APP_ID"
	EnvInstallationID = "APPCOMMIT_GITHUB_APP_INSTALLATION_ID"
	EnvAppPrivateKey  = "APPCOMMIT_GITHUB_APP_PRIVATE_KEY_PEM"
	EnvSigningScheme  = "APPCOMMIT_SIGNING_SCHEME"
	EnvSigningKey     = "APPCOMMIT_SIGNING_KEY_PEM"
	EnvAuthorName     = "APPCOMMIT_AUTHOR_NAME"
	EnvAuthorEmail    = "APPCOMMIT_AUTHOR_EMAIL"
	EnvLogFile        = "APPCOMMIT_LOG_FILE"
)

// Flags carries the command-line flag values the CLI collected.
type Flags struct {
	Message        string
	Branch         string
	SigningKeyPath string
	AuthorName     string
	AuthorEmail    string
	APIURL         string
	LogFile        string
	Force          bool
	Verbose        bool
}

// Config is the fully resolved process configuration.
type Config struct {
	Credentials github.AppCredentials
	Scheme      signing.Scheme
	SigningKey  []byte

	Message string
	Branch  string
	Author  signing.Identity
	APIURL  string
	LogFile string
	Force   bool
	Verbose bool
}

// Load resolves the configuration. Flags win over environment variables
// where both are accepted. Validation failures name the missing or invalid
// setting.
func Load(flags Flags) (*Config, error) {
	if flags.Message == "" {
		return nil, fmt.Errorf("a commit message is required (--message)")
	}

	creds, err := appCredentialsFromEnv()
	if err != nil {
		return nil, err
	}

	scheme, key, err := signingFromEnv(flags.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	author, err := authorIdentity(flags)
	if err != nil {
		return nil, err
	}

	logFile := flags.LogFile
	if logFile == "" {
		logFile = os.Getenv(EnvLogFile)
	}

	return &Config{
		Credentials: creds,
		Scheme:      scheme,
		SigningKey:  key,
		Message:     flags.Message,
		Branch:      flags.Branch,
		Author:      author,
		APIURL:      flags.APIURL,
		LogFile:     logFile,
		Force:       flags.Force,
		Verbose:     flags.Verbose,
	}, nil
}

func appCredentialsFromEnv() (github.AppCredentials, error) {
	appID, err := requiredInt64(EnvAppID)
	if err != nil {
		return github.AppCredentials{}, err
	}
	installationID, err := requiredInt64(EnvInstallationID)
	if err != nil {
		return github.AppCredentials{}, err
	}

	pemText := os.Getenv(EnvAppPrivateKey)
	if pemText == "" {
		return github.AppCredentials{}, fmt.Errorf("%s is not set", EnvAppPrivateKey)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemText))
	if err != nil {
		return github.AppCredentials{}, apperrors.NewCredentialError(
			fmt.Sprintf("%s is not a usable RSA private key", EnvAppPrivateKey), err)
	}

	return github.AppCredentials{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     privateKey,
	}, nil
}

// signingFromEnv resolves the signing scheme and key material. The scheme is
// always explicit; it is never inferred from the key's shape. A key file path
// wins over the environment variable.
func signingFromEnv(keyPath string) (signing.Scheme, []byte, error) {
	scheme := signing.Scheme(os.Getenv(EnvSigningScheme))
	switch scheme {
	case signing.SchemeOpenPGP, signing.SchemeSSH:
	case "":
		return "", nil, fmt.Errorf("%s is not set (gpg or ssh)", EnvSigningScheme)
	default:
		return "", nil, apperrors.NewSigningError(
			fmt.Sprintf("%s must be gpg or ssh, got %q", EnvSigningScheme, scheme), nil)
	}

	if keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return "", nil, apperrors.NewSigningError(
				fmt.Sprintf("unable to read signing key %s", keyPath), err)
		}
		return scheme, key, nil
	}

	key := os.Getenv(EnvSigningKey)
	if key == "" {
		return "", nil, fmt.Errorf("%s is not set and no --signing-key given", EnvSigningKey)
	}
	return scheme, []byte(key), nil
}

func authorIdentity(flags Flags) (signing.Identity, error) {
	name := flags.AuthorName
	if name == "" {
		name = os.Getenv(EnvAuthorName)
	}
	email := flags.AuthorEmail
	if email == "" {
		email = os.Getenv(EnvAuthorEmail)
	}
	if name == "" {
		return signing.Identity{}, fmt.Errorf("an author name is required (--author-name or %s)", EnvAuthorName)
	}
	if email == "" {
		return signing.Identity{}, fmt.Errorf("an author email is required (--author-email or %s)", EnvAuthorEmail)
	}
	return signing.Identity{Name: name, Email: email, When: time.Now()}, nil
}

func requiredInt64(name string) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is not set", name)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return value, nil
}
