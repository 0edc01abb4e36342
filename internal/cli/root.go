// Package cli builds the appcommit command line interface. The root command
// performs the whole operation: read the staged changes, exchange app
// credentials for an installation token, upload the minimal object graph,
// and advance the branch to a freshly signed commit.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"appcommit.dev/appcommit/internal/config"
	apperrors "appcommit.dev/appcommit/internal/errors"
	"appcommit.dev/appcommit/internal/output"
)

// NewRootCmd creates the root cobra command
func NewRootCmd(version, commit, date string) *cobra.Command {
	var flags config.Flags
	var repoPath string

	rootCmd := &cobra.Command{
		Use:   "appcommit",
		Short: "Create signed commits on GitHub as an app installation",
		Long: `Appcommit turns the staged changes of a local repository into a
cryptographically signed commit on GitHub, created through the git data API
and authenticated as a GitHub App installation. The branch is only advanced
by fast-forward, so a branch that moved underneath the run is never
overwritten.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			splog, err := output.NewSplogWithFile(cfg.Verbose, cfg.LogFile)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			defer func() { _ = splog.Close() }()

			result, err := runCommit(cmd.Context(), cfg, repoPath, splog)
			if err != nil {
				splog.Error("%s", describeFailure(err))
				return err
			}

			splog.Info("Created signed commit %s", result.CommitSHA)
			if result.CommitURL != "" {
				splog.Info("%s", result.CommitURL)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&flags.Message, "message", "m", "", "Commit message (required)")
	rootCmd.Flags().StringVar(&flags.Branch, "branch", "", "Branch to commit to (default: the checked-out branch)")
	rootCmd.Flags().StringVar(&flags.SigningKeyPath, "signing-key", "", "Path to the signing key (default: "+config.EnvSigningKey+")")
	rootCmd.Flags().StringVar(&flags.AuthorName, "author-name", "", "Author name (default: "+config.EnvAuthorName+")")
	rootCmd.Flags().StringVar(&flags.AuthorEmail, "author-email", "", "Author email (default: "+config.EnvAuthorEmail+")")
	rootCmd.Flags().StringVar(&flags.APIURL, "api-url", "", "API base URL for GitHub Enterprise Server")
	rootCmd.Flags().StringVar(&flags.LogFile, "log-file", "", "Also write a timestamped rotating log to this file (default: "+config.EnvLogFile+")")
	rootCmd.Flags().BoolVar(&flags.Force, "force", false, "Move the branch even when it is not a fast-forward")
	rootCmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Show step-by-step progress")
	rootCmd.Flags().StringVarP(&repoPath, "repo", "C", ".", "Path to the local repository")

	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	return rootCmd
}

// describeFailure maps the error taxonomy to operator-facing messages. The
// returned text says what happened and whether anything remote was changed.
func describeFailure(err error) string {
	var concurrent *apperrors.ConcurrentUpdateError
	if errors.As(err, &concurrent) {
		return fmt.Sprintf("%s moved since %s was read; the branch was left untouched (re-run to retry, or --force to overwrite)",
			concurrent.Ref, concurrent.ExpectedHead)
	}

	switch {
	case errors.Is(err, apperrors.ErrNoStagedChanges):
		return "nothing is staged; stage changes with git add first"
	case errors.Is(err, apperrors.ErrCredential):
		return fmt.Sprintf("app authentication failed: %v", err)
	case errors.Is(err, apperrors.ErrSigning):
		return fmt.Sprintf("commit signing failed, nothing was pushed: %v", err)
	case errors.Is(err, apperrors.ErrObjectGraph):
		return fmt.Sprintf("could not build the commit's object graph: %v", err)
	case errors.Is(err, apperrors.ErrRemoteRequest):
		return fmt.Sprintf("GitHub kept failing after retries: %v", err)
	default:
		return err.Error()
	}
}
