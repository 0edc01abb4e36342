package output_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"appcommit.dev/appcommit/internal/output"
)

func TestNewSplogWithFile(t *testing.T) {
	t.Run("writes timestamped records to the log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "appcommit.log")

		splog, err := output.NewSplogWithFile(false, path)
		require.NoError(t, err)

		splog.Info("uploading %d blob(s)", 2)
		// Debug always reaches the file, even when the console is quiet.
		splog.Debug("authenticating as installation")
		require.NoError(t, splog.Close())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(content), "uploading 2 blob(s)")
		require.Contains(t, string(content), "authenticating as installation")
		require.Contains(t, string(content), "time=")
	})

	t.Run("creates the log directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "c.log")

		splog, err := output.NewSplogWithFile(false, path)
		require.NoError(t, err)
		splog.Info("hello")
		require.NoError(t, splog.Close())

		_, err = os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("empty path is console-only", func(t *testing.T) {
		splog, err := output.NewSplogWithFile(true, "")
		require.NoError(t, err)
		splog.Debug("console only")
		require.NoError(t, splog.Close())
	})
}
