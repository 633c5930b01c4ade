//go:build integration

package replica

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitdrive/internal/testutil"
)

func writeConfig(t *testing.T, dir, identity, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf("replica:\n  dir: %s\n  identity: %s\n%s", dir, identity, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReplicaSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	t.Run("A_TwoReplicasConverge", func(t *testing.T) {
		r := testutil.NewReplica(t)
		desktop := r.Clone(t, "desktop")
		laptopCfg := writeConfig(t, r.Local, "laptop", "")
		desktopCfg := writeConfig(t, desktop, "desktop", "")

		testutil.WriteFile(t, r.Local, "notes.txt", "line 1\nline 2\nline 3\nfrom laptop\n")
		h.MustRun(ctx, "sync", "--config", laptopCfg)
		h.MustRun(ctx, "sync", "--config", desktopCfg)

		assert.Equal(t, testutil.ReadFile(t, r.Local, "notes.txt"), testutil.ReadFile(t, desktop, "notes.txt"))
		assert.Equal(t, testutil.Git(t, r.Local, "rev-parse", "HEAD"), testutil.Git(t, desktop, "rev-parse", "HEAD"))
	})

	t.Run("B_ConflictLocalWins", func(t *testing.T) {
		r := testutil.NewReplica(t)
		desktop := r.Clone(t, "desktop")
		laptopCfg := writeConfig(t, r.Local, "laptop", "")
		desktopCfg := writeConfig(t, desktop, "desktop", "")

		testutil.WriteFile(t, desktop, "notes.txt", "line 1\ndesktop\nline 3\n")
		h.MustRun(ctx, "sync", "--config", desktopCfg)

		testutil.WriteFile(t, r.Local, "notes.txt", "line 1\nlaptop\nline 3\n")
		h.MustRun(ctx, "sync", "--config", laptopCfg)
		assert.Equal(t, "line 1\nlaptop\nline 3\n", testutil.ReadFile(t, r.Local, "notes.txt"))

		h.MustRun(ctx, "sync", "--config", desktopCfg)
		assert.Equal(t, "line 1\nlaptop\nline 3\n", testutil.ReadFile(t, desktop, "notes.txt"))
	})

	t.Run("C_OfflineCommitPublishedLater", func(t *testing.T) {
		r := testutil.NewReplica(t)
		cfg := writeConfig(t, r.Local, "laptop", "")

		require.NoError(t, os.Rename(r.Remote, r.Remote+".offline"))
		testutil.WriteFile(t, r.Local, "notes.txt", "offline edit\n")
		h.MustRun(ctx, "sync", "--config", cfg)
		assert.Contains(t, testutil.Git(t, r.Local, "log", "-1", "--format=%s"), "laptop: ")

		require.NoError(t, os.Rename(r.Remote+".offline", r.Remote))
		h.MustRun(ctx, "sync", "--config", cfg)
		assert.Equal(t, testutil.Git(t, r.Local, "rev-parse", "HEAD"), testutil.Git(t, r.Remote, "rev-parse", testutil.Branch))
	})

	t.Run("D_PreconditionExitCode", func(t *testing.T) {
		cfg := writeConfig(t, filepath.Join(t.TempDir(), "missing"), "laptop", "")
		res, err := h.Run(ctx, "sync", "--config", cfg)
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitCode)
		assert.Contains(t, res.Stderr, "no such directory")
	})

	t.Run("E_WatchPicksUpFileChanges", func(t *testing.T) {
		r := testutil.NewReplica(t)
		cfg := writeConfig(t, r.Local, "laptop", "sync:\n  interval: 1h\n  watch_files: true\n  debounce: 200ms\n")

		stop := h.Start(ctx, "watch", "--config", cfg)
		testutil.WriteFile(t, r.Local, "notes.txt", "watched edit\n")

		assert.Eventually(t, func() bool {
			return testutil.Git(t, r.Remote, "rev-parse", testutil.Branch) == testutil.Git(t, r.Local, "rev-parse", "HEAD") &&
				testutil.Git(t, r.Local, "status", "--porcelain", "--untracked-files=no") == ""
		}, 30*time.Second, 200*time.Millisecond)

		assert.NoError(t, stop())
	})
}
