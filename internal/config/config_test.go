package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/types"
)

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, Dir), 0o755))
	require.NoError(t, os.WriteFile(Path(root), []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, types.ConflictNewestWins, cfg.Policy())
	assert.Equal(t, DefaultAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout)
	assert.Equal(t, filepath.Join(root, ".weft", "weft.db"), cfg.ResolveDB())
	assert.Equal(t, filepath.Join(root, "TODO.mdx"), cfg.ResolveTemplate())
	assert.False(t, cfg.GitHub.Enabled())
	assert.False(t, cfg.Linear.Enabled())
}

func TestLoadFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
conflict_policy: upstream-wins
listen_addr: ":9000"
upstream_timeout: 5s
github:
  owner: weftlabs
  repo: demo
  token: ghp_x
  webhook_secret: s1
linear:
  api_key: lin_k
  team_id: team-1
`)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictUpstreamWins, cfg.Policy())
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.True(t, cfg.GitHub.Enabled())
	assert.False(t, cfg.GitHub.UseApp())
	assert.True(t, cfg.Linear.Enabled())

	rc := cfg.RepoContext()
	assert.Equal(t, "weftlabs/demo", rc.Key())
	assert.Equal(t, types.ConflictUpstreamWins, rc.ConflictPolicy)
}

func TestLoadInvalidPolicy(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "conflict_policy: loudest-wins\n")
	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_policy")
}

func TestLoadPartialAppAuth(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
github:
  owner: weftlabs
  repo: demo
  app_id: 1234
`)
	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app auth")
}

func TestLoadAppAuth(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
github:
  owner: weftlabs
  repo: demo
  app_id: 1234
  private_key_path: /keys/app.pem
  installation_id: 99
`)
	cfg, err := Load(root)
	require.NoError(t, err)
	assert.True(t, cfg.GitHub.UseApp())
	assert.EqualValues(t, 99, cfg.RepoContext().InstallationID)
}

func TestLoadLinearNeedsKey(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "linear:\n  team_id: team-1\n")
	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linear.api_key")
}

func TestEnvOverride(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "listen_addr: \":9000\"\n")
	t.Setenv("WEFT_LISTEN_ADDR", ":7777")

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
}

func TestPolicyNormalized(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "conflict_policy: \" Beads-Wins \"\n")
	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictBeadsWins, cfg.Policy())
}
