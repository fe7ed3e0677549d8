package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
agent:
  id: agent-1
  registry_url: https://registry.example.com
device:
  id: dev-1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "agent-1", cfg.Agent.ID)
	assert.Equal(t, 15*time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Agent.AttemptTimeout)
	assert.Equal(t, 4, cfg.Device.MaxConcurrentWorkspaces)
	assert.Equal(t, int64(512), cfg.Workspaces.EstimatedDiskMB)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agent:
  id: agent-1
  registry_url: https://registry.example.com
  poll_interval: 30s
  max_concurrent_tasks: 2
device:
  id: dev-1
workspaces:
  base_dir: /var/lib/warden/ws
  sample_interval: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, 2, cfg.Agent.MaxConcurrentTasks)
	assert.Equal(t, "/var/lib/warden/ws", cfg.Workspaces.BaseDir)
	assert.Equal(t, 2*time.Second, cfg.Workspaces.SampleInterval)
	// Unset sections keep their defaults.
	assert.Equal(t, int64(512), cfg.Workspaces.EstimatedDiskMB)
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_TOKEN", "tok-123")

	cfg, err := Load(writeConfig(t, `
agent:
  id: agent-1
  registry_url: https://registry.example.com
  registry_token: ${WARDEN_TEST_TOKEN}
device:
  id: dev-1
`))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Agent.RegistryToken)
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", cfg.Agent.ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateAccumulatesProblems(t *testing.T) {
	_, err := Load(writeConfig(t, `
agent:
  registry_url: ""
device:
  id: dev-1
`))
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "agent.id is required"), msg)
	assert.True(t, strings.Contains(msg, "agent.registry_url is required"), msg)
}

func TestValidateDiskEstimateAgainstDeviceBudget(t *testing.T) {
	_, err := Load(writeConfig(t, `
agent:
  id: agent-1
  registry_url: https://registry.example.com
device:
  id: dev-1
  max_disk_mb: 100
workspaces:
  estimated_disk_mb: 200
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workspace could ever be admitted")
}

func TestValidateAPIKeyRequiredWhenEnabled(t *testing.T) {
	_, err := Load(writeConfig(t, `
agent:
  id: agent-1
  registry_url: https://registry.example.com
device:
  id: dev-1
api:
  enabled: true
  listen: 127.0.0.1:8787
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.api_key is required")
}
