package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsPlusRequiredSecretFromEnv(t *testing.T) {
	t.Setenv("AGENTMESH_CONFIG_FILE", "")
	t.Setenv("AGENTMESH_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Token.Secret)
	assert.Equal(t, 20000, cfg.Agent.PortBase)
	assert.Equal(t, 30, cfg.Dispatch.DefaultTimeoutSec)
}

func TestLoad_MissingSecretFailsValidation(t *testing.T) {
	t.Setenv("AGENTMESH_CONFIG_FILE", "")
	t.Setenv("AGENTMESH_TOKEN_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	body := "token:\n  secret: from-file\nagent:\n  port_base: 30000\n  port_capacity: 500\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	t.Setenv("AGENTMESH_CONFIG_FILE", "")
	t.Setenv("AGENTMESH_TOKEN_SECRET", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token.Secret)
	assert.Equal(t, 30000, cfg.Agent.PortBase)
	assert.Equal(t, 500, cfg.Agent.PortCapacity)
}

func TestLoad_EnvOverridesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	body := "token:\n  secret: from-file\nagent:\n  port_base: 30000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	t.Setenv("AGENTMESH_CONFIG_FILE", path)
	t.Setenv("AGENTMESH_TOKEN_SECRET", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token.Secret)
	assert.Equal(t, 30000, cfg.Agent.PortBase)
}

func TestLoad_ExplicitMissingFileIsAnError(t *testing.T) {
	t.Setenv("AGENTMESH_CONFIG_FILE", "/nonexistent/agentmesh.yaml")
	t.Setenv("AGENTMESH_TOKEN_SECRET", "s3cret")

	_, err := Load("")
	require.Error(t, err)
}

func TestDurationHelpers_ConvertSecondsAndMillis(t *testing.T) {
	cfg := Default()
	cfg.Health.HealthTickSec = 5
	cfg.Notifier.BackoffBaseMs = 250

	assert.Equal(t, 5000000000, int(cfg.HealthTick()))
	assert.Equal(t, 250000000, int(cfg.NotifierBackoffBase()))
}
