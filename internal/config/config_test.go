package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := ReadConfig(path)
	require.Error(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	cfg, err = ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0", cfg.Protocol.Version)
	assert.Equal(t, "30m", cfg.Session.Timeout)
}

func TestReadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server":{"port":7000},"client":{"reconnect_policy":"random"},"users":[{"username":"admin","password":"admin123"}]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "random", cfg.Client.ReconnectPolicy)
	assert.Equal(t, "60s", cfg.Server.HeartbeatInterval)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "admin", cfg.Users[0].Username)
}

func TestReadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := ReadConfig(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"client":{"reconnect_policy":"exponential"}}`), 0644))
	_, err = ReadConfig(path)
	require.Error(t, err)
}
