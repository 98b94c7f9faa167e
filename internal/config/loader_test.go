package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Tool.Command)
}

func TestLoader_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "/tmp/courier-test",
		"tool": {"command": "mytool", "timeout_sec": 600},
		"queue": {"warn_after_ms": 5000}
	}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mytool", cfg.Tool.Command)
	assert.Equal(t, 600, cfg.Tool.TimeoutSec)
	assert.Equal(t, 5000, cfg.Queue.WarnAfterMs)
	// Defaults survive for unset fields.
	assert.Equal(t, 120, cfg.Tool.ProgressIntervalSec)
	// Derived paths hang off data_dir.
	assert.Equal(t, filepath.Join("/tmp/courier-test", "courier.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join("/tmp/courier-test", "capabilities.json"), cfg.Tool.CapabilitiesPath)
}

func TestLoader_RejectsSchemaViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tool":{"command":42}}`), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoader_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tool": {"timeout_sec": 60, "progress_interval_sec": 120}
	}`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "courier.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Tool.Command = "mytool"
	require.NoError(t, loader.Save(cfg))

	// The defaults leave allowed_users nil; the saved file must still
	// pass schema validation on the way back in.
	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "mytool", reloaded.Tool.Command)
	assert.Empty(t, reloaded.Telegram.AllowedUsers)
}

func TestLoader_SaveRoundTrip_PopulatedSlices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Telegram.AllowedUsers = []int64{42, 99}
	cfg.Tool.BaseCapabilities = []string{"Read", "Bash"}
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 99}, reloaded.Telegram.AllowedUsers)
	assert.Equal(t, []string{"Read", "Bash"}, reloaded.Tool.BaseCapabilities)
}
