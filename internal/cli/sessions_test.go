package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig creates a minimal config file pointing DataDir at a temp
// directory and points the global cfgFile flag at it for the test's duration.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	dataDir := t.TempDir()
	raw, err := json.Marshal(map[string]interface{}{
		"data_dir": dataDir,
		"logging":  map[string]interface{}{"file": filepath.Join(dataDir, "courier.log")},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "courier.json")
	require.NoError(t, os.WriteFile(path, raw, 0600))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })

	return dataDir
}

func TestSessionsCommands(t *testing.T) {
	t.Run("list empty", func(t *testing.T) {
		writeTestConfig(t)

		output := &bytes.Buffer{}
		cmd := GetRootCmd()
		cmd.SetOut(output)
		cmd.SetArgs([]string{"sessions", "list"})

		err := cmd.Execute()
		require.NoError(t, err)
		assert.Contains(t, output.String(), "No stored sessions")
	})

	t.Run("reset then list", func(t *testing.T) {
		writeTestConfig(t)

		output := &bytes.Buffer{}
		cmd := GetRootCmd()
		cmd.SetOut(output)
		cmd.SetArgs([]string{"sessions", "reset", "tg:12345"})

		err := cmd.Execute()
		require.NoError(t, err)
		assert.Contains(t, output.String(), "tg:12345")
		assert.Contains(t, output.String(), "reset")

		output.Reset()
		cmd.SetArgs([]string{"sessions", "list"})
		err = cmd.Execute()
		require.NoError(t, err)
		assert.Contains(t, output.String(), "tg:12345")
	})

	t.Run("reset rejects invalid key", func(t *testing.T) {
		writeTestConfig(t)

		cmd := GetRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"sessions", "reset", "../escape"})

		err := cmd.Execute()
		assert.Error(t, err)
	})
}
