package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommands(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Cleanup(func() { configForce = false })

	dir := t.TempDir()
	path := filepath.Join(dir, "parley.json")

	t.Run("should write a default file", func(t *testing.T) {
		out, err := execute(t, "config", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("should refuse to overwrite without force", func(t *testing.T) {
		_, err := execute(t, "config", "init", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("should overwrite with force", func(t *testing.T) {
		_, err := execute(t, "config", "init", "--config", path, "--force")
		assert.NoError(t, err)
	})

	t.Run("should show the effective config and why it is invalid", func(t *testing.T) {
		out, err := execute(t, "config", "show", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, out, `"orchestrator"`)
		assert.Contains(t, out, "# invalid: no engine credentials")
	})
}
