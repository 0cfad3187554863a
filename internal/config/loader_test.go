package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileNameAlt), []byte("models: []\n"), 0o644))

	assert.Equal(t, root, FindProjectRoot(nested))
	assert.Equal(t, filepath.Join(root, ConfigFileNameAlt), FindConfigFile(root))
	assert.Empty(t, FindConfigFile(nested))
	assert.Empty(t, FindProjectRoot(t.TempDir()))
}

func TestLoadModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
server:
  addr: ":9000"
models:
  - id: gpt
    provider: openrouter
    upstream_id: openai/gpt-4o-mini
    display_name: GPT-4o mini
  - id: echo
    provider: echo
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	models, err := LoadModels(path)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt", models[0].ID)
	assert.Equal(t, "openai/gpt-4o-mini", models[0].Upstream())
	assert.Equal(t, "GPT-4o mini", models[0].DisplayName)
	assert.Equal(t, "echo", models[1].Upstream())
}

func TestLoadModels_Errors(t *testing.T) {
	_, err := LoadModels(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("models: [unclosed"), 0o644))
	_, err = LoadModels(path)
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LEAPCOMPARE_TEST_KEY", "sk-123")

	tests := []struct {
		in, want string
	}{
		{"${LEAPCOMPARE_TEST_KEY}", "sk-123"},
		{"Bearer ${LEAPCOMPARE_TEST_KEY}!", "Bearer sk-123!"},
		{"${LEAPCOMPARE_UNSET_VAR}", "${LEAPCOMPARE_UNSET_VAR}"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnv(tt.in), tt.in)
	}
}
