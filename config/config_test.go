package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configJSON = `{
  "providers": {
    "anthropic": [
      {"id": "anthropic-main", "provider": "anthropic", "apiKeyEnv": "TEST_ANTHROPIC_KEY", "priority": 0},
      {"id": "anthropic-backup", "provider": "anthropic", "apiKey": "inline-key", "priority": 10}
    ]
  },
  "defaultModel": "claude-3-5-sonnet",
  "loadBalancing": {"strategy": "round-robin"}
}`

const modelsJSON = `{
  "models": [
    {"id": "claude-3-opus", "provider": "anthropic", "upstreamId": "claude-3-opus-override", "maxTokens": 4096},
    {"id": "fancy-model", "provider": "openai"}
  ]
}`

func writeConfigDir(t *testing.T, config, models string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	if models != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "models.json"), []byte(models), 0o644))
	}
	return dir
}

func TestLoaderInitialLoad(t *testing.T) {
	dir := writeConfigDir(t, configJSON, modelsJSON)
	l, err := NewLoader(dir)
	require.NoError(t, err)

	snap := l.Current()
	require.Len(t, snap.Config.Providers["anthropic"], 2)
	assert.Equal(t, "round-robin", snap.Config.LoadBalancing.Strategy)
	assert.Equal(t, "claude-3-5-sonnet", snap.Config.DefaultModel)
	require.NotNil(t, snap.Models.Model("claude-3-opus"))
	assert.Equal(t, 4096, snap.Models.Model("claude-3-opus").MaxTokens)
}

func TestLoaderMissingModelsFileIsTolerated(t *testing.T) {
	dir := writeConfigDir(t, configJSON, "")
	l, err := NewLoader(dir)
	require.NoError(t, err)
	assert.Nil(t, l.Current().Models.Model("claude-3-opus"))
}

func TestLoaderMissingConfigFails(t *testing.T) {
	_, err := NewLoader(t.TempDir())
	assert.Error(t, err)
}

func TestLoaderStrategyDefaultsToRandom(t *testing.T) {
	dir := writeConfigDir(t, `{"providers": {}}`, "")
	l, err := NewLoader(dir)
	require.NoError(t, err)
	assert.Equal(t, "random", l.Current().Config.LoadBalancing.Strategy)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	dir := writeConfigDir(t, configJSON, modelsJSON)
	l, err := NewLoader(dir)
	require.NoError(t, err)
	before := l.Current()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"providers": {}, "defaultModel": "fancy-model"}`), 0o644))
	require.NoError(t, l.Reload())

	after := l.Current()
	assert.NotSame(t, before, after)
	assert.Equal(t, "fancy-model", after.Config.DefaultModel)
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := writeConfigDir(t, configJSON, modelsJSON)
	l, err := NewLoader(dir)
	require.NoError(t, err)
	before := l.Current()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{not json`), 0o644))
	require.Error(t, l.Reload())
	assert.Same(t, before, l.Current())
}

func TestProfileKeyPrefersEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "from-env")
	p := Profile{APIKeyEnv: "TEST_ANTHROPIC_KEY", APIKey: "inline"}
	assert.Equal(t, "from-env", p.Key())

	t.Setenv("TEST_ANTHROPIC_KEY", "")
	assert.Equal(t, "inline", p.Key())
}

func TestUpstreamIDResolution(t *testing.T) {
	dir := writeConfigDir(t, configJSON, modelsJSON)
	l, err := NewLoader(dir)
	require.NoError(t, err)
	catalog := l.Current().Models

	// Explicit catalog mapping wins over the legacy table.
	assert.Equal(t, "claude-3-opus-override", catalog.UpstreamID("claude-3-opus"))
	// Legacy table covers IDs the catalog does not map.
	assert.Equal(t, "claude-3-5-sonnet-20241022", catalog.UpstreamID("claude-3-5-sonnet"))
	assert.Equal(t, "gpt-4o-2024-08-06", catalog.UpstreamID("gpt-4o"))
	// Unknown IDs pass through.
	assert.Equal(t, "fancy-model", catalog.UpstreamID("fancy-model"))
	assert.Equal(t, "totally-new", catalog.UpstreamID("totally-new"))
}
