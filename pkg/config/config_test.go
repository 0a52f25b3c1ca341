package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 4.3, cfg.Refine.AcceptOverall)
	assert.Equal(t, 3, cfg.Refine.MaxAttempts)
	assert.Contains(t, cfg.Gate.ControversyTerms, "stock manipulation")
	assert.Equal(t, 15*time.Second, cfg.GateTimeout())
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow())
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"llm": {"provider": "anthropic", "model": "claude-sonnet-4-5", "api_key": "sk-test"},
		"refine": {"max_attempts": 5},
		"gate": {"timeout_seconds": 30},
		"normalize": {"name_fixes": {"한국은햏": "한국은행"}, "cue_icons": {"laugh": "😄"}}
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Refine.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.GateTimeout())
	assert.Equal(t, "한국은행", cfg.Normalize.NameFixes["한국은햏"])
	assert.Equal(t, "😄", cfg.Normalize.CueIcons["laugh"])
	// Untouched sections keep defaults.
	assert.Equal(t, 4.3, cfg.Refine.AcceptOverall)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"model": "gpt-4o"}}`), 0o600))

	t.Setenv("TROUPE_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("TROUPE_REFINE_MAX_ATTEMPTS", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 2, cfg.Refine.MaxAttempts)
}

func TestEvalModelFallsBackToMainModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Model = "gpt-4o"
	assert.Equal(t, "gpt-4o", cfg.EvalModel())

	cfg.LLM.EvalModel = "gpt-4o-mini"
	assert.Equal(t, "gpt-4o-mini", cfg.EvalModel())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.LLM.Model = "gpt-4o"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", loaded.LLM.Model)
}

func TestHelperFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 60*time.Second, cfg.RefineTimeout())
	assert.Equal(t, 30*time.Minute, cfg.WindowCacheAge())
}
