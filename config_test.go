package ferro

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/wasm"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferro.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_tier = "baseline"
step_budget = 1000
max_call_stack_depth = 64
debug = true
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "baseline", cfg.DefaultTier)
	require.Equal(t, uint64(1000), cfg.StepBudget)
	require.Equal(t, 64, cfg.MaxCallStackDepth)
	require.True(t, cfg.Debug)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestConfig_engineConfig(t *testing.T) {
	ec, err := (&Config{}).engineConfig()
	require.NoError(t, err)
	require.Equal(t, wasm.TierInterpreted, ec.DefaultTier)
	require.Nil(t, ec.Cache)

	ec, err = (&Config{DefaultTier: "baseline", StepBudget: 5}).engineConfig()
	require.NoError(t, err)
	require.Equal(t, wasm.TierBaseline, ec.DefaultTier)
	require.Equal(t, uint64(5), ec.StepBudget)

	_, err = (&Config{DefaultTier: "optimized"}).engineConfig()
	require.ErrorContains(t, err, `default_tier "optimized"`)

	dir := filepath.Join(t.TempDir(), "cache")
	ec, err = (&Config{CacheDir: dir}).engineConfig()
	require.NoError(t, err)
	require.NotNil(t, ec.Cache)
	require.DirExists(t, dir)
}
