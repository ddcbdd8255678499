package ferro

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ferrovm/ferro/internal/engine"
	"github.com/ferrovm/ferro/internal/filecache"
	"github.com/ferrovm/ferro/wasm"
)

// Config is the TOML-backed runtime configuration.
type Config struct {
	// DefaultTier selects the tier fresh code runs at: "interpreted"
	// (default) or "baseline".
	DefaultTier string `toml:"default_tier"`

	// StepBudget bounds the instructions one host call may execute in
	// interpreted frames; 0 means unlimited.
	StepBudget uint64 `toml:"step_budget"`

	// MaxCallStackDepth bounds guest activation depth; 0 uses the engine
	// default.
	MaxCallStackDepth int `toml:"max_call_stack_depth"`

	// CacheDir, when set, persists optimized code across processes.
	CacheDir string `toml:"cache_dir"`

	// Debug enables development logging of tier transitions.
	Debug bool `toml:"debug"`
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// engineConfig maps the file-level settings onto the engine.
func (c *Config) engineConfig() (engine.Config, error) {
	ec := engine.Config{
		StepBudget:        c.StepBudget,
		MaxCallStackDepth: c.MaxCallStackDepth,
	}
	switch c.DefaultTier {
	case "", "interpreted":
		ec.DefaultTier = wasm.TierInterpreted
	case "baseline":
		ec.DefaultTier = wasm.TierBaseline
	default:
		return ec, fmt.Errorf("default_tier %q is not %q or %q", c.DefaultTier, "interpreted", "baseline")
	}
	if c.CacheDir != "" {
		cache, err := filecache.New(c.CacheDir)
		if err != nil {
			return ec, err
		}
		ec.Cache = cache
	}
	return ec, nil
}
