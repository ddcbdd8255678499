// Package ferro embeds a tiered execution core for portable guest modules.
// A Runtime owns one store and one engine; modules instantiate into it and
// export functions callable from Go.
package ferro

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ferrovm/ferro/internal/engine"
	"github.com/ferrovm/ferro/wasm"
)

// Runtime is the top-level entry point.
type Runtime struct {
	store *wasm.Store
	log   *zap.Logger
}

// NewRuntime builds a runtime from the configuration. A nil cfg uses
// defaults.
func NewRuntime(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	log := zap.NewNop()
	if cfg.Debug {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		log = dev
		engine.SetLogger(dev)
	}
	ec, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ec)
	if err != nil {
		return nil, err
	}
	return &Runtime{store: wasm.NewStore(eng), log: log}, nil
}

// Instantiate registers an instance of module under name.
func (r *Runtime) Instantiate(ctx context.Context, module *wasm.Module, name string) (*wasm.ModuleInstance, error) {
	inst, err := r.store.Instantiate(ctx, module, name)
	if err != nil {
		return nil, err
	}
	r.log.Info("module instantiated", zap.String("name", name),
		zap.Uint32("functions", module.FuncCount()))
	return inst, nil
}

// InstantiateFromBytes decodes a serialized module descriptor and
// instantiates it.
func (r *Runtime) InstantiateFromBytes(ctx context.Context, data []byte, name string) (*wasm.ModuleInstance, error) {
	module, err := wasm.DecodeModule(data)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, module, name)
}

// InstantiateHost registers a module exporting the given Go functions, for
// guests to import.
func (r *Runtime) InstantiateHost(name string, funcs map[string]*wasm.HostFunc) (*wasm.ModuleInstance, error) {
	return r.store.NewHostModule(name, funcs)
}

// Module returns a registered instance, or nil.
func (r *Runtime) Module(name string) *wasm.ModuleInstance {
	return r.store.Module(name)
}
