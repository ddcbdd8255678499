// Command ferro loads a serialized module descriptor, instantiates it and
// invokes an exported function with integer arguments.
//
// Usage:
//
//	ferro [-config ferro.toml] [-invoke name] module.fvm [arg...]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/ferrovm/ferro"
	"github.com/ferrovm/ferro/api"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	invoke := flag.String("invoke", "", "exported function to invoke")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: ferro [-config ferro.toml] [-invoke name] module.fvm [arg...]")
		os.Exit(2)
	}
	if err := run(*configPath, *invoke, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ferro:", err)
		os.Exit(1)
	}
}

func run(configPath, invoke, modulePath string, rawArgs []string) error {
	cfg := &ferro.Config{}
	if configPath != "" {
		loaded, err := ferro.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	rt, err := ferro.NewRuntime(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(modulePath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	inst, err := rt.InstantiateFromBytes(ctx, data, "main")
	if err != nil {
		return err
	}
	if invoke == "" {
		return nil
	}

	fn, err := inst.ExportedFunction(invoke)
	if err != nil {
		return err
	}
	t := fn.Type()
	if len(rawArgs) != len(t.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", invoke, len(t.Params), len(rawArgs))
	}
	params := make([]uint64, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		switch t.Params[i] {
		case api.ValueTypeI32:
			params[i] = api.EncodeI32(int32(v))
		default:
			params[i] = api.EncodeI64(v)
		}
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", invoke, err)
	}
	for i, r := range results {
		switch t.Results[i] {
		case api.ValueTypeI32:
			fmt.Println(api.DecodeI32(r))
		case api.ValueTypeI64:
			fmt.Println(int64(r))
		case api.ValueTypeF32:
			fmt.Println(api.DecodeF32(r))
		default:
			fmt.Println(api.DecodeF64(r))
		}
	}
	return nil
}
