package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/syncflow/internal/compiler"
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/concepts"
	"github.com/roach88/syncflow/internal/config"
	"github.com/roach88/syncflow/internal/engine"
	"github.com/roach88/syncflow/internal/store"
	"github.com/roach88/syncflow/internal/syncs"
)

// app is one wired syncflow instance: concept state, action log and an
// engine with every rule registered.
type app struct {
	state      *concepts.State
	requesting *concepts.Requesting
	registry   *concept.Registry
	log        *store.Store
	engine     *engine.Engine
}

// openApp opens the databases named by cfg and registers the application
// rules plus any CUE rules in cfg.Rules.Dir.
func openApp(cfg *config.Config) (*app, error) {
	state, err := concepts.OpenState(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open concept state: %w", err)
	}
	requesting, all := concepts.All(state)
	reg, err := concept.NewRegistry(all...)
	if err != nil {
		state.Close()
		return nil, err
	}

	log, err := store.Open(cfg.Store.Path)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("open action log: %w", err)
	}

	eng := engine.New(log, reg, engine.UUIDv7Generator{},
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithParallelism(cfg.Engine.Parallelism),
	)
	a := &app{state: state, requesting: requesting, registry: reg, log: log, engine: eng}

	rules, err := loadRules(cfg.Rules.Dir)
	if err == nil {
		err = eng.RegisterRules(rules...)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	slog.Debug("application ready", "rules", len(rules), "state", cfg.State.Path, "store", cfg.Store.Path)
	return a, nil
}

// loadRules returns the application rules followed by the rules compiled
// from dir, if any.
func loadRules(dir string) ([]engine.Rule, error) {
	rules := syncs.All()
	if dir == "" {
		return rules, nil
	}
	loaded, errs := compiler.LoadDir(dir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load rules %s: %w", dir, errs[0])
	}
	return append(rules, engine.FromSpecs(loaded.Rules)...), nil
}

// Close stops the engine and closes both databases.
func (a *app) Close() error {
	a.engine.Stop()
	return errors.Join(a.log.Close(), a.state.Close())
}

// builtinRegistry registers every concept over a throwaway in-memory
// state, for checking rule references offline.
func builtinRegistry() (*concept.Registry, func(), error) {
	state, err := concepts.OpenState(":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("open concept state: %w", err)
	}
	_, all := concepts.All(state)
	reg, err := concept.NewRegistry(all...)
	if err != nil {
		state.Close()
		return nil, nil, err
	}
	return reg, func() { state.Close() }, nil
}

// loadConfig loads the configuration named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}
