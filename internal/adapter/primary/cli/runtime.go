package cli

import (
	"context"
	"errors"
	"fmt"

	"audioguard/internal/adapter/secondary/native"
	"audioguard/internal/adapter/secondary/policy"
	"audioguard/internal/adapter/secondary/process"
	"audioguard/internal/adapter/secondary/repository"
	"audioguard/internal/adapter/secondary/volume"
	"audioguard/internal/config"
	"audioguard/internal/core"
	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/usecase"
)

// runtime is the composition root: config, secondary adapters and a started
// engine.
type runtime struct {
	store    *config.FileStore
	cfg      config.Config
	sim      *native.Simulator
	policies *policy.Table
	resolver *process.Resolver
	prefs    *repository.FilePreferenceStore
	engine   usecase.EngineUseCase
	watcher  *config.Watcher
}

func loadConfig() (*config.FileStore, config.Config, error) {
	store, err := config.NewFileStore(cfgPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	return store, cfg, nil
}

// applyLogLevel uses the configured level unless -v was given.
func applyLogLevel(cfg config.Config) {
	if verbosity > 0 {
		return
	}
	if err := logging.Initialize(cfg.Log.Level); err != nil {
		logging.Warnf("log.level: %v", err)
	}
}

func optionsFrom(cfg config.Config) usecase.Options {
	return usecase.Options{
		Microphone: core.Settings{
			SmallHysteresis: cfg.Microphone.SmallHysteresis,
			Hysteresis:      cfg.Microphone.Hysteresis,
			Delay:           cfg.Microphone.AdjustDelay.Duration(),
		},
		DefaultTarget:  cfg.Microphone.TargetVolume,
		DefaultControl: cfg.Microphone.ControlEnabled,
		LogAdjustments: cfg.Session.LogAdjustments,
	}
}

// rulesFrom converts [[policy]] entries; config volumes are percentages.
func rulesFrom(cfg config.Config) ([]policy.Rule, error) {
	rules := make([]policy.Rule, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		strategy, err := domain.ParseStrategy(p.Strategy)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Process, err)
		}
		rules = append(rules, policy.Rule{
			Process:  p.Process,
			Strategy: strategy,
			Volume:   domain.PercentToScalar(p.Volume),
		})
	}
	return rules, nil
}

func policyTable(cfg config.Config) (*policy.Table, error) {
	rules, err := rulesFrom(cfg)
	if err != nil {
		return nil, err
	}
	return policy.NewTable(rules)
}

// openBackend selects the endpoint backend. The simulator is returned
// separately so the shell can drive it.
func openBackend(cfg config.Config, configPath string) (domain.Enumerator, *native.Simulator, error) {
	switch cfg.Backend.Kind {
	case config.BackendAppleScript:
		return volume.NewAppleScriptEnumerator(nil, 0), nil, nil
	case config.BackendNone:
		return volume.NoopEnumerator{}, nil, nil
	}

	if path := config.ResolvePath(configPath, cfg.Backend.Scenario); path != "" {
		sim, err := native.LoadScenario(path)
		if err != nil {
			return nil, nil, err
		}
		return sim, sim, nil
	}
	sim := native.NewSimulator()
	if err := sim.Apply(native.DemoScenario()); err != nil {
		return nil, nil, err
	}
	return sim, sim, nil
}

func preferencesPath(cfg config.Config, configPath string) string {
	if cfg.Storage.Preferences == "" {
		return repository.DefaultPath()
	}
	return config.ResolvePath(configPath, cfg.Storage.Preferences)
}

func openPreferences(cfg config.Config) (*repository.FilePreferenceStore, error) {
	return repository.NewFilePreferenceStore(preferencesPath(cfg, cfgPath))
}

// openRuntime wires every adapter into an engine and starts it.
func openRuntime(ctx context.Context) (*runtime, error) {
	store, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg)

	policies, err := policyTable(cfg)
	if err != nil {
		return nil, err
	}
	prefs, err := openPreferences(cfg)
	if err != nil {
		return nil, err
	}
	enum, sim, err := openBackend(cfg, store.Path())
	if err != nil {
		return nil, err
	}
	resolver := process.NewResolver()

	engine, err := usecase.NewEngine(usecase.Dependencies{
		Enumerator:  enum,
		Preferences: prefs,
		Resolver:    resolver,
		Policies:    policies,
	}, optionsFrom(cfg))
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Close(context.Background())
		return nil, err
	}
	logging.Debugf("backend %s, %d policy rule(s), preferences at %s", cfg.Backend.Kind, policies.Len(), prefs.Path())
	return &runtime{
		store:    store,
		cfg:      cfg,
		sim:      sim,
		policies: policies,
		resolver: resolver,
		prefs:    prefs,
		engine:   engine,
	}, nil
}

// watchConfig reloads policies and tunables when the config file changes.
func (rt *runtime) watchConfig() error {
	w, err := config.NewWatcher(rt.store, rt.reload)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	rt.watcher = w
	return nil
}

func (rt *runtime) reload(cfg config.Config) {
	rules, err := rulesFrom(cfg)
	if err != nil {
		logging.Warnf("config reload: %v", err)
		return
	}
	if err := rt.policies.Replace(rules); err != nil {
		logging.Warnf("config reload: %v", err)
		return
	}
	rt.engine.Reconfigure(optionsFrom(cfg))
	applyLogLevel(cfg)
	logging.Infof("applied config: %d policy rule(s)", rt.policies.Len())
}

func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	logging.Sync()
	return errors.Join(errs...)
}
