package config

import (
	"context"
	"fmt"

	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/pkg/metrics"
	"github.com/marmos91/smbzfs/pkg/smbconf"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/store/state/badger"
	"github.com/marmos91/smbzfs/pkg/store/state/jsonfile"
	"github.com/marmos91/smbzfs/pkg/store/state/memory"
	"github.com/marmos91/smbzfs/pkg/system"
	"github.com/mitchellh/mapstructure"
)

// CreateStateBackend creates a state backend based on configuration.
//
// The Type field selects the implementation and the map of the same name is
// decoded into that backend's Config:
//   - "json": pkg/store/state/jsonfile (default, single file with .backup)
//   - "badger": pkg/store/state/badger
//   - "memory": pkg/store/state/memory (nothing survives the process)
func CreateStateBackend(ctx context.Context, cfg *StateConfig) (state.Backend, error) {
	switch cfg.Type {
	case "json":
		return createJSONBackend(cfg.JSON)
	case "badger":
		return createBadgerBackend(ctx, cfg.Badger)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown state store type: %q", cfg.Type)
	}
}

func createJSONBackend(options map[string]any) (state.Backend, error) {
	var storeCfg jsonfile.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode json state store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("json state store: path is required")
	}

	return jsonfile.New(storeCfg)
}

func createBadgerBackend(ctx context.Context, options map[string]any) (state.Backend, error) {
	var storeCfg badger.Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &storeCfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode badger state store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger state store: db_path is required")
	}

	store, err := badger.New(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger state store: %w", err)
	}
	return store, nil
}

// OpenStateStore creates the configured backend and loads the document.
func OpenStateStore(ctx context.Context, cfg *Config) (*state.Store, error) {
	backend, err := CreateStateBackend(ctx, &cfg.State)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, backend, metrics.NewStoreMetrics(cfg.State.Type))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// CreateLocker returns the state lock. An empty lock path disables locking.
func CreateLocker(cfg *StateConfig) state.Locker {
	if cfg.LockPath == "" {
		return state.NopLocker{}
	}
	return state.NewFileLock(cfg.LockPath)
}

// CreateServiceController creates the configured service backend.
func CreateServiceController(cfg *ServicesConfig, runner command.Runner) (system.ServiceController, error) {
	switch cfg.Backend {
	case "systemctl":
		return system.NewSystemctlController(runner), nil
	case "dbus":
		return system.NewDBusController(cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown service backend: %q", cfg.Backend)
	}
}

// CreateSystemClient wires the OS adapter.
func CreateSystemClient(cfg *Config, runner command.Runner) (*system.Client, error) {
	services, err := CreateServiceController(&cfg.Services, runner)
	if err != nil {
		return nil, err
	}
	return system.New(runner, services, system.Options{
		SambaConfigPath: cfg.Samba.ConfigPath,
		TestparmBinary:  cfg.Samba.TestparmBinary,
		SambaUnits:      cfg.Services.SambaUnits,
		DiscoveryUnits:  cfg.Services.DiscoveryUnits,
	}), nil
}

// CreateRenderer wires the Samba/Avahi renderer.
func CreateRenderer(cfg *SambaConfig) *smbconf.Renderer {
	return smbconf.NewRenderer(cfg.ConfigPath, cfg.AvahiServicePath)
}
