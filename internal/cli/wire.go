package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/engine"
	"github.com/roach88/covenant/internal/registry"
	"github.com/roach88/covenant/internal/schema"
	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/store/pgstore"
)

// loadConfig reads covenant.yaml and applies the global flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.RegistryDir != "" {
		cfg.Registry.Dir = opts.RegistryDir
	}
	if opts.DBPath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.SQLitePath = opts.DBPath
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	logger, err := config.NewLogger(cfg.Logging, w)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}
	return logger, nil
}

// loadValidator loads schemas from the configured directory, or the bundled
// set when none is configured.
func loadValidator(cfg config.Config) (*schema.Validator, error) {
	if cfg.Registry.SchemasDir == "" {
		v, err := schema.LoadBundled()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load bundled schemas", err)
		}
		return v, nil
	}
	v, err := schema.Load(os.DirFS(cfg.Registry.SchemasDir))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load schemas from "+cfg.Registry.SchemasDir, err)
	}
	return v, nil
}

func loadRegistry(ctx context.Context, cfg config.Config, v *schema.Validator, logger *slog.Logger) (*registry.Registry, error) {
	reg, err := registry.New(ctx, registry.SelectSource(cfg.Registry.Dir), v, registry.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load registry", err)
	}
	return reg, nil
}

// backend is a storage backend the engine can run on.
type backend interface {
	engine.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		st, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open postgres store", err)
		}
		return st, nil
	case config.DriverSQLite:
		st, err := store.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open sqlite store "+cfg.Storage.SQLitePath, err)
		}
		return st, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown storage driver %q", cfg.Storage.Driver))
}
