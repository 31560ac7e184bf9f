// Package config loads covenant.yaml.
//
// Precedence, lowest first: built-in defaults, the config file, environment
// variables, command-line flags (applied by the cli package). A missing file
// means defaults; an unknown key or an invalid value is an error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/covenant/internal/policy"
)

// DefaultFile is the config file looked up when none is named.
const DefaultFile = "covenant.yaml"

// Environment overrides.
const (
	EnvAddr        = "COVENANT_ADDR"
	EnvRegistryDir = "COVENANT_REGISTRY_DIR"
	EnvDatabaseURL = "DATABASE_URL"
	EnvLogLevel    = "COVENANT_LOG_LEVEL"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Service   Service       `yaml:"service"`
	Registry  Registry      `yaml:"registry"`
	Storage   Storage       `yaml:"storage"`
	Limits    policy.Limits `yaml:"limits"`
	Execution Execution     `yaml:"execution"`
	Engine    Engine        `yaml:"engine"`
	Logging   Logging       `yaml:"logging"`
}

type Service struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Registry locates the live registry. An empty or missing Dir selects the
// bundled snapshot.
type Registry struct {
	Dir        string `yaml:"dir"`
	SchemasDir string `yaml:"schemas_dir"`
}

type Storage struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type Execution struct {
	// Deferred is build mode: run records the attempt and never invokes an
	// agent.
	Deferred bool `yaml:"deferred"`
}

type Engine struct {
	CommitAttempts int `yaml:"commit_attempts"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Service: Service{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			Driver:     DriverSQLite,
			SQLitePath: "covenant.db",
		},
		Limits:    policy.DefaultLimits(),
		Execution: Execution{Deferred: true},
		Engine:    Engine{CommitAttempts: 2},
		Logging:   Logging{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path tries DefaultFile in the working directory.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolvePaths makes file paths relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Registry.Dir, &c.Registry.SchemasDir, &c.Storage.SQLitePath} {
		if *p != "" && !filepath.IsAbs(*p) && *p != ":memory:" {
			*p = filepath.Join(base, *p)
		}
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAddr); v != "" {
		c.Service.Addr = v
	}
	if v := getenv(EnvRegistryDir); v != "" {
		c.Registry.Dir = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		c.Storage.Driver = DriverPostgres
		c.Storage.PostgresDSN = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations that cannot run safely.
func (c Config) Validate() error {
	var errs []error
	if c.Service.Addr == "" {
		errs = append(errs, errors.New("service.addr must be set"))
	}
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"service.read_timeout", c.Service.ReadTimeout},
		{"service.write_timeout", c.Service.WriteTimeout},
		{"service.shutdown_timeout", c.Service.ShutdownTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", t.name))
		}
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path must be set for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver))
	}
	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.CommitAttempts < 1 {
		errs = append(errs, errors.New("engine.commit_attempts must be at least 1"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", f))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger described by l.
func NewLogger(l Logging, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
