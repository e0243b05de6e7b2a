// Package config loads the engine configuration from YAML with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelquant/adaptengine/internal/engine"
	"github.com/kestrelquant/adaptengine/internal/store"
)

// Backend names accepted by StoreConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the full application configuration.
type Config struct {
	Engine engine.Config `yaml:"engine" json:"engine"`
	Store  StoreConfig   `yaml:"store" json:"store"`
	HTTP   HTTPConfig    `yaml:"http" json:"http"`
	Sched  SchedConfig   `yaml:"sched" json:"sched"`
	Log    LogConfig     `yaml:"log" json:"log"`
	Trace  TraceConfig   `yaml:"trace" json:"trace"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend    string                `yaml:"backend" json:"backend"`
	SQLitePath string                `yaml:"sqlite_path" json:"sqlite_path"`
	Postgres   store.PostgresConfig  `yaml:"postgres" json:"postgres"`
	Persister  store.PersisterConfig `yaml:"persister" json:"persister"`
}

// HTTPConfig configures the local API server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst" json:"rate_burst"`
}

// SchedConfig sets the maintenance cadences.
type SchedConfig struct {
	RegimeInterval    time.Duration `yaml:"regime_interval" json:"regime_interval"`
	RegimeMinSamples  int           `yaml:"regime_min_samples" json:"regime_min_samples"`
	TrainInterval     time.Duration `yaml:"train_interval" json:"train_interval"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval" json:"rebalance_interval"`
	FlushInterval     time.Duration `yaml:"flush_interval" json:"flush_interval"`
	DiagnosticsTTL    time.Duration `yaml:"diagnostics_ttl" json:"diagnostics_ttl"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// TraceConfig toggles the OpenTelemetry stdout exporter.
type TraceConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Store: StoreConfig{
			Backend:    BackendSQLite,
			SQLitePath: "adaptengine.db",
			Persister:  store.DefaultPersisterConfig(),
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Sched: SchedConfig{
			RegimeInterval:    15 * time.Minute,
			RegimeMinSamples:  12,
			TrainInterval:     5 * time.Minute,
			RebalanceInterval: time.Hour,
			FlushInterval:     30 * time.Second,
			DiagnosticsTTL:    5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file when it exists, then applies environment
// overrides and defaults. A missing file is not an error; a malformed
// one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers deployment settings over the file. Malformed
// values are ignored so a bad env never takes the engine down.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADAPT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ADAPT_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Store.Postgres.DSN = v
	}
	if v := os.Getenv("ADAPT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ADAPT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ADAPT_LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Pretty = b
		}
	}
	if v := os.Getenv("ADAPT_TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trace.Enabled = b
		}
	}
	if v := os.Getenv("ADAPT_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.Seed = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "adaptengine.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8090"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.RateLimit <= 0 {
		c.HTTP.RateLimit = 50
	}
	if c.HTTP.RateBurst <= 0 {
		c.HTTP.RateBurst = 100
	}
	if c.Sched.RegimeInterval <= 0 {
		c.Sched.RegimeInterval = 15 * time.Minute
	}
	if c.Sched.RegimeMinSamples <= 0 {
		c.Sched.RegimeMinSamples = 12
	}
	if c.Sched.TrainInterval <= 0 {
		c.Sched.TrainInterval = 5 * time.Minute
	}
	if c.Sched.RebalanceInterval <= 0 {
		c.Sched.RebalanceInterval = time.Hour
	}
	if c.Sched.FlushInterval <= 0 {
		c.Sched.FlushInterval = 30 * time.Second
	}
	if c.Sched.DiagnosticsTTL <= 0 {
		c.Sched.DiagnosticsTTL = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("postgres backend requires a DSN (set store.postgres.dsn or PG_DSN)")
	}
	if c.Engine.EntryThreshold < 0 || c.Engine.EntryThreshold > 1 {
		return fmt.Errorf("entry_threshold %.3f outside [0,1]", c.Engine.EntryThreshold)
	}
	if c.Engine.HoldThreshold >= c.Engine.EntryThreshold {
		return fmt.Errorf("hold_threshold %.3f must be below entry_threshold %.3f",
			c.Engine.HoldThreshold, c.Engine.EntryThreshold)
	}
	if _, err := zerologLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
