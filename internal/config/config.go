// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagewatch/pagewatch/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs the rule scheduler loop.
type SchedulerConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TickIntervalMs int  `mapstructure:"tick_interval_ms"`
	BatchSize      int  `mapstructure:"batch_size"`
	DomainDelayMs  int  `mapstructure:"domain_delay_ms"`
}

// WorkerConfig governs the run executor.
type WorkerConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Concurrency int     `mapstructure:"concurrency"`
	DomainRPS   float64 `mapstructure:"domain_rps"`
	DomainBurst int     `mapstructure:"domain_burst"`
}

// ProvidersConfig holds per-provider connection settings.
type ProvidersConfig struct {
	HeadlessMaxParallel  int    `mapstructure:"headless_max_parallel"`
	FlaresolverrEndpoint string `mapstructure:"flaresolverr_endpoint"`
	BrightdataProxyURL   string `mapstructure:"brightdata_proxy_url"`
	SolverGatewayURL     string `mapstructure:"solver_gateway_url"`
	SolverGatewayAPIKey  string `mapstructure:"solver_gateway_api_key"`
}

// StorageConfig sets where raw page snapshots land.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	ChangeTopic string `mapstructure:"change_topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval_ms", 5000)
	v.SetDefault("scheduler.batch_size", 500)
	v.SetDefault("scheduler.domain_delay_ms", 200)
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.domain_rps", 1.0)
	v.SetDefault("worker.domain_burst", 2)
	v.SetDefault("providers.headless_max_parallel", 2)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.TickIntervalMs <= 0 {
			return fmt.Errorf("scheduler.tick_interval_ms must be > 0")
		}
		if c.Scheduler.BatchSize <= 0 {
			return fmt.Errorf("scheduler.batch_size must be > 0")
		}
	}
	if c.Worker.Enabled && c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 when the worker is enabled")
	}
	if c.Storage.GCSBucket != "" && c.Storage.LocalDir != "" {
		return fmt.Errorf("storage.gcs_bucket and storage.local_dir are mutually exclusive")
	}
	return nil
}

// TickInterval returns the scheduler tick cadence as a duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DomainDelay returns the per-domain enqueue pause as a duration.
func (c SchedulerConfig) DomainDelay() time.Duration {
	return time.Duration(c.DomainDelayMs) * time.Millisecond
}
