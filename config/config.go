package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Liqwatch   LiqwatchConfig   `yaml:"liqwatch"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Source     SourceConfig     `yaml:"source"`
	Store      StoreConfig      `yaml:"store"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Status     StatusConfig     `yaml:"status"`

	// Environment is resolved from APP_ENV, never from the file.
	Environment string `yaml:"-"`
}

type LiqwatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Region        string        `yaml:"region"`
	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ChannelsConfig sizes the buffers that bridge callback based exchange SDKs
// to the listener streams.
type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type SupervisorConfig struct {
	// Strategy is "fixed" or "exponential".
	Strategy   string        `yaml:"strategy"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// ResetAfter resets exponential backoff once a stream stayed up this long.
	ResetAfter time.Duration `yaml:"reset_after"`
}

type SnapshotConfig struct {
	// RefreshInterval of zero fetches a fresh snapshot for every event.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// MaxStale bounds how old a last-known-good snapshot may be when the
	// store is unavailable. Zero disables the fallback.
	MaxStale     time.Duration `yaml:"max_stale"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// RetryInterval is how long a failed fetch is remembered before the
	// store is tried again.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type DispatcherConfig struct {
	MaxConcurrency int     `yaml:"max_concurrency"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

type SourceConfig struct {
	Binance ListenerConfig `yaml:"binance"`
	Bybit   ListenerConfig `yaml:"bybit"`
	Okx     ListenerConfig `yaml:"okx"`
	Kucoin  ListenerConfig `yaml:"kucoin"`
}

type ListenerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Symbols      []string      `yaml:"symbols"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// ContractValues converts contract counts to base quantity per symbol.
	ContractValues map[string]float64 `yaml:"contract_values"`
	// SideIsPosition trusts the feed's side field as the liquidated position.
	SideIsPosition bool `yaml:"side_is_position"`

	ReadBufferBytes   int `yaml:"read_buffer_bytes"`
	ReadMessageBuffer int `yaml:"read_message_buffer"`
}

type StoreConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type NotifierConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// StatusConfig controls the JSON status API.
type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type TelegramConfig struct {
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used before the YAML file is applied.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Channels: ChannelsConfig{RawBuffer: 1024},
		Supervisor: SupervisorConfig{
			Strategy:   BackoffFixed,
			Backoff:    5 * time.Second,
			MaxBackoff: time.Minute,
			ResetAfter: time.Minute,
		},
		Snapshot: SnapshotConfig{
			RefreshInterval: 10 * time.Second,
			MaxStale:        5 * time.Minute,
			FetchTimeout:    5 * time.Second,
			RetryInterval:   10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrency: 8,
			RatePerSecond:  25,
			Burst:          25,
		},
		Store: StoreConfig{
			Postgres: PostgresConfig{
				MaxOpenConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
	}
}

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Environment = AppEnvironment()
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifier.Telegram.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}
}

// EnabledSources lists the enabled listener configs keyed by exchange name.
func (c *Config) EnabledSources() map[string]ListenerConfig {
	out := make(map[string]ListenerConfig, 4)
	for name, lc := range map[string]ListenerConfig{
		"binance": c.Source.Binance,
		"bybit":   c.Source.Bybit,
		"okx":     c.Source.Okx,
		"kucoin":  c.Source.Kucoin,
	} {
		if lc.Enabled {
			out[name] = lc
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Liqwatch.Name == "" {
		return fmt.Errorf("liqwatch.name is required")
	}
	if cfg.Liqwatch.Version == "" {
		return fmt.Errorf("liqwatch.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	switch cfg.Supervisor.Strategy {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("supervisor.strategy must be %q or %q", BackoffFixed, BackoffExponential)
	}
	if cfg.Supervisor.Backoff <= 0 {
		return fmt.Errorf("supervisor.backoff must be greater than 0")
	}
	if cfg.Supervisor.Strategy == BackoffExponential && cfg.Supervisor.MaxBackoff < cfg.Supervisor.Backoff {
		return fmt.Errorf("supervisor.max_backoff must be at least supervisor.backoff")
	}

	if cfg.Snapshot.RefreshInterval < 0 || cfg.Snapshot.MaxStale < 0 || cfg.Snapshot.RetryInterval < 0 {
		return fmt.Errorf("snapshot intervals must not be negative")
	}

	if cfg.Dispatcher.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatcher.max_concurrency must be greater than 0")
	}
	if cfg.Dispatcher.RatePerSecond < 0 {
		return fmt.Errorf("dispatcher.rate_per_second must not be negative")
	}

	if len(cfg.EnabledSources()) == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	if cfg.Source.Bybit.Enabled && len(cfg.Source.Bybit.Symbols) == 0 {
		return fmt.Errorf("source.bybit.symbols is required when bybit is enabled")
	}
	if cfg.Source.Kucoin.Enabled && len(cfg.Source.Kucoin.Symbols) == 0 {
		return fmt.Errorf("source.kucoin.symbols is required when kucoin is enabled")
	}

	if cfg.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required")
	}

	if IsProductionLike(cfg.Environment) && cfg.Notifier.Telegram.Token == "" {
		return fmt.Errorf("notifier.telegram.token is required in %s", cfg.Environment)
	}

	return nil
}
