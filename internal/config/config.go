package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration. Every field has a default, so an
// empty file (or no file) yields a runnable single-node setup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Collector CollectorConfig `mapstructure:"collector"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Router    RouterConfig    `mapstructure:"router"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Assembly  AssemblyConfig  `mapstructure:"assembly"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// PublicURL is the externally reachable base URL; callback targets are
	// derived from it.
	PublicURL string `mapstructure:"public_url"`
}

type CollectorConfig struct {
	GraceWindow      time.Duration `mapstructure:"grace_window"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	FinalizeAttempts int           `mapstructure:"finalize_attempts"`
	FinalizeBackoff  time.Duration `mapstructure:"finalize_backoff"`
}

type RegistryConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

type RouterConfig struct {
	// LLMServiceURL enables the LLM router when non-empty.
	LLMServiceURL       string        `mapstructure:"llm_service_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
}

type DispatchConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Rate           float64       `mapstructure:"rate"`
	Burst          int           `mapstructure:"burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TemplatesPath  string        `mapstructure:"templates_path"`
}

type AssemblyConfig struct {
	// OutputPath re-renders the shared document to disk when non-empty.
	OutputPath string `mapstructure:"output_path"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

type EventsConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
	// RedisAddr enables the Redis Streams mirror when non-empty.
	RedisAddr string `mapstructure:"redis_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.public_url", "http://localhost:8090")

	v.SetDefault("collector.grace_window", 5*time.Second)
	v.SetDefault("collector.sweep_interval", time.Second)
	v.SetDefault("collector.finalize_attempts", 3)
	v.SetDefault("collector.finalize_backoff", 250*time.Millisecond)

	v.SetDefault("registry.heartbeat_timeout", 30*time.Second)
	v.SetDefault("registry.cleanup_interval", 10*time.Second)

	v.SetDefault("router.llm_service_url", "")
	v.SetDefault("router.timeout", 30*time.Second)
	v.SetDefault("router.confidence_threshold", 0.5)

	v.SetDefault("dispatch.default_timeout", 60*time.Second)
	v.SetDefault("dispatch.rate", 50.0)
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("dispatch.request_timeout", 10*time.Second)
	v.SetDefault("dispatch.templates_path", "")

	v.SetDefault("assembly.output_path", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite3")
	v.SetDefault("archive.dsn", "manifold.db")

	v.SetDefault("events.ring_capacity", 256)
	v.SetDefault("events.redis_addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "manifold")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":2112")
}

// Load reads configuration from path (optional) with MANIFOLD_* environment
// overrides, e.g. MANIFOLD_SERVER_LISTEN_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MANIFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr cannot be empty")
	}
	if c.Collector.FinalizeAttempts <= 0 {
		return fmt.Errorf("collector.finalize_attempts must be positive")
	}
	if c.Router.ConfidenceThreshold <= 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be in (0, 1]")
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn required when archive is enabled")
	}
	return nil
}
