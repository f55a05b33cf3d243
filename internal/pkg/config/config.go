package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	State     StateConfig     `mapstructure:"state"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Lock      LockConfig      `mapstructure:"lock"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
	// RateLimit is requests per minute per IP; 0 disables.
	RateLimit int `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	// Workers is how many users the evaluator processes in parallel.
	Workers int `mapstructure:"workers"`
}

type ValkeyConfig struct {
	Addr string `mapstructure:"addr"`
	// ZoneCacheTTL is in seconds; 0 disables the zone cache.
	ZoneCacheTTL int `mapstructure:"zone_cache_ttl"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Enabled      bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig mirrors usecases.EngineConfig.
type EngineConfig struct {
	HysteresisMeters    float64       `mapstructure:"hysteresis_meters"`
	PolygonBufferMeters float64       `mapstructure:"polygon_buffer_meters"`
	ConflictRetries     int           `mapstructure:"conflict_retries"`
	MaxAccuracyMeters   float64       `mapstructure:"max_accuracy_meters"`
	DeliveryGrace       time.Duration `mapstructure:"delivery_grace"`
}

// DeliveryConfig mirrors usecases.DeliveryConfig.
type DeliveryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// StateConfig selects the membership store.
type StateConfig struct {
	// Backend is "postgres" or "badger".
	Backend string `mapstructure:"backend"`
	// BadgerPath is the data directory; empty keeps state in memory.
	BadgerPath string `mapstructure:"badger_path"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// LockConfig controls the cross-process per-user lock.
type LockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Wait    time.Duration `mapstructure:"wait"`
}

// Load reads configuration from file and environment variables.
func Load(service string) (*Config, error) {
	v := viper.New()
	setDefaults(v, service)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	// Environment variables: SAFEWATCH_ENGINE_HYSTERESIS_METERS → engine.hysteresis_meters
	v.SetEnvPrefix("SAFEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "safewatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "safewatch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.workers", 8)
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("valkey.zone_cache_ttl", 30)
	v.SetDefault("telemetry.service_name", service)
	v.SetDefault("telemetry.otlp_endpoint", "tempo:4317")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.hysteresis_meters", 50.0)
	v.SetDefault("engine.polygon_buffer_meters", 25.0)
	v.SetDefault("engine.conflict_retries", 3)
	v.SetDefault("engine.max_accuracy_meters", 0.0)
	v.SetDefault("engine.delivery_grace", "5s")

	v.SetDefault("delivery.max_attempts", 8)
	v.SetDefault("delivery.initial_backoff", "5s")
	v.SetDefault("delivery.max_backoff", "5m")
	v.SetDefault("delivery.retry_interval", "10s")
	v.SetDefault("delivery.batch_size", 100)
	v.SetDefault("delivery.publish_timeout", "5s")

	v.SetDefault("state.backend", "postgres")
	v.SetDefault("state.badger_path", "")

	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "geofence-escalation")

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.ttl", "10s")
	v.SetDefault("lock.wait", "2s")
}

// Validate checks that required configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if c.NATS.URL == "" {
		errs = append(errs, "nats.url is required")
	}
	if c.NATS.Workers <= 0 {
		errs = append(errs, "nats.workers must be positive")
	}

	switch c.State.Backend {
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.User == "" {
			errs = append(errs, "database.user is required")
		}
		if c.Database.DBName == "" {
			errs = append(errs, "database.dbname is required")
		}
	case "badger":
	default:
		errs = append(errs, fmt.Sprintf("state.backend must be postgres or badger, got %q", c.State.Backend))
	}

	if (c.Lock.Enabled || c.Valkey.ZoneCacheTTL > 0) && c.Valkey.Addr == "" {
		errs = append(errs, "valkey.addr is required when the lock or zone cache is enabled")
	}
	if c.Lock.Enabled && c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}

	if c.Engine.HysteresisMeters < 0 {
		errs = append(errs, "engine.hysteresis_meters must not be negative")
	}
	if c.Engine.PolygonBufferMeters < 0 {
		errs = append(errs, "engine.polygon_buffer_meters must not be negative")
	}
	if c.Engine.ConflictRetries < 0 {
		errs = append(errs, "engine.conflict_retries must not be negative")
	}
	if c.Engine.MaxAccuracyMeters < 0 {
		errs = append(errs, "engine.max_accuracy_meters must not be negative")
	}

	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, "delivery.max_attempts must be positive")
	}
	if c.Delivery.InitialBackoff <= 0 {
		errs = append(errs, "delivery.initial_backoff must be positive")
	}
	if c.Delivery.MaxBackoff < c.Delivery.InitialBackoff {
		errs = append(errs, "delivery.max_backoff must be at least delivery.initial_backoff")
	}
	if c.Delivery.RetryInterval <= 0 {
		errs = append(errs, "delivery.retry_interval must be positive")
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, "delivery.batch_size must be positive")
	}

	if c.Temporal.Enabled && c.Temporal.HostPort == "" {
		errs = append(errs, "temporal.host_port is required when temporal is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
