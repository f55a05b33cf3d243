package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("safewatch-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.HysteresisMeters != 50 || cfg.Engine.PolygonBufferMeters != 25 {
		t.Errorf("unexpected engine buffers %+v", cfg.Engine)
	}
	if cfg.Delivery.InitialBackoff != 5*time.Second || cfg.Delivery.MaxBackoff != 5*time.Minute {
		t.Errorf("unexpected backoff %+v", cfg.Delivery)
	}
	if cfg.State.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %q", cfg.State.Backend)
	}
	if cfg.NATS.Workers != 8 {
		t.Errorf("expected 8 evaluator workers, got %d", cfg.NATS.Workers)
	}
	if cfg.Telemetry.ServiceName != "safewatch-test" {
		t.Errorf("expected service name default, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SAFEWATCH_ENGINE_HYSTERESIS_METERS", "75")
	t.Setenv("SAFEWATCH_DELIVERY_MAX_BACKOFF", "10m")
	t.Setenv("SAFEWATCH_STATE_BACKEND", "badger")

	cfg, err := Load("safewatch-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.HysteresisMeters != 75 {
		t.Errorf("expected 75, got %v", cfg.Engine.HysteresisMeters)
	}
	if cfg.Delivery.MaxBackoff != 10*time.Minute {
		t.Errorf("expected 10m, got %v", cfg.Delivery.MaxBackoff)
	}
	if cfg.State.Backend != "badger" {
		t.Errorf("expected badger, got %q", cfg.State.Backend)
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, ReadTimeout: 10, WriteTimeout: 10},
		Database: DatabaseConfig{Host: "db", Port: 5432, User: "u", DBName: "d"},
		NATS:     NATSConfig{URL: "nats://nats:4222", Workers: 8},
		Engine:   EngineConfig{HysteresisMeters: 50, PolygonBufferMeters: 25, ConflictRetries: 3},
		Delivery: DeliveryConfig{
			MaxAttempts:    8,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			RetryInterval:  time.Second,
			BatchSize:      10,
		},
		State: StateConfig{Backend: "postgres"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"badger skips database", func(c *Config) { c.State.Backend = "badger"; c.Database = DatabaseConfig{} }, ""},
		{"negative hysteresis", func(c *Config) { c.Engine.HysteresisMeters = -1 }, "engine.hysteresis_meters"},
		{"backoff ceiling below base", func(c *Config) { c.Delivery.MaxBackoff = time.Millisecond }, "delivery.max_backoff"},
		{"zero attempts", func(c *Config) { c.Delivery.MaxAttempts = 0 }, "delivery.max_attempts"},
		{"no workers", func(c *Config) { c.NATS.Workers = 0 }, "nats.workers"},
		{"lock without valkey", func(c *Config) { c.Lock = LockConfig{Enabled: true, TTL: time.Second} }, "valkey.addr"},
		{"temporal without host", func(c *Config) { c.Temporal.Enabled = true }, "temporal.host_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	c := validConfig()
	c.Server.Port = -1
	c.Delivery.BatchSize = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "server.port") || !strings.Contains(err.Error(), "delivery.batch_size") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}
