// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package config loads layered service configuration via Koanf:
// built-in defaults, then an optional YAML file, then ELECTROCHEM_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the telemetry service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Driver   DriverConfig   `koanf:"driver"`
	Safety   SafetyConfig   `koanf:"safety"`
	Stream   StreamConfig   `koanf:"stream"`
	Mock     MockConfig     `koanf:"mock"`
	Bus      BusConfig      `koanf:"bus"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the two HTTP listeners: the instrument command
// surface and the subscriber WebSocket surface.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	InstrumentPort int           `koanf:"instrument_port" validate:"gt=0,lte=65535"`
	SubscriberPort int           `koanf:"subscriber_port" validate:"gt=0,lte=65535"`
	Timeout        time.Duration `koanf:"timeout"`
	Environment    string        `koanf:"environment" validate:"oneof=development production"`
}

// DriverConfig governs driver instantiation.
type DriverConfig struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	// PluginDir is scanned for driver implementations at startup.
	// Currently a declared no-op; see driver.Registry.ScanPlugins.
	PluginDir string `koanf:"plugin_dir"`
}

// SafetyConfig is the source of the immutable per-session safety limits.
type SafetyConfig struct {
	MaxVoltage       float64       `koanf:"max_voltage"`
	MinVoltage       float64       `koanf:"min_voltage"`
	MaxCurrent       float64       `koanf:"max_current"`
	MinCurrent       float64       `koanf:"min_current"`
	MaxDuration      time.Duration `koanf:"max_duration"`
	StopOnDisconnect bool          `koanf:"stop_on_disconnect"`
}

// StreamConfig tunes the per-subscriber backpressure controller and the
// connection manager quota.
type StreamConfig struct {
	QueueCapacity              int           `koanf:"queue_capacity" validate:"gt=0"`
	MediumThreshold            float64       `koanf:"medium_threshold" validate:"gt=0,lt=1"`
	SlowThreshold              float64       `koanf:"slow_threshold" validate:"gt=0,lt=1"`
	EnqueueTimeout             time.Duration `koanf:"enqueue_timeout"`
	WarningCooldown            time.Duration `koanf:"warning_cooldown"`
	KeyframeInterval           int           `koanf:"keyframe_interval" validate:"gt=0"`
	MaxConnectionsPerPrincipal int           `koanf:"max_connections_per_principal" validate:"gt=0"`
}

// MockConfig seeds the simulated instrument.
type MockConfig struct {
	SamplingRateHz float64 `koanf:"sampling_rate_hz" validate:"gt=0"`
	Seed           int64   `koanf:"seed"`
	NoiseLevel     float64 `koanf:"noise_level" validate:"gte=0"`
}

// BusConfig selects the frame bus backend. The in-memory bus serves the
// single-process deployment; the NATS backend serves split producer and
// fan-out processes and can run an embedded server.
type BusConfig struct {
	Backend        string        `koanf:"backend" validate:"oneof=memory nats"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
}

// SecurityConfig configures the bearer-token oracle and HTTP limits.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			InstrumentPort: 8081,
			SubscriberPort: 8080,
			Timeout:        30 * time.Second,
			Environment:    "development",
		},
		Driver: DriverConfig{
			ConnectTimeout: 5 * time.Second,
			PluginDir:      "",
		},
		Safety: SafetyConfig{
			MaxVoltage:       10.0,
			MinVoltage:       -10.0,
			MaxCurrent:       1.0,
			MinCurrent:       -1.0,
			MaxDuration:      time.Hour,
			StopOnDisconnect: true,
		},
		Stream: StreamConfig{
			QueueCapacity:              100,
			MediumThreshold:            0.3,
			SlowThreshold:              0.7,
			EnqueueTimeout:             time.Second,
			WarningCooldown:            5 * time.Second,
			KeyframeInterval:           10,
			MaxConnectionsPerPrincipal: 3,
		},
		Mock: MockConfig{
			SamplingRateHz: 100,
			Seed:           0,
			NoiseLevel:     0.05,
		},
		Bus: BusConfig{
			Backend:        "memory",
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks struct tags plus the cross-field constraints the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Stream.MediumThreshold >= c.Stream.SlowThreshold {
		return fmt.Errorf("config validation: medium_threshold %.2f must be below slow_threshold %.2f",
			c.Stream.MediumThreshold, c.Stream.SlowThreshold)
	}
	if c.Safety.MinVoltage >= c.Safety.MaxVoltage {
		return fmt.Errorf("config validation: min_voltage %.2f must be below max_voltage %.2f",
			c.Safety.MinVoltage, c.Safety.MaxVoltage)
	}
	if c.Safety.MinCurrent >= c.Safety.MaxCurrent {
		return fmt.Errorf("config validation: min_current %.2f must be below max_current %.2f",
			c.Safety.MinCurrent, c.Safety.MaxCurrent)
	}
	if c.Server.Environment == "production" && c.Security.JWTSecret == "" {
		return fmt.Errorf("config validation: jwt_secret is required in production")
	}
	return nil
}
