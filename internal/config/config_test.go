// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"instrument port", cfg.Server.InstrumentPort, 8081},
		{"subscriber port", cfg.Server.SubscriberPort, 8080},
		{"queue capacity", cfg.Stream.QueueCapacity, 100},
		{"medium threshold", cfg.Stream.MediumThreshold, 0.3},
		{"slow threshold", cfg.Stream.SlowThreshold, 0.7},
		{"enqueue timeout", cfg.Stream.EnqueueTimeout, time.Second},
		{"warning cooldown", cfg.Stream.WarningCooldown, 5 * time.Second},
		{"keyframe interval", cfg.Stream.KeyframeInterval, 10},
		{"quota", cfg.Stream.MaxConnectionsPerPrincipal, 3},
		{"sampling rate", cfg.Mock.SamplingRateHz, 100.0},
		{"connect timeout", cfg.Driver.ConnectTimeout, 5 * time.Second},
		{"max duration", cfg.Safety.MaxDuration, time.Hour},
		{"max voltage", cfg.Safety.MaxVoltage, 10.0},
		{"min voltage", cfg.Safety.MinVoltage, -10.0},
		{"max current", cfg.Safety.MaxCurrent, 1.0},
		{"min current", cfg.Safety.MinCurrent, -1.0},
		{"stop on disconnect", cfg.Safety.StopOnDisconnect, true},
		{"bus backend", cfg.Bus.Backend, "memory"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELECTROCHEM_STREAM_QUEUE_CAPACITY", "25")
	t.Setenv("ELECTROCHEM_SERVER_SUBSCRIBER_PORT", "9090")
	t.Setenv("ELECTROCHEM_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.QueueCapacity != 25 {
		t.Errorf("queue capacity = %d, want 25", cfg.Stream.QueueCapacity)
	}
	if cfg.Server.SubscriberPort != 9090 {
		t.Errorf("subscriber port = %d, want 9090", cfg.Server.SubscriberPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "stream:\n  queue_capacity: 42\nsafety:\n  max_voltage: 5.0\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.QueueCapacity != 42 {
		t.Errorf("queue capacity = %d, want 42", cfg.Stream.QueueCapacity)
	}
	if cfg.Safety.MaxVoltage != 5.0 {
		t.Errorf("max voltage = %v, want 5.0", cfg.Safety.MaxVoltage)
	}
}

func TestValidationFailures(t *testing.T) {
	mutate := []struct {
		name string
		f    func(*Config)
	}{
		{"medium above slow", func(c *Config) { c.Stream.MediumThreshold = 0.8 }},
		{"inverted voltage bounds", func(c *Config) { c.Safety.MinVoltage = 20 }},
		{"inverted current bounds", func(c *Config) { c.Safety.MinCurrent = 2 }},
		{"zero queue capacity", func(c *Config) { c.Stream.QueueCapacity = 0 }},
		{"production without secret", func(c *Config) { c.Server.Environment = "production" }},
	}
	for _, tt := range mutate {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.f(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("validation passed, want failure")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ELECTROCHEM_STREAM_QUEUE_CAPACITY", "stream.queue_capacity"},
		{"ELECTROCHEM_SERVER_INSTRUMENT_PORT", "server.instrument_port"},
		{"ELECTROCHEM_LOGGING_LEVEL", "logging.level"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
