// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package driver defines the frame-producer contract shared by hardware
// potentiostats, the deterministic mock, and any alternative frame
// source (e.g. a numerical solver), plus the registry and the safety
// interlock that every exposed driver is wrapped in.
package driver

import (
	"context"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
)

// Capability identifies a supported electrochemical technique.
type Capability string

const (
	CapabilityCV  Capability = "cyclic_voltammetry"
	CapabilityCA  Capability = "chronoamperometry"
	CapabilityCP  Capability = "chronopotentiometry"
	CapabilityEIS Capability = "electrochemical_impedance_spectroscopy"
	CapabilityLSV Capability = "linear_sweep_voltammetry"
	CapabilityDPV Capability = "differential_pulse_voltammetry"
)

// ParseCapability resolves a technique name to its Capability.
func ParseCapability(name string) (Capability, error) {
	switch Capability(name) {
	case CapabilityCV, CapabilityCA, CapabilityCP, CapabilityEIS, CapabilityLSV, CapabilityDPV:
		return Capability(name), nil
	}
	return "", apperr.Newf(apperr.KindInvalidInput, "unknown technique %q", name)
}

// Status is the instrument connection and operation state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
)

// ConnectionConfig carries vendor-specific connection parameters.
type ConnectionConfig struct {
	Host       string        `json:"host,omitempty"`
	Port       int           `json:"port,omitempty"`
	SerialPort string        `json:"serial_port,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	Timeout    time.Duration `json:"-"`

	// Mock-specific: seed for reproducible runs, noise amplitude as a
	// fraction of signal, and pacing.
	Seed             int64   `json:"seed,omitempty"`
	NoiseLevel       float64 `json:"noise_level,omitempty"`
	SamplingRateHz   float64 `json:"sampling_rate_hz,omitempty"`
	KeyframeInterval int     `json:"keyframe_interval,omitempty"`
}

// Waveform is the programmed drive signal. Values are volts for
// potential-controlled techniques and amperes for current-controlled.
type Waveform struct {
	Type         string   `json:"type" validate:"required,oneof=step ramp triangle sine"`
	InitialValue float64  `json:"initial_value"`
	FinalValue   *float64 `json:"final_value,omitempty"`
	Duration     float64  `json:"duration" validate:"required,gt=0"` // seconds
	ScanRate     *float64 `json:"scan_rate,omitempty"`               // V/s
	Frequency    *float64 `json:"frequency,omitempty"`               // Hz
	Amplitude    *float64 `json:"amplitude,omitempty"`
}

// SafetyLimits are the immutable bounds enforced by the safety wrapper
// for the lifetime of a connection session.
type SafetyLimits struct {
	MaxVoltage       float64       `json:"max_voltage"`
	MinVoltage       float64       `json:"min_voltage"`
	MaxCurrent       float64       `json:"max_current"`
	MinCurrent       float64       `json:"min_current"`
	MaxDuration      time.Duration `json:"max_duration"`
	StopOnDisconnect bool          `json:"stop_on_disconnect"`
}

// Info is instrument metadata returned by Info().
type Info struct {
	Vendor         string       `json:"vendor"`
	Model          string       `json:"model"`
	Serial         string       `json:"serial"`
	Firmware       string       `json:"firmware"`
	Capabilities   []Capability `json:"capabilities"`
	SamplingRateHz float64      `json:"sampling_rate_hz"`
}

// Sample is a single measurement produced by a frame source. The
// telemetry bridge wraps samples into wire frames.
type Sample struct {
	Timestamp int64   // unix epoch milliseconds
	Time      float64 // experiment-elapsed seconds
	Voltage   float64
	Current   float64
	Charge    *float64

	// EIS payload.
	Frequency     *float64
	ImpedanceReal *float64
	ImpedanceImag *float64

	// IsKeyframe is set by the producer at its keyframe cadence.
	IsKeyframe bool
}

// StreamItem carries either a sample or the terminal error that ended
// the stream. A consumer treats Err != nil as "emit one final status
// frame, then close"; the channel is closed immediately after.
type StreamItem struct {
	Sample *Sample
	Err    error
}

// Source is the uniform frame-producer contract. Implementations must
// be safe for one controlling goroutine; concurrent command serialization
// is the caller's responsibility (the instrument service holds a
// per-session lock).
//
// Stream returns a lazy, finite, non-restartable sequence: the channel
// closes when the programmed duration elapses, the experiment is
// stopped, or ctx is cancelled.
type Source interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Info(ctx context.Context) (Info, error)

	Program(ctx context.Context, waveform Waveform, technique Capability) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	// EmergencyStop must complete within 100ms and must set output to
	// 0 V / 0 A before returning.
	EmergencyStop(ctx context.Context) error

	SetVoltage(ctx context.Context, voltage float64) error
	SetCurrent(ctx context.Context, current float64) error

	ReadOnce(ctx context.Context) (*Sample, error)
	Stream(ctx context.Context) (<-chan StreamItem, error)

	Capabilities() []Capability
	Supports(capability Capability) bool
	Status() Status
	Running() bool
	Elapsed() time.Duration
}

// Constructor builds a fresh driver instance from connection config.
type Constructor func(config ConnectionConfig) Source
