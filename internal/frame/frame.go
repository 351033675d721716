// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package frame defines the telemetry transport unit and its wire form.
//
// A Frame is the single record that flows driver → bus → subscriber
// queue → WebSocket. The wire form is a self-describing JSON object so
// that the bus may be backed by an external broker without a schema
// registry.
package frame

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Kind is the closed set of message kinds carried on a telemetry topic.
type Kind string

const (
	KindFrame  Kind = "frame"
	KindStatus Kind = "status"
	KindLog    Kind = "log"
	KindEvent  Kind = "event"
)

// Frame is a single telemetry record.
//
// Within one run, Timestep is strictly increasing across frames of kind
// KindFrame. Keyframes occur at the producer's cadence (every Nth
// sample) plus on every status transition.
type Frame struct {
	Type      Kind   `json:"type"`
	RunID     string `json:"run_id"`
	Timestep  int64  `json:"timestep"`
	Timestamp int64  `json:"timestamp"` // unix epoch milliseconds
	Time      float64 `json:"time"`     // experiment-elapsed seconds

	// Measurement payload, present on KindFrame.
	Voltage *float64 `json:"voltage,omitempty"`
	Current *float64 `json:"current,omitempty"`
	Charge  *float64 `json:"charge,omitempty"`

	// EIS payload.
	Frequency     *float64 `json:"frequency,omitempty"`
	ImpedanceReal *float64 `json:"impedance_real,omitempty"`
	ImpedanceImag *float64 `json:"impedance_imag,omitempty"`

	IsKeyframe bool `json:"is_keyframe"`

	// Status/event payload, present on non-frame kinds.
	Status  string `json:"status,omitempty"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message,omitempty"`

	// Per-hop delivery metadata, stamped by the backpressure controller
	// on dequeue; never set by producers.
	LatencyMillis *float64 `json:"latency_ms,omitempty"`
}

// NewStatus builds a status frame for a run. Status frames are always
// keyframes so that state transitions survive congestion.
func NewStatus(runID, status, message string, timestep int64, nowMillis int64) *Frame {
	return &Frame{
		Type:       KindStatus,
		RunID:      runID,
		Timestep:   timestep,
		Timestamp:  nowMillis,
		Status:     status,
		Message:    message,
		IsKeyframe: true,
	}
}

// NewEvent builds an event frame. Event frames are keyframes for the
// same reason status frames are.
func NewEvent(runID, event, message string, nowMillis int64) *Frame {
	return &Frame{
		Type:       KindEvent,
		RunID:      runID,
		Timestamp:  nowMillis,
		Event:      event,
		Message:    message,
		IsKeyframe: true,
	}
}

// Marshal encodes the frame to its wire form.
func Marshal(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire-form frame. The type field is required; an
// empty type means the payload did not come from a telemetry producer.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("unmarshal frame: missing type field")
	}
	return &f, nil
}

// Topic returns the canonical bus topic for a run's telemetry.
func Topic(runID string) string {
	return fmt.Sprintf("run:%s:telemetry", runID)
}
