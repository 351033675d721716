// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package metrics provides Prometheus instrumentation for:
//   - Backpressure queues (size, utilization, drops, latency)
//   - WebSocket subscriber lifecycle
//   - Frame bus publishes and deliveries
//   - Instrument command latency
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backpressure Metrics
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_frames_dropped_total",
			Help: "Total frames dropped due to backpressure",
		},
		[]string{"run_id", "reason"}, // "slow_client_non_keyframe", "queue_full_timeout"
	)

	QueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "electrochem_frame_queue_size",
			Help: "Current size of a subscriber frame queue",
		},
		[]string{"run_id"},
	)

	QueueUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "electrochem_frame_queue_utilization",
			Help: "Subscriber queue utilization (0-1)",
		},
		[]string{"run_id"},
	)

	FrameLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "electrochem_frame_latency_seconds",
			Help:    "Time between frame enqueue and transmission",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"run_id"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_websocket_connections_total",
			Help: "Total WebSocket connection attempts",
		},
		[]string{"status"}, // "success", "auth_failed", "limit_exceeded", "error"
	)

	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "electrochem_websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
		[]string{"principal_id"},
	)

	WSMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_websocket_messages_total",
			Help: "Total WebSocket messages sent",
		},
		[]string{"run_id", "type"}, // "frame", "status", "log", "event"
	)

	WSDisconnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_websocket_disconnections_total",
			Help: "Total WebSocket disconnections",
		},
		[]string{"reason"}, // "client_disconnect", "error", "server_close", "quota_revoked"
	)

	// Frame Bus Metrics
	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_bus_publishes_total",
			Help: "Total frames published to the bus",
		},
		[]string{"backend"},
	)

	BusDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_bus_messages_received_total",
			Help: "Total messages delivered from telemetry topics to subscribers",
		},
		[]string{"run_id"},
	)

	BusSubscribeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_bus_subscribe_errors_total",
			Help: "Total bus subscription errors",
		},
		[]string{"run_id"},
	)

	// Instrument Service Metrics
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "electrochem_command_duration_seconds",
			Help:    "Instrument command duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"command"},
	)

	SafetyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_safety_violations_total",
			Help: "Total safety interlock violations",
		},
		[]string{"type"},
	)

	EmergencyStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "electrochem_emergency_stops_total",
			Help: "Total emergency stops triggered",
		},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "electrochem_active_runs",
			Help: "Current number of active telemetry bridges",
		},
	)

	// HTTP Metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrochem_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "electrochem_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordCommand times an instrument command from start to now.
func RecordCommand(command string, start time.Time) {
	CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// RecordAPIRequest records a completed HTTP request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
