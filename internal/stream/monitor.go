// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package stream

import (
	"math"
	"sync"

	"github.com/madfam-io/electrochem-sim/internal/logging"
)

// GlobalMetrics aggregates controller counters across all active
// subscribers.
type GlobalMetrics struct {
	ActiveSubscribers       int     `json:"active_subscribers"`
	TotalFramesTransmitted  int64   `json:"total_frames_transmitted"`
	TotalFramesDropped      int64   `json:"total_frames_dropped"`
	TotalKeyframesPreserved int64   `json:"total_keyframes_preserved"`
	AverageQueueUtilization float64 `json:"average_queue_utilization"`
	// BandwidthEfficiency is dropped / (dropped + transmitted): the
	// fraction of produced frames the fan-out declined to send.
	BandwidthEfficiency float64 `json:"bandwidth_efficiency"`
}

// Monitor tracks every live backpressure controller for process-wide
// metrics.
type Monitor struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{controllers: make(map[string]*Controller)}
}

// Register tracks a controller under the subscriber's ID.
func (m *Monitor) Register(subscriberID string, c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[subscriberID] = c
	logging.Debug().Str("subscriber_id", subscriberID).Msg("controller registered with monitor")
}

// Unregister stops tracking a controller. Idempotent.
func (m *Monitor) Unregister(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.controllers, subscriberID)
}

// Global sums the tracked controllers into process-wide statistics.
func (m *Monitor) Global() GlobalMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := GlobalMetrics{ActiveSubscribers: len(m.controllers)}

	var utilizationSum float64
	for _, c := range m.controllers {
		snap := c.Metrics()
		g.TotalFramesTransmitted += snap.FramesTransmitted
		g.TotalFramesDropped += snap.FramesDropped
		g.TotalKeyframesPreserved += snap.KeyframesPreserved
		utilizationSum += snap.Utilization
	}

	if len(m.controllers) > 0 {
		g.AverageQueueUtilization = math.Round(utilizationSum/float64(len(m.controllers))*1000) / 1000
	}
	if total := g.TotalFramesDropped + g.TotalFramesTransmitted; total > 0 {
		g.BandwidthEfficiency = math.Round(float64(g.TotalFramesDropped)/float64(total)*10000) / 10000
	}
	return g
}
