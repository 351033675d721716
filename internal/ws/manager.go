// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package ws fans telemetry out to WebSocket subscribers. The
// connection manager enforces authentication, per-principal connection
// quotas, and lifecycle symmetry: every accepted subscriber has exactly
// one teardown path that releases its bus subscription, its
// backpressure controller, and its quota slot.
package ws

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/config"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
	"github.com/madfam-io/electrochem-sim/internal/stream"
)

// Disconnect reasons recorded on teardown.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonError            = "error"
	ReasonServerClose      = "server_close"
	ReasonQuotaRevoked     = "quota_revoked"
)

// Manager owns every live subscriber. It is the sole owner: the bus
// holds only each subscriber's mailbox, so teardown flows
// manager → cancel tasks → unsubscribe → close controller with no
// ownership cycle.
type Manager struct {
	cfg     config.StreamConfig
	bus     bus.Bus
	monitor *stream.Monitor

	mu           sync.Mutex
	subscribers  map[string]*Subscriber
	perPrincipal map[string]int
}

// NewManager creates a manager enforcing cfg's quota.
func NewManager(cfg config.StreamConfig, b bus.Bus, monitor *stream.Monitor) *Manager {
	logging.Info().
		Int("max_connections_per_principal", cfg.MaxConnectionsPerPrincipal).
		Msg("connection manager initialized")
	return &Manager{
		cfg:          cfg,
		bus:          b,
		monitor:      monitor,
		subscribers:  make(map[string]*Subscriber),
		perPrincipal: make(map[string]int),
	}
}

// PrincipalConnections returns the live subscriber count for a
// principal.
func (m *Manager) PrincipalConnections(principalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perPrincipal[principalID]
}

// SubscriberCount returns the total number of live subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Accept admits an upgraded socket as a subscriber of runID. The quota
// slot is claimed and the bus subscription, controller, and monitor
// registration are bound together before the subscriber is visible.
//
// On quota exhaustion it fails with quota-exceeded and touches nothing.
func (m *Manager) Accept(ctx context.Context, conn *websocket.Conn, runID, principalID string) (*Subscriber, error) {
	m.mu.Lock()
	if m.perPrincipal[principalID] >= m.cfg.MaxConnectionsPerPrincipal {
		m.mu.Unlock()
		metrics.WSConnections.WithLabelValues("limit_exceeded").Inc()
		return nil, apperr.Newf(apperr.KindQuotaExceeded,
			"connection limit exceeded (max %d per principal)", m.cfg.MaxConnectionsPerPrincipal).
			WithDetail("max_connections_per_principal", m.cfg.MaxConnectionsPerPrincipal)
	}
	m.perPrincipal[principalID]++
	m.mu.Unlock()

	controller := stream.NewController(runID, stream.Options{
		Capacity:        m.cfg.QueueCapacity,
		MediumThreshold: m.cfg.MediumThreshold,
		SlowThreshold:   m.cfg.SlowThreshold,
		EnqueueTimeout:  m.cfg.EnqueueTimeout,
		WarningCooldown: m.cfg.WarningCooldown,
	})

	subscription, err := m.bus.Subscribe(ctx, frame.Topic(runID))
	if err != nil {
		m.releaseQuota(principalID)
		controller.Close()
		metrics.WSConnections.WithLabelValues("error").Inc()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		ID:          uuid.New().String(),
		PrincipalID: principalID,
		RunID:       runID,
		conn:        conn,
		controller:  controller,
		subscription: subscription,
		bus:         m.bus,
		manager:     m,
		cancel:      cancel,
		ctx:         subCtx,
		createdAt:   time.Now(),
	}

	m.mu.Lock()
	m.subscribers[sub.ID] = sub
	connections := m.perPrincipal[principalID]
	m.mu.Unlock()

	m.monitor.Register(sub.ID, controller)

	metrics.WSConnections.WithLabelValues("success").Inc()
	metrics.WSConnectionsActive.WithLabelValues(principalID).Set(float64(connections))
	logging.Info().
		Str("run_id", runID).
		Str("principal_id", principalID).
		Str("connections", strconv.Itoa(connections)+"/"+strconv.Itoa(m.cfg.MaxConnectionsPerPrincipal)).
		Msg("websocket subscriber connected")

	return sub, nil
}

// teardown is the single exit path for a subscriber. Idempotence is
// handled by the subscriber's once guard.
func (m *Manager) teardown(sub *Subscriber, reason string) {
	sub.cancel()
	sub.subscription.Unsubscribe()
	sub.controller.Close()
	m.monitor.Unregister(sub.ID)

	m.mu.Lock()
	delete(m.subscribers, sub.ID)
	m.mu.Unlock()
	m.releaseQuota(sub.PrincipalID)

	m.mu.Lock()
	remaining := m.perPrincipal[sub.PrincipalID]
	m.mu.Unlock()

	metrics.WSDisconnections.WithLabelValues(reason).Inc()
	metrics.WSConnectionsActive.WithLabelValues(sub.PrincipalID).Set(float64(remaining))
	logging.Info().
		Str("run_id", sub.RunID).
		Str("principal_id", sub.PrincipalID).
		Str("reason", reason).
		Msg("websocket subscriber disconnected")
}

func (m *Manager) releaseQuota(principalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perPrincipal[principalID] > 0 {
		m.perPrincipal[principalID]--
	}
	if m.perPrincipal[principalID] == 0 {
		delete(m.perPrincipal, principalID)
	}
}

// Shutdown tears down every subscriber with the server_close reason.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close(ReasonServerClose)
	}
}
