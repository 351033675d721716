// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/auth"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
	"github.com/madfam-io/electrochem-sim/internal/store"
)

// Handler upgrades and serves telemetry subscribers.
type Handler struct {
	manager  *Manager
	oracle   auth.Oracle
	records  store.RecordStore
	upgrader websocket.Upgrader
}

// NewHandler wires the WebSocket endpoint. checkOrigin may be nil to
// accept all origins (development).
func NewHandler(manager *Manager, oracle auth.Oracle, records store.RecordStore,
	checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		manager: manager,
		oracle:  oracle,
		records: records,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// connectedEvent is the first message on every successful subscription,
// synthesized locally rather than read from the bus.
type connectedEvent struct {
	Type             string              `json:"type"`
	Event            string              `json:"event"`
	RunID            string              `json:"run_id"`
	Timestamp        string              `json:"timestamp"`
	Message          string              `json:"message"`
	TelemetryChannel string              `json:"telemetry_channel"`
	Backpressure     backpressureAdvice  `json:"backpressure"`
}

type backpressureAdvice struct {
	MaxQueueSize         int     `json:"max_queue_size"`
	SlowThreshold        float64 `json:"slow_threshold"`
	FrameDroppingEnabled bool    `json:"frame_dropping_enabled"`
}

// Subscribe handles GET /ws/runs/{run-id}?token=...
//
// Browsers cannot set an Authorization header on a WebSocket handshake,
// so the bearer token travels as a query parameter. Rejections that can
// be expressed before the upgrade (auth, quota) use HTTP statuses;
// access decisions after the upgrade use close codes 1008/1011/1013.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ctx := r.Context()

	principal, err := h.oracle.Authenticate(ctx, r.URL.Query().Get("token"))
	if err != nil {
		metrics.WSConnections.WithLabelValues("auth_failed").Inc()
		apperr.WriteHTTP(w, r, err)
		return
	}

	// Quota is checked before the upgrade so the client sees HTTP 429
	// rather than a post-upgrade close.
	if h.manager.PrincipalConnections(principal.ID) >= h.manager.cfg.MaxConnectionsPerPrincipal {
		metrics.WSConnections.WithLabelValues("limit_exceeded").Inc()
		apperr.WriteHTTP(w, r, apperr.Newf(apperr.KindQuotaExceeded,
			"connection limit exceeded (max %d per principal)",
			h.manager.cfg.MaxConnectionsPerPrincipal))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.WSConnections.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	allowed, err := h.records.CheckAccess(ctx, runID, principal.ID, principal.Superuser)
	if err != nil || !allowed {
		metrics.WSConnections.WithLabelValues("error").Inc()
		closeWith(conn, websocket.ClosePolicyViolation, "run not found or access denied")
		return
	}

	sub, err := h.manager.Accept(ctx, conn, runID, principal.ID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindQuotaExceeded) {
			// Lost the quota race between the pre-upgrade check and
			// Accept; 1013 is the post-upgrade equivalent of 429.
			closeWith(conn, websocket.CloseTryAgainLater, "connection limit exceeded")
		} else {
			closeWith(conn, websocket.CloseInternalServerErr, "subscription failed")
		}
		return
	}

	if err := writeConnected(sub); err != nil {
		sub.Close(ReasonError)
	}

	sub.Run()
}

// writeConnected sends the locally synthesized connected event: the
// first message on every subscription, carrying the channel name and
// backpressure advice. It never comes from the bus.
func writeConnected(sub *Subscriber) error {
	payload := connectedEvent{
		Type:             string(frame.KindEvent),
		Event:            "connected",
		RunID:            sub.RunID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Message:          "websocket connection established (subscribed to telemetry)",
		TelemetryChannel: frame.Topic(sub.RunID),
		Backpressure: backpressureAdvice{
			MaxQueueSize:         sub.controller.Capacity(),
			SlowThreshold:        sub.controller.SlowThreshold(),
			FrameDroppingEnabled: true,
		},
	}

	_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sub.conn.WriteJSON(payload)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
