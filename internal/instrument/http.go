// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package instrument

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/driver"
	"github.com/madfam-io/electrochem-sim/internal/middleware"
)

// Handler exposes the instrument command surface.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler wires the command surface for a service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// Router builds the chi router for the instrument surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Prometheus)
	r.Use(httprate.LimitByIP(h.service.cfg.Security.RateLimitReqs, h.service.cfg.Security.RateLimitWindow))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/connect", h.Connect)
	r.Post("/start_run", h.StartRun)
	r.Post("/emergency_stop", h.EmergencyStop)
	r.Get("/connections", h.Connections)
	r.Delete("/connections/{connectionID}", h.Disconnect)
	r.Post("/connections/{connectionID}/reset", h.Reset)
	r.Get("/connections/{connectionID}/read", h.Read)
	r.Get("/connections/{connectionID}/violations", h.Violations)

	return r
}

// Health reports liveness plus session counts and bus connectivity.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"active_connections": h.service.ActiveConnections(),
		"active_streams":     h.service.ActiveRuns(),
		"bus_connected":      h.service.bus.Connected(),
	})
}

type connectRequest struct {
	Driver       string                  `json:"driver" validate:"required"`
	ConnectionID string                  `json:"connection_id" validate:"required"`
	Config       driver.ConnectionConfig `json:"config"`
}

type connectResponse struct {
	ConnectionID string              `json:"connection_id"`
	Info         driver.Info         `json:"info"`
	Capabilities []driver.Capability `json:"capabilities"`
}

// Connect handles POST /connect.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := h.decode(r, &req); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	info, err := h.service.Connect(r.Context(), req.Driver, req.ConnectionID, req.Config)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, connectResponse{
		ConnectionID: req.ConnectionID,
		Info:         info,
		Capabilities: info.Capabilities,
	})
}

type startRunRequest struct {
	ConnectionID string          `json:"connection_id" validate:"required"`
	RunID        string          `json:"run_id" validate:"required"`
	Technique    string          `json:"technique" validate:"required"`
	Waveform     driver.Waveform `json:"waveform" validate:"required"`
	PrincipalID  string          `json:"principal_id,omitempty"`
}

type startRunResponse struct {
	RunID            string `json:"run_id"`
	TelemetryChannel string `json:"telemetry_channel"`
}

// StartRun handles POST /start_run.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := h.decode(r, &req); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	err := h.service.StartRun(r.Context(), req.ConnectionID, req.RunID, req.Technique,
		req.Waveform, req.PrincipalID)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, startRunResponse{
		RunID:            req.RunID,
		TelemetryChannel: "run:" + req.RunID + ":telemetry",
	})
}

type emergencyStopRequest struct {
	ConnectionID string `json:"connection_id,omitempty"` // empty or "all" stops every session
}

// EmergencyStop handles POST /emergency_stop.
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := h.decode(r, &req); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	stopped, err := h.service.EmergencyStop(r.Context(), req.ConnectionID)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

// Connections handles GET /connections.
func (h *Handler) Connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListConnections())
}

// Disconnect handles DELETE /connections/{connectionID}.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	if err := h.service.Disconnect(r.Context(), id); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": id, "disconnected": true})
}

// Reset handles POST /connections/{connectionID}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	if err := h.service.Reset(id); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": id, "reset": true})
}

// Read handles GET /connections/{connectionID}/read: one frame.
func (h *Handler) Read(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	sample, err := h.service.ReadOnce(r.Context(), id)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": sample.Timestamp,
		"time":      sample.Time,
		"voltage":   sample.Voltage,
		"current":   sample.Current,
	})
}

// Violations handles GET /connections/{connectionID}/violations.
func (h *Handler) Violations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	violations, err := h.service.Violations(id)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "request validation failed", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
