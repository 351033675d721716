// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/auth"
	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/config"
	"github.com/madfam-io/electrochem-sim/internal/middleware"
	"github.com/madfam-io/electrochem-sim/internal/store"
	"github.com/madfam-io/electrochem-sim/internal/stream"
)

// Server is the subscriber-facing surface: the WebSocket endpoint plus
// the run CRUD API it authenticates against.
type Server struct {
	cfg     *config.Config
	handler *Handler
	manager *Manager
	oracle  auth.Oracle
	records store.RecordStore
	monitor *stream.Monitor
	bus     bus.Bus
}

// NewServer wires the subscriber surface.
func NewServer(cfg *config.Config, manager *Manager, handler *Handler, oracle auth.Oracle,
	records store.RecordStore, monitor *stream.Monitor, b bus.Bus) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		manager: manager,
		oracle:  oracle,
		records: records,
		monitor: monitor,
		bus:     b,
	}
}

type principalKey struct{}

// authenticate resolves the Authorization bearer header to a principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		principal, err := s.oracle.Authenticate(r.Context(), token)
		if err != nil {
			apperr.WriteHTTP(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(auth.Principal)
	return p
}

// Router builds the chi router for the subscriber surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Security.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	// The WebSocket endpoint authenticates via query token itself; rate
	// limiting here bounds handshake churn, not frames.
	r.With(httprate.LimitByIP(s.cfg.Security.RateLimitReqs, s.cfg.Security.RateLimitWindow)).
		Get("/ws/runs/{runID}", s.handler.Subscribe)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Prometheus)
		r.Use(httprate.LimitByIP(s.cfg.Security.RateLimitReqs, s.cfg.Security.RateLimitWindow))
		r.Use(s.authenticate)

		r.Post("/runs", s.CreateRun)
		r.Get("/runs", s.ListRuns)
		r.Get("/runs/{runID}", s.GetRun)
		r.Patch("/runs/{runID}", s.UpdateRun)
		r.Get("/stream/metrics", s.StreamMetrics)
	})

	return r
}

// Health reports liveness plus fan-out and bus state.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"active_subscribers": s.manager.SubscriberCount(),
		"bus_connected":      s.bus.Connected(),
	})
}

type createRunRequest struct {
	Technique string `json:"technique,omitempty"`
}

type runHandle struct {
	RunID     string         `json:"run_id"`
	State     store.RunState `json:"state"`
	StreamURL string         `json:"stream_url"`
}

// CreateRun registers a queued run owned by the caller.
func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apperr.WriteHTTP(w, r, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}

	runID := "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	run := store.Run{
		ID:          runID,
		PrincipalID: principal.ID,
		State:       store.RunQueued,
		Technique:   req.Technique,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.records.CreateRun(r.Context(), run); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, runHandle{
		RunID:     runID,
		State:     store.RunQueued,
		StreamURL: "/ws/runs/" + runID,
	})
}

// ListRuns enumerates the caller's runs; superusers see all runs.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	filter := principal.ID
	if principal.Superuser {
		filter = ""
	}
	runs, err := s.records.ListRuns(r.Context(), filter)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run the caller may see.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	runID := chi.URLParam(r, "runID")

	allowed, err := s.records.CheckAccess(r.Context(), runID, principal.ID, principal.Superuser)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	if !allowed {
		apperr.WriteHTTP(w, r, apperr.New(apperr.KindAccessDenied, "not your run"))
		return
	}

	run, err := s.records.GetRun(r.Context(), runID)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type updateRunRequest struct {
	Action string `json:"action" validate:"oneof=pause resume abort"`
	Reason string `json:"reason,omitempty"`
}

// UpdateRun applies a pause/resume/abort action to the run record.
func (s *Server) UpdateRun(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	runID := chi.URLParam(r, "runID")

	allowed, err := s.records.CheckAccess(r.Context(), runID, principal.ID, principal.Superuser)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	if !allowed {
		apperr.WriteHTTP(w, r, apperr.New(apperr.KindAccessDenied, "not your run"))
		return
	}

	var req updateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, r, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return
	}

	run, err := s.records.GetRun(r.Context(), runID)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	var next store.RunState
	switch {
	case req.Action == "pause" && run.State == store.RunRunning:
		next = store.RunPaused
	case req.Action == "resume" && run.State == store.RunPaused:
		next = store.RunRunning
	case req.Action == "abort" && !run.State.Terminal():
		next = store.RunAborted
	default:
		apperr.WriteHTTP(w, r, apperr.Newf(apperr.KindInvalidInput,
			"invalid action %q for state %s", req.Action, run.State))
		return
	}

	if err := s.records.UpdateRunState(r.Context(), runID, next, req.Reason); err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}

	run, err = s.records.GetRun(r.Context(), runID)
	if err != nil {
		apperr.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// StreamMetrics exposes the process-wide backpressure aggregates.
func (s *Server) StreamMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Global())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
