// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package instrument owns the active driver sessions: it executes
// connect/program/start/stop/emergency-stop commands against
// safety-wrapped drivers and runs the telemetry bridge that publishes
// each driver's stream onto the frame bus.
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/config"
	"github.com/madfam-io/electrochem-sim/internal/driver"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
	"github.com/madfam-io/electrochem-sim/internal/store"
)

// Connection is one live connection session: a safety-wrapped driver
// plus the serialization lock for its commands.
type Connection struct {
	ID         string    `json:"connection_id"`
	DriverName string    `json:"driver"`
	CreatedAt  time.Time `json:"created_at"`

	wrapper *driver.SafetyWrapper

	// cmdMu serializes state transitions per session. Concurrent
	// transition requests fail with conflict rather than interleave.
	cmdMu sync.Mutex

	mu        sync.Mutex
	activeRun string
}

// ConnectionView is the read model returned by ListConnections.
type ConnectionView struct {
	ID         string              `json:"connection_id"`
	DriverName string              `json:"driver"`
	Status     driver.Status       `json:"status"`
	ActiveRun  string              `json:"active_run,omitempty"`
	Latched    bool                `json:"emergency_stop_active"`
	Violations int                 `json:"violations"`
	Limits     driver.SafetyLimits `json:"safety_limits"`
	CreatedAt  time.Time           `json:"created_at"`
}

// runSession tracks one telemetry bridge.
type runSession struct {
	runID        string
	connectionID string
	cancel       context.CancelFunc
	done         chan struct{}
}

// Service owns the mutable tables of connection and run sessions. Table
// locks are held only for table mutation, never across driver calls.
type Service struct {
	cfg      *config.Config
	registry *driver.Registry
	bus      bus.Bus
	records  store.RecordStore

	mu          sync.Mutex
	connections map[string]*Connection
	runs        map[string]*runSession

	// baseCtx parents every telemetry bridge so service shutdown
	// cancels them all.
	baseCtx   context.Context
	stopAll   context.CancelFunc
	bridgeWG  sync.WaitGroup
}

// NewService creates the instrument service.
func NewService(cfg *config.Config, registry *driver.Registry, b bus.Bus, records store.RecordStore) *Service {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg,
		registry:    registry,
		bus:         b,
		records:     records,
		connections: make(map[string]*Connection),
		runs:        make(map[string]*runSession),
		baseCtx:     baseCtx,
		stopAll:     cancel,
	}
}

func (s *Service) limits() driver.SafetyLimits {
	return driver.SafetyLimits{
		MaxVoltage:       s.cfg.Safety.MaxVoltage,
		MinVoltage:       s.cfg.Safety.MinVoltage,
		MaxCurrent:       s.cfg.Safety.MaxCurrent,
		MinCurrent:       s.cfg.Safety.MinCurrent,
		MaxDuration:      s.cfg.Safety.MaxDuration,
		StopOnDisconnect: s.cfg.Safety.StopOnDisconnect,
	}
}

func (s *Service) connection(id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "connection %s not found", id)
	}
	return conn, nil
}

// Connect creates a driver through the registry, wraps it in the safety
// interlock, and records the session. The driver is never stored
// unwrapped.
func (s *Service) Connect(ctx context.Context, driverName, connectionID string, connCfg driver.ConnectionConfig) (driver.Info, error) {
	defer metrics.RecordCommand("connect", time.Now())

	s.mu.Lock()
	if _, exists := s.connections[connectionID]; exists {
		s.mu.Unlock()
		return driver.Info{}, apperr.Newf(apperr.KindConflict, "connection %s already exists", connectionID)
	}
	s.mu.Unlock()

	// Client config wins; unset fields fall back to service defaults.
	if connCfg.SamplingRateHz <= 0 {
		connCfg.SamplingRateHz = s.cfg.Mock.SamplingRateHz
	}
	if connCfg.NoiseLevel == 0 {
		connCfg.NoiseLevel = s.cfg.Mock.NoiseLevel
	}
	if connCfg.KeyframeInterval <= 0 {
		connCfg.KeyframeInterval = s.cfg.Stream.KeyframeInterval
	}
	if connCfg.Timeout <= 0 {
		connCfg.Timeout = s.cfg.Driver.ConnectTimeout
	}

	source, err := s.registry.Create(driverName, connCfg)
	if err != nil {
		return driver.Info{}, err
	}
	wrapper := driver.NewSafetyWrapper(source, s.limits())

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.Driver.ConnectTimeout)
	defer cancel()
	if err := wrapper.Connect(connectCtx); err != nil {
		return driver.Info{}, apperr.Wrap(apperr.KindConnectionFailed, "driver refused connection", err)
	}

	info, err := wrapper.Info(ctx)
	if err != nil {
		_ = wrapper.Disconnect(ctx)
		return driver.Info{}, apperr.Wrap(apperr.KindConnectionFailed, "driver info unavailable", err)
	}

	conn := &Connection{
		ID:         connectionID,
		DriverName: driverName,
		CreatedAt:  time.Now().UTC(),
		wrapper:    wrapper,
	}

	s.mu.Lock()
	if _, exists := s.connections[connectionID]; exists {
		s.mu.Unlock()
		_ = wrapper.Disconnect(ctx)
		return driver.Info{}, apperr.Newf(apperr.KindConflict, "connection %s already exists", connectionID)
	}
	s.connections[connectionID] = conn
	s.mu.Unlock()

	logging.Info().
		Str("connection_id", connectionID).
		Str("driver", driverName).
		Msg("instrument connected")
	return info, nil
}

// Disconnect destroys a connection session. The safety wrapper drives
// outputs to zero (Stop) before the link is dropped; an in-flight
// bridge is cancelled first.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	defer metrics.RecordCommand("disconnect", time.Now())

	conn, err := s.connection(connectionID)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	activeRun := conn.activeRun
	conn.mu.Unlock()
	if activeRun != "" {
		s.cancelBridge(activeRun)
	}

	if conn.wrapper.Running() {
		_ = conn.wrapper.Stop(ctx)
	}
	if err := conn.wrapper.Disconnect(ctx); err != nil {
		logging.Warn().Err(err).Str("connection_id", connectionID).Msg("driver disconnect failed")
	}

	s.mu.Lock()
	delete(s.connections, connectionID)
	s.mu.Unlock()

	logging.Info().Str("connection_id", connectionID).Msg("instrument disconnected")
	return nil
}

// ListConnections snapshots all connection sessions.
func (s *Service) ListConnections() []ConnectionView {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		activeRun := c.activeRun
		c.mu.Unlock()
		views = append(views, ConnectionView{
			ID:         c.ID,
			DriverName: c.DriverName,
			Status:     c.wrapper.Status(),
			ActiveRun:  activeRun,
			Latched:    c.wrapper.Latched(),
			Violations: len(c.wrapper.Violations()),
			Limits:     c.wrapper.Limits(),
			CreatedAt:  c.CreatedAt,
		})
	}
	return views
}

// Reset clears a session's emergency-stop latch. Privileged; it never
// replays commands that failed while latched.
func (s *Service) Reset(connectionID string) error {
	conn, err := s.connection(connectionID)
	if err != nil {
		return err
	}
	conn.wrapper.Reset()
	return nil
}

// ReadOnce returns a single measurement from the session's driver.
func (s *Service) ReadOnce(ctx context.Context, connectionID string) (*driver.Sample, error) {
	conn, err := s.connection(connectionID)
	if err != nil {
		return nil, err
	}
	return conn.wrapper.ReadOnce(ctx)
}

// Violations returns the session's monotonic violation log.
func (s *Service) Violations(connectionID string) ([]driver.Violation, error) {
	conn, err := s.connection(connectionID)
	if err != nil {
		return nil, err
	}
	return conn.wrapper.Violations(), nil
}

// ActiveRuns returns the number of live telemetry bridges.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// ActiveConnections returns the number of connection sessions.
func (s *Service) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Shutdown cancels every telemetry bridge and disconnects every
// session. Bridges whose sessions have stop-on-disconnect set are
// emergency-stopped by their cancellation path.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopAll()
	s.bridgeWG.Wait()

	s.mu.Lock()
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Disconnect(ctx, id); err != nil {
			logging.Warn().Err(err).Str("connection_id", id).Msg("disconnect during shutdown failed")
		}
	}
}

func (s *Service) cancelBridge(runID string) {
	s.mu.Lock()
	session, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return
	}
	session.cancel()
	<-session.done
}

// publish sends a frame to the run's topic, logging failures rather
// than propagating them: the bus is fire-and-forget for producers.
func (s *Service) publish(ctx context.Context, runID string, f *frame.Frame) {
	if err := s.bus.Publish(ctx, frame.Topic(runID), f); err != nil {
		logging.Warn().Err(err).Str("run_id", runID).Msg("bus publish failed")
	}
}
