// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package instrument

import (
	"context"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/driver"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
	"github.com/madfam-io/electrochem-sim/internal/store"
)

// StartRun validates the waveform through the interlock, programs and
// starts the driver, and spawns the telemetry bridge for runID.
//
// Transitions are serialized per session: a concurrent command on the
// same connection fails with conflict instead of interleaving.
func (s *Service) StartRun(ctx context.Context, connectionID, runID, techniqueName string,
	waveform driver.Waveform, principalID string) error {
	defer metrics.RecordCommand("start_run", time.Now())

	conn, err := s.connection(connectionID)
	if err != nil {
		return err
	}

	technique, err := driver.ParseCapability(techniqueName)
	if err != nil {
		return err
	}

	if !s.bus.Connected() {
		return apperr.New(apperr.KindBusUnavailable, "frame bus is not connected")
	}

	if !conn.cmdMu.TryLock() {
		return apperr.Newf(apperr.KindConflict, "connection %s has a command in flight", connectionID)
	}
	defer conn.cmdMu.Unlock()

	conn.mu.Lock()
	busy := conn.activeRun
	conn.mu.Unlock()
	if busy != "" {
		return apperr.Newf(apperr.KindConflict, "connection %s is streaming run %s", connectionID, busy)
	}

	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindConflict, "run %s is already streaming", runID)
	}
	s.mu.Unlock()

	// The record store is the system of record for runs; register the
	// run there if the command surface is seeing it first.
	record, err := s.records.GetRun(ctx, runID)
	switch {
	case apperr.IsKind(err, apperr.KindNotFound):
		if cerr := s.records.CreateRun(ctx, store.Run{
			ID:          runID,
			PrincipalID: principalID,
			State:       store.RunQueued,
			Technique:   techniqueName,
		}); cerr != nil {
			return cerr
		}
	case err != nil:
		return err
	case record.State.Terminal():
		return apperr.Newf(apperr.KindConflict, "run %s is %s, a terminal state", runID, record.State)
	}

	// Program validates every waveform value against the safety limits
	// before the driver sees it.
	if err := conn.wrapper.Program(ctx, waveform, technique); err != nil {
		return err
	}

	if err := conn.wrapper.Start(ctx); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return apperr.Wrap(apperr.KindStartFailed, "driver start failed", err)
		}
		return err
	}

	if err := s.records.UpdateRunState(ctx, runID, store.RunRunning, ""); err != nil {
		logging.Warn().Err(err).Str("run_id", runID).Msg("run state update failed")
	}

	bridgeCtx, cancel := context.WithCancel(s.baseCtx)
	session := &runSession{
		runID:        runID,
		connectionID: connectionID,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[runID] = session
	s.mu.Unlock()

	conn.mu.Lock()
	conn.activeRun = runID
	conn.mu.Unlock()

	metrics.ActiveRuns.Inc()
	s.bridgeWG.Add(1)
	go s.runBridge(bridgeCtx, conn, session)

	logging.Info().
		Str("run_id", runID).
		Str("connection_id", connectionID).
		Str("technique", techniqueName).
		Msg("telemetry bridge started")
	return nil
}

// runBridge iterates the driver's stream and publishes every sample to
// the run's topic. It is the sole publisher of sample frames for that
// topic; EmergencyStop may also publish the terminal status frame.
func (s *Service) runBridge(ctx context.Context, conn *Connection, session *runSession) {
	runID := session.runID

	defer func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()

		conn.mu.Lock()
		if conn.activeRun == runID {
			conn.activeRun = ""
		}
		conn.mu.Unlock()

		metrics.ActiveRuns.Dec()
		close(session.done)
		s.bridgeWG.Done()
	}()

	s.publish(ctx, runID, frame.NewStatus(runID, string(store.RunRunning), "experiment started",
		0, time.Now().UnixMilli()))

	items, err := conn.wrapper.Stream(ctx)
	if err != nil {
		s.finishRun(runID, store.RunFailed, err.Error())
		return
	}

	var timestep int64
	for item := range items {
		if item.Err != nil {
			// A terminal stream error becomes one final status frame.
			if apperr.IsKind(item.Err, apperr.KindSafetyViolation) {
				s.finishRun(runID, store.RunEmergencyStopped, item.Err.Error())
			} else {
				s.finishRun(runID, store.RunFailed, item.Err.Error())
			}
			return
		}

		timestep++
		s.publish(ctx, runID, sampleFrame(runID, timestep, item.Sample))
	}

	if ctx.Err() != nil {
		// Cancellation path: service shutdown or client-commanded stop.
		if conn.wrapper.Limits().StopOnDisconnect && conn.wrapper.Running() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = conn.wrapper.EmergencyStop(stopCtx)
			cancel()
		}
		s.finishRun(runID, store.RunAborted, "telemetry bridge cancelled")
		return
	}

	s.finishRun(runID, store.RunCompleted, "")
}

// finishRun moves the record to a terminal state and publishes the
// terminal status frame. A record already terminal (e.g. the
// emergency-stop command got there first) is left untouched.
func (s *Service) finishRun(runID string, state store.RunState, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.records.UpdateRunState(ctx, runID, state, message)
	switch {
	case err == nil:
		s.publish(ctx, runID, frame.NewStatus(runID, string(state), message, 0, time.Now().UnixMilli()))
	case apperr.IsKind(err, apperr.KindConflict):
		// Already terminal; whoever got there first published the frame.
	default:
		logging.Warn().Err(err).Str("run_id", runID).Msg("terminal state update failed")
	}

	logging.Info().Str("run_id", runID).Str("state", string(state)).Msg("run reached terminal state")
}

// EmergencyStop stops one session, or all when connectionID is "all" or
// empty. The driver call completes within its 100ms budget per target;
// bridge cleanup follows after.
func (s *Service) EmergencyStop(ctx context.Context, connectionID string) ([]string, error) {
	defer metrics.RecordCommand("emergency_stop", time.Now())

	var targets []*Connection
	if connectionID == "" || connectionID == "all" {
		s.mu.Lock()
		for _, c := range s.connections {
			targets = append(targets, c)
		}
		s.mu.Unlock()
	} else {
		conn, err := s.connection(connectionID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, conn)
	}

	stopped := make([]string, 0, len(targets))
	for _, conn := range targets {
		conn.mu.Lock()
		runID := conn.activeRun
		conn.mu.Unlock()

		// The terminal record state lands before the driver stops, so
		// the bridge's own completion path can never race it into
		// "completed".
		if runID != "" {
			s.finishRun(runID, store.RunEmergencyStopped, "emergency stop")
		}

		stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := conn.wrapper.EmergencyStop(stopCtx)
		cancel()
		if err != nil {
			logging.Error().Err(err).Str("connection_id", conn.ID).Msg("emergency stop failed")
			continue
		}
		stopped = append(stopped, conn.ID)
	}

	// Reap bridges outside the 100ms path.
	for _, conn := range targets {
		conn.mu.Lock()
		runID := conn.activeRun
		conn.mu.Unlock()
		if runID != "" {
			s.cancelBridge(runID)
		}
	}

	return stopped, nil
}

// sampleFrame converts a driver sample into its wire frame.
func sampleFrame(runID string, timestep int64, sample *driver.Sample) *frame.Frame {
	voltage := sample.Voltage
	current := sample.Current
	return &frame.Frame{
		Type:          frame.KindFrame,
		RunID:         runID,
		Timestep:      timestep,
		Timestamp:     sample.Timestamp,
		Time:          sample.Time,
		Voltage:       &voltage,
		Current:       &current,
		Charge:        sample.Charge,
		Frequency:     sample.Frequency,
		ImpedanceReal: sample.ImpedanceReal,
		ImpedanceImag: sample.ImpedanceImag,
		IsKeyframe:    sample.IsKeyframe,
	}
}
