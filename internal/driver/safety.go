// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
)

// Violation is one recorded safety violation.
type Violation struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SafetyWrapper composes over any Source and intercepts every mutating
// call. The wrapper, not the driver, is the source of truth for "is
// this command safe right now": every range or duration violation
// triggers the underlying emergency stop and latches the session until
// an explicit Reset.
//
// A driver is never exposed to commands without an interposed wrapper.
type SafetyWrapper struct {
	source Source
	limits SafetyLimits

	mu         sync.Mutex
	violations []Violation
	latched    bool
}

// NewSafetyWrapper wraps source with the given immutable limits.
func NewSafetyWrapper(source Source, limits SafetyLimits) *SafetyWrapper {
	logging.Info().
		Float64("min_voltage", limits.MinVoltage).
		Float64("max_voltage", limits.MaxVoltage).
		Float64("min_current", limits.MinCurrent).
		Float64("max_current", limits.MaxCurrent).
		Dur("max_duration", limits.MaxDuration).
		Msg("safety interlock armed")
	return &SafetyWrapper{source: source, limits: limits}
}

// Limits returns the session's immutable safety limits.
func (s *SafetyWrapper) Limits() SafetyLimits {
	return s.limits
}

// violate records the violation, emergency-stops the underlying source,
// latches, and returns the safety-violation error.
func (s *SafetyWrapper) violate(ctx context.Context, vtype, message string) error {
	s.mu.Lock()
	s.violations = append(s.violations, Violation{
		Type:      vtype,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	alreadyLatched := s.latched
	s.latched = true
	s.mu.Unlock()

	metrics.SafetyViolations.WithLabelValues(vtype).Inc()
	logging.Error().Str("type", vtype).Str("message", message).Msg("safety violation")

	if !alreadyLatched {
		metrics.EmergencyStops.Inc()
		if err := s.source.EmergencyStop(ctx); err != nil {
			logging.Error().Err(err).Msg("emergency stop after violation failed")
		}
	}

	return apperr.New(apperr.KindSafetyViolation, message).WithDetail("violation_type", vtype)
}

func (s *SafetyWrapper) checkVoltage(ctx context.Context, voltage float64) error {
	if voltage > s.limits.MaxVoltage {
		return s.violate(ctx, "voltage_too_high",
			fmtBound("voltage", voltage, "V", "exceeds maximum", s.limits.MaxVoltage))
	}
	if voltage < s.limits.MinVoltage {
		return s.violate(ctx, "voltage_too_low",
			fmtBound("voltage", voltage, "V", "below minimum", s.limits.MinVoltage))
	}
	return nil
}

func (s *SafetyWrapper) checkCurrent(ctx context.Context, current float64) error {
	if current > s.limits.MaxCurrent {
		return s.violate(ctx, "current_too_high",
			fmtBound("current", current, "A", "exceeds maximum", s.limits.MaxCurrent))
	}
	if current < s.limits.MinCurrent {
		return s.violate(ctx, "current_too_low",
			fmtBound("current", current, "A", "below minimum", s.limits.MinCurrent))
	}
	return nil
}

func (s *SafetyWrapper) checkDuration(ctx context.Context) error {
	elapsed := s.source.Elapsed()
	if elapsed > s.limits.MaxDuration {
		return s.violate(ctx, "timeout_exceeded",
			fmtBound("experiment duration", elapsed.Seconds(), "s", "exceeds maximum",
				s.limits.MaxDuration.Seconds()))
	}
	return nil
}

// Connect, Disconnect, Info and the status reads are never gated.

func (s *SafetyWrapper) Connect(ctx context.Context) error {
	return s.source.Connect(ctx)
}

func (s *SafetyWrapper) Disconnect(ctx context.Context) error {
	return s.source.Disconnect(ctx)
}

func (s *SafetyWrapper) Info(ctx context.Context) (Info, error) {
	return s.source.Info(ctx)
}

// Program validates every waveform value against the limits before the
// driver sees the command. A violating waveform never reaches the
// driver.
func (s *SafetyWrapper) Program(ctx context.Context, waveform Waveform, technique Capability) error {
	if err := s.checkVoltage(ctx, waveform.InitialValue); err != nil {
		return err
	}
	if waveform.FinalValue != nil {
		if err := s.checkVoltage(ctx, *waveform.FinalValue); err != nil {
			return err
		}
	}
	if waveform.Type == "sine" && waveform.Amplitude != nil {
		if err := s.checkVoltage(ctx, waveform.InitialValue+*waveform.Amplitude); err != nil {
			return err
		}
		if err := s.checkVoltage(ctx, waveform.InitialValue-*waveform.Amplitude); err != nil {
			return err
		}
	}
	if time.Duration(waveform.Duration*float64(time.Second)) > s.limits.MaxDuration {
		return s.violate(ctx, "duration_too_long",
			fmtBound("waveform duration", waveform.Duration, "s", "exceeds maximum",
				s.limits.MaxDuration.Seconds()))
	}

	return s.source.Program(ctx, waveform, technique)
}

func (s *SafetyWrapper) Start(ctx context.Context) error {
	if s.Latched() {
		return apperr.New(apperr.KindEmergencyStopActive,
			"cannot start: emergency stop active, reset required")
	}
	return s.source.Start(ctx)
}

func (s *SafetyWrapper) Pause(ctx context.Context) error {
	return s.source.Pause(ctx)
}

func (s *SafetyWrapper) Resume(ctx context.Context) error {
	if s.Latched() {
		return apperr.New(apperr.KindEmergencyStopActive,
			"cannot resume: emergency stop active, reset required")
	}
	if err := s.checkDuration(ctx); err != nil {
		return err
	}
	return s.source.Resume(ctx)
}

func (s *SafetyWrapper) Stop(ctx context.Context) error {
	return s.source.Stop(ctx)
}

// EmergencyStop latches and stops the underlying source. Repeated calls
// on a latched session are a successful no-op.
func (s *SafetyWrapper) EmergencyStop(ctx context.Context) error {
	s.mu.Lock()
	if s.latched {
		s.mu.Unlock()
		return nil
	}
	s.latched = true
	s.violations = append(s.violations, Violation{
		Type:      "emergency_stop",
		Message:   "emergency stop activated",
		Timestamp: time.Now().UTC(),
	})
	s.mu.Unlock()

	metrics.EmergencyStops.Inc()
	logging.Warn().Msg("emergency stop triggered")
	return s.source.EmergencyStop(ctx)
}

func (s *SafetyWrapper) SetVoltage(ctx context.Context, voltage float64) error {
	if s.Latched() {
		return apperr.New(apperr.KindEmergencyStopActive,
			"cannot set voltage: emergency stop active, reset required")
	}
	if err := s.checkVoltage(ctx, voltage); err != nil {
		return err
	}
	if s.source.Running() {
		if err := s.checkDuration(ctx); err != nil {
			return err
		}
	}
	return s.source.SetVoltage(ctx, voltage)
}

func (s *SafetyWrapper) SetCurrent(ctx context.Context, current float64) error {
	if s.Latched() {
		return apperr.New(apperr.KindEmergencyStopActive,
			"cannot set current: emergency stop active, reset required")
	}
	if err := s.checkCurrent(ctx, current); err != nil {
		return err
	}
	if s.source.Running() {
		if err := s.checkDuration(ctx); err != nil {
			return err
		}
	}
	return s.source.SetCurrent(ctx, current)
}

func (s *SafetyWrapper) ReadOnce(ctx context.Context) (*Sample, error) {
	if s.source.Running() {
		if err := s.checkDuration(ctx); err != nil {
			return nil, err
		}
	}
	return s.source.ReadOnce(ctx)
}

// Stream interposes the duration check on every iteration step. On
// exceed, the underlying source is emergency-stopped and the stream
// terminates with the violation as its final item.
func (s *SafetyWrapper) Stream(ctx context.Context) (<-chan StreamItem, error) {
	inner, err := s.source.Stream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		for item := range inner {
			if item.Err == nil && s.source.Running() {
				if derr := s.checkDuration(ctx); derr != nil {
					item = StreamItem{Err: derr}
				}
			}

			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
			if item.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (s *SafetyWrapper) Capabilities() []Capability {
	return s.source.Capabilities()
}

func (s *SafetyWrapper) Supports(capability Capability) bool {
	return s.source.Supports(capability)
}

func (s *SafetyWrapper) Status() Status {
	return s.source.Status()
}

func (s *SafetyWrapper) Running() bool {
	return s.source.Running()
}

func (s *SafetyWrapper) Elapsed() time.Duration {
	return s.source.Elapsed()
}

// Latched reports whether the emergency-stop latch is set.
func (s *SafetyWrapper) Latched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latched
}

// Reset clears the latch. Privileged; it does not replay any command
// that failed while latched.
func (s *SafetyWrapper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched {
		logging.Warn().Msg("resetting emergency stop latch")
		s.latched = false
	}
}

// Violations returns a copy of the monotonic violation log.
func (s *SafetyWrapper) Violations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// ClearViolations empties the violation log without touching the latch.
func (s *SafetyWrapper) ClearViolations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = s.violations[:0]
}

func fmtBound(what string, value float64, unit, relation string, bound float64) string {
	return fmt.Sprintf("%s %g%s %s %g%s", what, value, unit, relation, bound, unit)
}
