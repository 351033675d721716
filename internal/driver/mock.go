// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/logging"
)

// Electrochemical constants and cell parameters for the simulated
// Fe(CN)6^3-/4- system.
const (
	faraday  = 96485.0 // C/mol
	gasConst = 8.314   // J/(mol*K)
	tempK    = 298.0   // K

	formalPotential = 0.2     // V
	electrons       = 1.0     // n
	electrodeArea   = 0.01    // cm^2
	diffusionCoeff  = 7.6e-6  // cm^2/s
	bulkConc        = 1e-3    // mol/cm^3 scale used by the closed forms
	rateConstant    = 0.01    // cm/s
	transferCoeff   = 0.5     // alpha
	dlCapacitance   = 20e-6   // F/cm^2 double layer
	solutionRes     = 100.0   // ohm, series resistance for EIS
)

// Mock is a deterministic simulated potentiostat. Seeded runs are
// reproducible sample-for-sample, which the integration tests rely on.
//
// Technique behavior:
//   - CV/LSV: Butler-Volmer kinetics plus double-layer charging, so a
//     triangle drive yields the characteristic duck-shaped hysteresis.
//   - CA: Cottrell decay.
//   - CP: constant current with Gaussian noise.
//   - EIS: sine drive with a Randles-cell impedance closed form.
type Mock struct {
	mu sync.Mutex

	config ConnectionConfig
	rng    *rand.Rand

	status    Status
	running   bool
	paused    bool
	startTime time.Time

	waveform  *Waveform
	technique Capability

	voltage float64
	current float64
	charge  float64

	samplingRateHz   float64
	keyframeInterval int
	noiseLevel       float64

	capabilities []Capability
}

// NewMock constructs a mock driver. A zero sampling rate or keyframe
// interval falls back to the hardware-realistic defaults (100 Hz,
// keyframe every 10th sample); a zero or negative noise level means no
// noise.
func NewMock(config ConnectionConfig) Source {
	samplingRate := config.SamplingRateHz
	if samplingRate <= 0 {
		samplingRate = 100
	}
	keyframeInterval := config.KeyframeInterval
	if keyframeInterval <= 0 {
		keyframeInterval = 10
	}
	noise := config.NoiseLevel
	if noise < 0 {
		noise = 0
	}

	seed := uint64(config.Seed) //nolint:gosec // reproducibility, not crypto
	return &Mock{
		config:           config,
		rng:              rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		status:           StatusDisconnected,
		samplingRateHz:   samplingRate,
		keyframeInterval: keyframeInterval,
		noiseLevel:       noise,
		capabilities: []Capability{
			CapabilityCV,
			CapabilityCA,
			CapabilityCP,
			CapabilityEIS,
			CapabilityLSV,
		},
	}
}

// Connect simulates the hardware handshake delay.
func (m *Mock) Connect(ctx context.Context) error {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.status = StatusIdle
	m.mu.Unlock()
	logging.Info().Int64("seed", m.config.Seed).Msg("mock driver connected")
	return nil
}

func (m *Mock) Disconnect(ctx context.Context) error {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.status = StatusDisconnected
	m.running = false
	m.mu.Unlock()
	logging.Info().Msg("mock driver disconnected")
	return nil
}

func (m *Mock) Info(context.Context) (Info, error) {
	return Info{
		Vendor:         "Mock Instruments Inc.",
		Model:          "MockStat 3000",
		Serial:         fmt.Sprintf("MOCK-%05d", m.config.Seed),
		Firmware:       "1.0.0-mock",
		Capabilities:   m.Capabilities(),
		SamplingRateHz: m.samplingRateHz,
	}, nil
}

// Program stores the waveform. Idempotent only in idle.
func (m *Mock) Program(_ context.Context, waveform Waveform, technique Capability) error {
	if !m.Supports(technique) {
		return apperr.Newf(apperr.KindInvalidInput, "technique %s not supported", technique).
			WithDetail("available", m.Capabilities())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusIdle {
		return apperr.Newf(apperr.KindConflict, "cannot program while %s", m.status)
	}

	wf := waveform
	m.waveform = &wf
	m.technique = technique

	logging.Info().
		Str("technique", string(technique)).
		Str("waveform", waveform.Type).
		Float64("duration_s", waveform.Duration).
		Msg("mock driver programmed")
	return nil
}

func (m *Mock) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waveform == nil {
		return apperr.New(apperr.KindStartFailed, "no waveform programmed")
	}

	m.running = true
	m.paused = false
	m.startTime = time.Now()
	m.charge = 0
	m.status = StatusRunning
	logging.Info().Str("technique", string(m.technique)).Msg("mock experiment started")
	return nil
}

func (m *Mock) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.status = StatusPaused
	return nil
}

func (m *Mock) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	if m.running {
		m.status = StatusRunning
	}
	return nil
}

func (m *Mock) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.paused = false
	m.status = StatusIdle
	m.voltage = 0
	m.current = 0
	return nil
}

// EmergencyStop zeroes the outputs immediately. State mutation only, so
// the 100ms budget holds by a wide margin.
func (m *Mock) EmergencyStop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.paused = false
	m.status = StatusIdle
	m.voltage = 0
	m.current = 0
	logging.Warn().Msg("mock driver emergency stop")
	return nil
}

func (m *Mock) SetVoltage(_ context.Context, voltage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voltage = voltage
	return nil
}

func (m *Mock) SetCurrent(_ context.Context, current float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = current
	return nil
}

// ReadOnce produces one sample at the current elapsed time.
func (m *Mock) ReadOnce(context.Context) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.elapsedLocked().Seconds()
	v := m.voltageAt(t)
	i := m.simulateCurrent(v, t)
	return &Sample{
		Timestamp: time.Now().UnixMilli(),
		Time:      t,
		Voltage:   v,
		Current:   i,
	}, nil
}

// Stream emits samples at the configured sampling rate until the
// programmed duration elapses, the experiment stops, or ctx is
// cancelled. The channel is closed after the final item.
func (m *Mock) Stream(ctx context.Context) (<-chan StreamItem, error) {
	m.mu.Lock()
	if !m.running || m.waveform == nil {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindStartFailed, "experiment not running")
	}
	duration := m.waveform.Duration
	dt := 1.0 / m.samplingRateHz
	m.mu.Unlock()

	out := make(chan StreamItem)
	go func() {
		defer close(out)

		interval := time.Duration(dt * float64(time.Second))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		t := 0.0
		sampleIndex := 0
		for t < duration {
			m.mu.Lock()
			running := m.running
			paused := m.paused
			m.mu.Unlock()

			if !running {
				break
			}

			if !paused {
				item := m.sampleAt(t, sampleIndex)
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
				sampleIndex++
				t += dt
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}

		m.mu.Lock()
		m.running = false
		if m.status == StatusRunning {
			m.status = StatusIdle
		}
		m.mu.Unlock()
		logging.Info().Float64("elapsed_s", t).Msg("mock stream completed")
	}()

	return out, nil
}

func (m *Mock) sampleAt(t float64, index int) StreamItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.voltageAt(t)
	i := m.simulateCurrent(v, t)
	m.charge += i * (1.0 / m.samplingRateHz)
	charge := m.charge

	s := &Sample{
		Timestamp:  time.Now().UnixMilli(),
		Time:       t,
		Voltage:    v,
		Current:    i,
		Charge:     &charge,
		IsKeyframe: index%m.keyframeInterval == 0,
	}

	if m.technique == CapabilityEIS && m.waveform != nil && m.waveform.Frequency != nil {
		freq := *m.waveform.Frequency
		re, im := m.impedanceAt(freq)
		s.Frequency = &freq
		s.ImpedanceReal = &re
		s.ImpedanceImag = &im
	}

	return StreamItem{Sample: s}
}

func (m *Mock) Capabilities() []Capability {
	caps := make([]Capability, len(m.capabilities))
	copy(caps, m.capabilities)
	return caps
}

func (m *Mock) Supports(capability Capability) bool {
	for _, c := range m.capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (m *Mock) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mock) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Mock) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsedLocked()
}

func (m *Mock) elapsedLocked() time.Duration {
	if m.startTime.IsZero() {
		return 0
	}
	return time.Since(m.startTime)
}

// voltageAt evaluates the programmed waveform. Callers hold m.mu.
func (m *Mock) voltageAt(t float64) float64 {
	if m.waveform == nil {
		return 0
	}
	wf := m.waveform

	switch wf.Type {
	case "step":
		return wf.InitialValue

	case "ramp":
		final := wf.InitialValue
		if wf.FinalValue != nil {
			final = *wf.FinalValue
		}
		slope := (final - wf.InitialValue) / wf.Duration
		return wf.InitialValue + slope*t

	case "triangle":
		// Forward scan over the first half period, reverse over the
		// second; this is what produces the CV hysteresis loop.
		vMin := wf.InitialValue
		vMax := -wf.InitialValue
		if wf.FinalValue != nil {
			vMax = *wf.FinalValue
		}
		half := wf.Duration / 2
		if t < half {
			return vMin + (vMax-vMin)*(t/half)
		}
		return vMax - (vMax-vMin)*((t-half)/half)

	case "sine":
		freq := 1.0
		if wf.Frequency != nil {
			freq = *wf.Frequency
		}
		amp := 0.01
		if wf.Amplitude != nil {
			amp = *wf.Amplitude
		}
		return wf.InitialValue + amp*math.Sin(2*math.Pi*freq*t)

	default:
		return wf.InitialValue
	}
}

// simulateCurrent dispatches to the technique's closed form. Callers
// hold m.mu.
func (m *Mock) simulateCurrent(voltage, t float64) float64 {
	switch m.technique {
	case CapabilityCA:
		return m.cottrellCurrent(t)
	case CapabilityCP:
		return m.constantCurrent()
	default:
		return m.butlerVolmerCurrent(voltage)
	}
}

// butlerVolmerCurrent computes the faradaic current from Butler-Volmer
// kinetics with Nernstian surface concentrations, plus the double-layer
// charging current that forms the duck beak at the vertex.
func (m *Mock) butlerVolmerCurrent(v float64) float64 {
	eta := v - formalPotential
	f := electrons * faraday / (gasConst * tempK)

	kRed := rateConstant * math.Exp(-transferCoeff*f*eta)
	kOx := rateConstant * math.Exp((1-transferCoeff)*f*eta)

	theta := math.Exp(f * eta)
	cRedSurf := bulkConc / (1 + theta)
	cOxSurf := bulkConc - cRedSurf

	iF := electrons * faraday * electrodeArea * (kOx*cRedSurf - kRed*cOxSurf)

	scanRate := 0.1
	if m.waveform != nil {
		switch {
		case m.waveform.ScanRate != nil:
			scanRate = *m.waveform.ScanRate
		case m.waveform.FinalValue != nil:
			dV := math.Abs(*m.waveform.FinalValue - m.waveform.InitialValue)
			scanRate = dV / (m.waveform.Duration / 2)
		}
	}
	iC := electrodeArea * dlCapacitance * scanRate

	total := iF + iC
	return total + m.rng.NormFloat64()*math.Abs(total)*m.noiseLevel
}

// cottrellCurrent is the diffusion-limited chronoamperometric decay.
func (m *Mock) cottrellCurrent(t float64) float64 {
	if t < 1e-3 {
		t = 1e-3
	}
	i := electrons * faraday * electrodeArea * bulkConc *
		math.Sqrt(diffusionCoeff/(math.Pi*t))
	return i + m.rng.NormFloat64()*math.Abs(i)*m.noiseLevel
}

// constantCurrent returns the galvanostatic setpoint with noise.
func (m *Mock) constantCurrent() float64 {
	i := m.current
	if i == 0 {
		i = 1e-6
	}
	return i + m.rng.NormFloat64()*math.Abs(i)*m.noiseLevel
}

// impedanceAt evaluates a Randles cell (series resistance plus a
// charge-transfer resistance shunted by the double layer) at freq Hz.
func (m *Mock) impedanceAt(freq float64) (re, im float64) {
	i0 := faraday * electrodeArea * rateConstant * bulkConc
	rct := gasConst * tempK / (electrons * faraday * i0)
	cdl := dlCapacitance * electrodeArea

	omega := 2 * math.Pi * freq
	denom := 1 + math.Pow(omega*rct*cdl, 2)
	re = solutionRes + rct/denom
	im = -omega * rct * rct * cdl / denom
	return re, im
}
