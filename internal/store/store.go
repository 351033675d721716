// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package store is the boundary to the record system holding runs. The
// core treats it as opaque; this in-memory implementation backs the
// single-process deployment and tests.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
)

// RunState is the lifecycle state of a run record.
type RunState string

const (
	RunQueued           RunState = "queued"
	RunRunning          RunState = "running"
	RunPaused           RunState = "paused"
	RunCompleted        RunState = "completed"
	RunFailed           RunState = "failed"
	RunAborted          RunState = "aborted"
	RunEmergencyStopped RunState = "emergency_stopped"
)

// Terminal reports whether a state is absorbing.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted, RunEmergencyStopped:
		return true
	}
	return false
}

// Run is a run record.
type Run struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	State       RunState   `json:"state"`
	Technique   string     `json:"technique,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RecordStore is the opaque record system the core consumes.
type RecordStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRunState(ctx context.Context, runID string, state RunState, errMessage string) error
	ListRuns(ctx context.Context, principalID string) ([]Run, error)

	// CheckAccess reports whether the principal may watch the run:
	// the owner or a superuser.
	CheckAccess(ctx context.Context, runID, principalID string, superuser bool) (bool, error)
}

// MemoryStore is the in-process RecordStore.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func (s *MemoryStore) CreateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "run %s already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return Run{}, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	return run, nil
}

// UpdateRunState applies the state transition. Terminal states are
// final: any transition out of one fails with conflict.
func (s *MemoryStore) UpdateRunState(_ context.Context, runID string, state RunState, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	if run.State.Terminal() {
		return apperr.Newf(apperr.KindConflict, "run %s is %s, a terminal state", runID, run.State)
	}

	now := time.Now().UTC()
	run.State = state
	run.Error = errMessage
	if state == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if state.Terminal() {
		run.CompletedAt = &now
	}
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, principalID string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if principalID == "" || run.PrincipalID == principalID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CheckAccess(_ context.Context, runID, principalID string, superuser bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return false, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	return superuser || run.PrincipalID == principalID, nil
}
