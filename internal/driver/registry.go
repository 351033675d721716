// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package driver

import (
	"os"
	"sort"
	"sync"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/logging"
)

// Registry maps driver names to constructors. Writes are guarded by a
// lock; reads take the same lock but hold it only for the map access,
// never across driver construction.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[string]Constructor
	pluginDir string
}

// Description is registry metadata about a registered driver.
type Description struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
}

// NewRegistry creates an empty registry. pluginDir may be empty; it is
// only consulted by ScanPlugins.
func NewRegistry(pluginDir string) *Registry {
	return &Registry{
		drivers:   make(map[string]Constructor),
		pluginDir: pluginDir,
	}
}

// Register adds a driver constructor under name. A nil constructor is
// rejected; re-registering an existing name overwrites with a warning.
func (r *Registry) Register(name string, ctor Constructor) error {
	if ctor == nil {
		return apperr.Newf(apperr.KindInvalidInput, "driver %q: nil constructor", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; exists {
		logging.Warn().Str("driver", name).Msg("driver already registered, overwriting")
	}
	r.drivers[name] = ctor
	logging.Info().Str("driver", name).Msg("registered driver")
	return nil
}

// Unregister removes a driver by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; !exists {
		return apperr.Newf(apperr.KindUnknownDriver, "driver %q not registered", name)
	}
	delete(r.drivers, name)
	logging.Info().Str("driver", name).Msg("unregistered driver")
	return nil
}

// Create instantiates a fresh driver by name. Unknown names report the
// available drivers in the error detail.
func (r *Registry) Create(name string, config ConnectionConfig) (Source, error) {
	r.mu.RLock()
	ctor, exists := r.drivers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, apperr.Newf(apperr.KindUnknownDriver, "unknown driver %q", name).
			WithDetail("available", r.List())
	}
	return ctor(config), nil
}

// List returns registered driver names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns metadata for a registered driver, probing a throwaway
// instance for its capability set.
func (r *Registry) Describe(name string) (Description, error) {
	r.mu.RLock()
	ctor, exists := r.drivers[name]
	r.mu.RUnlock()

	if !exists {
		return Description{}, apperr.Newf(apperr.KindUnknownDriver, "driver %q not registered", name)
	}
	probe := ctor(ConnectionConfig{})
	return Description{Name: name, Capabilities: probe.Capabilities()}, nil
}

// ScanPlugins checks that the configured plugin directory exists and
// logs it. It loads and registers no drivers and always returns 0.
func (r *Registry) ScanPlugins() (int, error) {
	if r.pluginDir == "" {
		logging.Debug().Msg("no plugin directory configured")
		return 0, nil
	}
	if _, err := os.Stat(r.pluginDir); err != nil {
		logging.Warn().Str("dir", r.pluginDir).Msg("plugin directory does not exist")
		return 0, nil
	}
	logging.Info().Str("dir", r.pluginDir).Msg("plugin scanning not yet implemented")
	return 0, nil
}
