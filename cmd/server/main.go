// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Command server hosts the full telemetry pipeline in one process: the
// instrument command surface, the frame bus, and the subscriber
// WebSocket surface, under a suture supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/madfam-io/electrochem-sim/internal/auth"
	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/config"
	"github.com/madfam-io/electrochem-sim/internal/driver"
	"github.com/madfam-io/electrochem-sim/internal/instrument"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/store"
	"github.com/madfam-io/electrochem-sim/internal/stream"
	"github.com/madfam-io/electrochem-sim/internal/supervisor"
	"github.com/madfam-io/electrochem-sim/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Int("instrument_port", cfg.Server.InstrumentPort).
		Int("subscriber_port", cfg.Server.SubscriberPort).
		Msg("starting electrochem-sim server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Frame bus: in-process by default, NATS (optionally embedded) for
	// split deployments.
	var frameBus bus.Bus
	var embedded *bus.EmbeddedServer
	switch cfg.Bus.Backend {
	case "nats":
		url := cfg.Bus.URL
		if cfg.Bus.EmbeddedServer {
			embedded, err = bus.NewEmbeddedServer("127.0.0.1", -1)
			if err != nil {
				return fmt.Errorf("embedded NATS server: %w", err)
			}
			url = embedded.ClientURL()
			logging.Info().Str("url", url).Msg("embedded NATS server started")
		}
		frameBus, err = bus.NewNATSBus(bus.NATSConfig{
			URL:           url,
			MaxReconnects: cfg.Bus.MaxReconnects,
			ReconnectWait: cfg.Bus.ReconnectWait,
		})
		if err != nil {
			return err
		}
	default:
		frameBus = bus.NewMemoryBus()
	}

	// Driver registry: constructors are registered as values at program
	// start; the plugin directory scan is a declared no-op.
	registry := driver.NewRegistry(cfg.Driver.PluginDir)
	if err := registry.Register("mock", driver.NewMock); err != nil {
		return err
	}
	if _, err := registry.ScanPlugins(); err != nil {
		return err
	}

	records := store.NewMemoryStore()
	oracle := auth.NewJWTOracle(cfg.Security.JWTSecret)
	monitor := stream.NewMonitor()

	// Instrument surface.
	service := instrument.NewService(cfg, registry, frameBus, records)
	instrumentServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.InstrumentPort),
		Handler:           instrument.NewHandler(service).Router(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	// Subscriber surface.
	manager := ws.NewManager(cfg.Stream, frameBus, monitor)
	wsHandler := ws.NewHandler(manager, oracle, records, nil)
	subscriberServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.SubscriberPort),
		Handler:           ws.NewServer(cfg, manager, wsHandler, oracle, records, monitor, frameBus).Router(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewLifecycleService("instrument-service", service.Shutdown, 0))
	tree.AddMessagingService(supervisor.NewLifecycleService("connection-manager", func(context.Context) {
		manager.Shutdown()
	}, 0))
	tree.AddAPIService(supervisor.NewHTTPService("instrument-http", instrumentServer, 0))
	tree.AddAPIService(supervisor.NewHTTPService("subscriber-http", subscriberServer, 0))

	err = tree.Serve(ctx)

	if cerr := frameBus.Close(); cerr != nil {
		logging.Warn().Err(cerr).Msg("bus close failed")
	}
	if embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
		_ = embedded.Shutdown(shutdownCtx)
		cancel()
	}

	if errors.Is(err, context.Canceled) {
		logging.Info().Msg("server stopped")
		return nil
	}
	return err
}
