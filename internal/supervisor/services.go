// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPService adapts an http.Server to suture's Serve pattern: listen
// until context cancellation, then shut down gracefully.
type HTTPService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server for supervision under name.
func NewHTTPService(name string, server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listen: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", s.name, err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *HTTPService) String() string { return s.name }

// LifecycleService adapts a component with a shutdown hook to suture's
// Serve pattern: wait for cancellation, then shut down with a bounded
// timeout.
type LifecycleService struct {
	name            string
	shutdown        func(ctx context.Context)
	shutdownTimeout time.Duration
}

// NewLifecycleService wraps a shutdown hook for supervision under name.
func NewLifecycleService(name string, shutdown func(ctx context.Context), shutdownTimeout time.Duration) *LifecycleService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &LifecycleService{name: name, shutdown: shutdown, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.shutdown(shutdownCtx)

	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *LifecycleService) String() string { return s.name }
