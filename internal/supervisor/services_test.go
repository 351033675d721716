// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPServiceServesAndShutsDown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPService("test-http", server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop after cancellation")
	}
}

func TestLifecycleServiceRunsShutdownHook(t *testing.T) {
	shutdownCalled := make(chan struct{})
	svc := NewLifecycleService("test-lifecycle", func(context.Context) {
		close(shutdownCalled)
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	cancel()
	select {
	case <-shutdownCalled:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook never ran")
	}
	<-served
}

func TestTreeServesUntilCancelled(t *testing.T) {
	tree := NewTree(discardLogger(), DefaultTreeConfig())
	tree.AddMessagingService(NewLifecycleService("noop", func(context.Context) {}, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- tree.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-served:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("tree serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}

func TestServiceNames(t *testing.T) {
	if got := NewHTTPService("a", &http.Server{ReadHeaderTimeout: time.Second}, 0).String(); got != "a" {
		t.Errorf("name = %s", got)
	}
	if got := NewLifecycleService("b", func(context.Context) {}, 0).String(); got != "b" {
		t.Errorf("name = %s", got)
	}
}
