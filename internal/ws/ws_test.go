// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/madfam-io/electrochem-sim/internal/auth"
	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/config"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/store"
	"github.com/madfam-io/electrochem-sim/internal/stream"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

const testSecret = "test-signing-secret"

type testEnv struct {
	server  *httptest.Server
	bus     *bus.MemoryBus
	records *store.MemoryStore
	manager *Manager
	oracle  *auth.JWTOracle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Stream: config.StreamConfig{
			QueueCapacity:              100,
			MediumThreshold:            0.3,
			SlowThreshold:              0.7,
			EnqueueTimeout:             time.Second,
			WarningCooldown:            5 * time.Second,
			KeyframeInterval:           10,
			MaxConnectionsPerPrincipal: 3,
		},
		Security: config.SecurityConfig{
			JWTSecret:       testSecret,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   1000,
			RateLimitWindow: time.Minute,
		},
	}

	frameBus := bus.NewMemoryBus()
	records := store.NewMemoryStore()
	monitor := stream.NewMonitor()
	oracle := auth.NewJWTOracle(testSecret)
	manager := NewManager(cfg.Stream, frameBus, monitor)
	handler := NewHandler(manager, oracle, records, nil)
	server := httptest.NewServer(NewServer(cfg, manager, handler, oracle, records, monitor, frameBus).Router())
	t.Cleanup(server.Close)

	return &testEnv{
		server:  server,
		bus:     frameBus,
		records: records,
		manager: manager,
		oracle:  oracle,
	}
}

func (e *testEnv) token(t *testing.T, principal auth.Principal) string {
	t.Helper()
	token, err := e.oracle.IssueToken(principal, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) createRun(t *testing.T, runID, principalID string) {
	t.Helper()
	err := e.records.CreateRun(context.Background(), store.Run{
		ID:          runID,
		PrincipalID: principalID,
		State:       store.RunRunning,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func (e *testEnv) dial(runID, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/runs/" + runID + "?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

// readConnected reads and decodes the first message on a new socket.
func readConnected(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode connected event: %v", err)
	}
	return msg
}

func TestConnectedEventIsFirstMessage(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "u1")
	token := env.token(t, auth.Principal{ID: "u1", Username: "alice"})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readConnected(t, conn)
	if msg["type"] != "event" || msg["event"] != "connected" {
		t.Fatalf("first message = %v, want connected event", msg)
	}
	if msg["telemetry_channel"] != "run:run_1:telemetry" {
		t.Errorf("telemetry_channel = %v", msg["telemetry_channel"])
	}
	bp, ok := msg["backpressure"].(map[string]any)
	if !ok {
		t.Fatal("connected event missing backpressure advice")
	}
	if bp["max_queue_size"] != float64(100) || bp["slow_threshold"] != 0.7 {
		t.Errorf("backpressure advice = %v", bp)
	}
}

func TestUnauthenticatedRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "u1")

	_, resp, err := env.dial("run_1", "garbage-token")
	if err == nil {
		t.Fatal("handshake with invalid token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestAccessDeniedClosesWith1008(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "owner")
	token := env.token(t, auth.Principal{ID: "intruder"})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want close 1008", err)
	}
}

func TestMissingRunClosesWith1008(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "u1"})

	conn, _, err := env.dial("run_missing", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want close 1008", err)
	}
}

func TestSuperuserMayWatchAnyRun(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "owner")
	token := env.token(t, auth.Principal{ID: "admin", Superuser: true})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial as superuser: %v", err)
	}
	defer conn.Close()

	msg := readConnected(t, conn)
	if msg["event"] != "connected" {
		t.Fatalf("first message = %v", msg)
	}
}

// TestQuotaEnforcement is the quota idempotence law: three concurrent
// sockets succeed, the fourth is rejected with 429, and closing one
// frees a slot for a fifth.
func TestQuotaEnforcement(t *testing.T) {
	env := newTestEnv(t)
	principal := auth.Principal{ID: "u1"}
	token := env.token(t, principal)

	for i := 1; i <= 5; i++ {
		env.createRun(t, "run_"+string(rune('0'+i)), "u1")
	}

	conns := make([]*websocket.Conn, 0, 3)
	for i := 1; i <= 3; i++ {
		conn, _, err := env.dial("run_"+string(rune('0'+i)), token)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		readConnected(t, conn)
		conns = append(conns, conn)
	}

	if n := env.manager.PrincipalConnections("u1"); n != 3 {
		t.Fatalf("principal connections = %d, want 3", n)
	}

	_, resp, err := env.dial("run_4", token)
	if err == nil {
		t.Fatal("fourth concurrent handshake succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth handshake status = %v, want 429", resp)
	}

	// Close one and the next attempt succeeds.
	_ = conns[0].Close()
	waitFor(t, time.Second, func() bool {
		return env.manager.PrincipalConnections("u1") == 2
	})

	conn5, _, err := env.dial("run_5", token)
	if err != nil {
		t.Fatalf("fifth dial after freeing a slot: %v", err)
	}
	defer conn5.Close()
	readConnected(t, conn5)
}

func TestFrameDeliveryMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "u1")
	token := env.token(t, auth.Principal{ID: "u1"})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readConnected(t, conn)

	// Give the ingester a beat to attach before publishing.
	waitFor(t, time.Second, func() bool {
		return env.bus.SubscriberCount(frame.Topic("run_1")) == 1
	})

	ctx := context.Background()
	for i := int64(1); i <= 20; i++ {
		v := 0.1
		err := env.bus.Publish(ctx, frame.Topic("run_1"), &frame.Frame{
			Type:       frame.KindFrame,
			RunID:      "run_1",
			Timestep:   i,
			Voltage:    &v,
			IsKeyframe: i%10 == 1,
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var last int64
	for received := 0; received < 20; received++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f frame.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame %d: %v", received+1, err)
		}
		if f.Timestep <= last {
			t.Fatalf("out-of-order delivery: %d after %d", f.Timestep, last)
		}
		last = f.Timestep
	}
}

// TestTeardownOnClientDisconnect is the lifecycle-symmetry invariant:
// killing the client releases the quota slot and the bus subscription
// within a second.
func TestTeardownOnClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "u1")
	token := env.token(t, auth.Principal{ID: "u1"})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readConnected(t, conn)

	if n := env.manager.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}

	_ = conn.Close()

	waitFor(t, time.Second, func() bool {
		return env.manager.PrincipalConnections("u1") == 0 &&
			env.manager.SubscriberCount() == 0 &&
			env.bus.SubscriberCount(frame.Topic("run_1")) == 0
	})
}

func TestServerShutdownTearsDownSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_1", "u1")
	token := env.token(t, auth.Principal{ID: "u1"})

	conn, _, err := env.dial("run_1", token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readConnected(t, conn)

	env.manager.Shutdown()

	waitFor(t, time.Second, func() bool {
		return env.manager.SubscriberCount() == 0
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
