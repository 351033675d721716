// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package ws

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/madfam-io/electrochem-sim/internal/auth"
	"github.com/madfam-io/electrochem-sim/internal/store"
)

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRunLifecycleAPI(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "u1", Username: "alice"})

	// Create.
	resp, body := env.request(t, http.MethodPost, "/api/v1/runs", token,
		map[string]any{"technique": "cyclic_voltammetry"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", resp.StatusCode)
	}
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("create response missing run_id: %v", body)
	}
	if body["stream_url"] != "/ws/runs/"+runID {
		t.Errorf("stream_url = %v", body["stream_url"])
	}

	// Get.
	resp, body = env.request(t, http.MethodGet, "/api/v1/runs/"+runID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["state"] != string(store.RunQueued) {
		t.Errorf("state = %v, want queued", body["state"])
	}

	// Invalid action for the current state.
	resp, _ = env.request(t, http.MethodPatch, "/api/v1/runs/"+runID, token,
		map[string]any{"action": "pause"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pause queued run status = %d, want 400", resp.StatusCode)
	}

	// Abort is legal from any non-terminal state.
	resp, body = env.request(t, http.MethodPatch, "/api/v1/runs/"+runID, token,
		map[string]any{"action": "abort", "reason": "operator abort"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort status = %d", resp.StatusCode)
	}
	if body["state"] != string(store.RunAborted) {
		t.Errorf("state after abort = %v", body["state"])
	}

	// Terminal states are absorbing.
	resp, _ = env.request(t, http.MethodPatch, "/api/v1/runs/"+runID, token,
		map[string]any{"action": "abort"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("abort aborted run status = %d, want 400", resp.StatusCode)
	}
}

func TestRunAPIAccessControl(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "run_theirs", "owner")

	token := env.token(t, auth.Principal{ID: "intruder"})
	resp, _ := env.request(t, http.MethodGet, "/api/v1/runs/run_theirs", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign run get status = %d, want 403", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodGet, "/api/v1/runs/run_theirs", "bad-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated get status = %d, want 401", resp.StatusCode)
	}

	adminToken := env.token(t, auth.Principal{ID: "admin", Superuser: true})
	resp, _ = env.request(t, http.MethodGet, "/api/v1/runs/run_theirs", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("superuser get status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "u1"})

	resp, body := env.request(t, http.MethodGet, "/api/v1/stream/metrics", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream metrics status = %d", resp.StatusCode)
	}
	if _, ok := body["active_subscribers"]; !ok {
		t.Errorf("stream metrics body = %v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["bus_connected"] != true {
		t.Errorf("bus_connected = %v", body["bus_connected"])
	}
}
