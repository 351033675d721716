// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package frame

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	voltage, current := 0.42, 1.3e-5
	f := &Frame{
		Type:       KindFrame,
		RunID:      "run_abc",
		Timestep:   17,
		Timestamp:  1722500000000,
		Time:       0.17,
		Voltage:    &voltage,
		Current:    &current,
		IsKeyframe: true,
	}

	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != f.RunID || got.Timestep != f.Timestep || !got.IsKeyframe {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Voltage == nil || *got.Voltage != voltage {
		t.Error("round trip lost voltage")
	}
	if got.Charge != nil {
		t.Error("absent optional field materialized")
	}
}

func TestUnmarshalRequiresType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"run_id":"x"}`)); err == nil {
		t.Fatal("payload without type accepted")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("invalid JSON accepted")
	}
}

func TestStatusFramesAreKeyframes(t *testing.T) {
	f := NewStatus("run_abc", "completed", "done", 99, 1722500000000)
	if !f.IsKeyframe {
		t.Error("status frame not flagged keyframe")
	}
	if f.Type != KindStatus || f.Status != "completed" {
		t.Errorf("status frame = %+v", f)
	}

	e := NewEvent("run_abc", "bus_error", "reconnecting", 1722500000000)
	if !e.IsKeyframe || e.Type != KindEvent {
		t.Errorf("event frame = %+v", e)
	}
}

func TestTopicNaming(t *testing.T) {
	if got := Topic("run_abc"); got != "run:run_abc:telemetry" {
		t.Errorf("topic = %s", got)
	}
	if !strings.HasSuffix(Topic("x"), ":telemetry") {
		t.Error("topic missing telemetry suffix")
	}
}
