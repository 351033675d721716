// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func testFrame(timestep int64, keyframe bool) *frame.Frame {
	v := 0.1
	return &frame.Frame{
		Type:       frame.KindFrame,
		RunID:      "run_test",
		Timestep:   timestep,
		Timestamp:  time.Now().UnixMilli(),
		Voltage:    &v,
		IsKeyframe: keyframe,
	}
}

func TestEnqueueFastClient(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 10})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if !c.Enqueue(ctx, testFrame(i, false)) {
			t.Fatalf("frame %d dropped below medium threshold", i)
		}
	}

	m := c.Metrics()
	if m.QueueSize != 3 {
		t.Errorf("queue size = %d, want 3", m.QueueSize)
	}
	if m.FramesDropped != 0 {
		t.Errorf("frames dropped = %d, want 0", m.FramesDropped)
	}
}

func TestSlowClientDropsNonKeyframes(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 10, SlowThreshold: 0.7})
	ctx := context.Background()

	// Fill past the slow threshold (8/10 = 0.8 > 0.7).
	for i := int64(1); i <= 8; i++ {
		if !c.Enqueue(ctx, testFrame(i, false)) {
			t.Fatalf("frame %d dropped while filling", i)
		}
	}

	if c.Enqueue(ctx, testFrame(9, false)) {
		t.Error("non-keyframe enqueued above slow threshold")
	}
	if !c.Enqueue(ctx, testFrame(10, true)) {
		t.Error("keyframe dropped above slow threshold")
	}

	m := c.Metrics()
	if m.DroppedSlowClient != 1 {
		t.Errorf("slow-client drops = %d, want 1", m.DroppedSlowClient)
	}
	if m.KeyframesPreserved != 1 {
		t.Errorf("keyframes preserved = %d, want 1", m.KeyframesPreserved)
	}
}

func TestStalledClientTimesOutKeyframes(t *testing.T) {
	c := NewController("run_test", Options{
		Capacity:       2,
		EnqueueTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		c.Enqueue(ctx, testFrame(i, true))
	}

	start := time.Now()
	if c.Enqueue(ctx, testFrame(3, true)) {
		t.Fatal("keyframe enqueued into a full queue with no consumer")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("enqueue returned after %v, want the full timeout", elapsed)
	}

	if m := c.Metrics(); m.DroppedQueueFull != 1 {
		t.Errorf("queue-full drops = %d, want 1", m.DroppedQueueFull)
	}
}

func TestDequeueAnnotatesLatency(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 10})
	ctx := context.Background()

	c.Enqueue(ctx, testFrame(1, false))
	time.Sleep(5 * time.Millisecond)

	f, err := c.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if f.LatencyMillis == nil {
		t.Fatal("dequeued frame missing latency annotation")
	}
	if *f.LatencyMillis <= 0 {
		t.Errorf("latency = %v, want > 0", *f.LatencyMillis)
	}

	if m := c.Metrics(); m.FramesTransmitted != 1 {
		t.Errorf("frames transmitted = %d, want 1", m.FramesTransmitted)
	}
}

func TestDequeueDoesNotMutateSharedFrame(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 10})
	ctx := context.Background()

	shared := testFrame(1, false)
	c.Enqueue(ctx, shared)

	if _, err := c.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if shared.LatencyMillis != nil {
		t.Error("shared frame was mutated by dequeue")
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Dequeue(ctx); err == nil {
		t.Fatal("dequeue on empty queue returned without error")
	}
}

// TestBackpressureKeyframePreservation is the congestion law: a fast
// producer against a slow consumer must lose zero keyframes, and every
// delivered sequence stays monotonic in timestep.
func TestBackpressureKeyframePreservation(t *testing.T) {
	const (
		total            = 100
		keyframeInterval = 10
	)
	c := NewController("run_test", Options{
		Capacity:       10,
		SlowThreshold:  0.7,
		EnqueueTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan *frame.Frame, total)
	go func() {
		for {
			f, err := c.Dequeue(ctx)
			if err != nil {
				close(delivered)
				return
			}
			delivered <- f
			// Consumer at 50Hz against a 1kHz producer.
			time.Sleep(20 * time.Millisecond)
		}
	}()

	keyframesDropped := 0
	nonKeyframesDropped := 0
	for i := 1; i <= total; i++ {
		keyframe := (i-1)%keyframeInterval == 0
		if !c.Enqueue(ctx, testFrame(int64(i), keyframe)) {
			if keyframe {
				keyframesDropped++
			} else {
				nonKeyframesDropped++
			}
		}
		time.Sleep(time.Millisecond)
	}

	// Let the consumer drain what was accepted.
	time.Sleep(300 * time.Millisecond)
	cancel()

	if keyframesDropped != 0 {
		t.Errorf("keyframes dropped = %d, want 0", keyframesDropped)
	}
	if nonKeyframesDropped < 60 {
		t.Errorf("non-keyframes dropped = %d, want >= 60", nonKeyframesDropped)
	}

	var last int64
	for f := range delivered {
		if f.Timestep <= last {
			t.Fatalf("out-of-order delivery: timestep %d after %d", f.Timestep, last)
		}
		last = f.Timestep
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 5, EnqueueTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	for i := int64(1); i <= 20; i++ {
		c.Enqueue(ctx, testFrame(i, true))
		if size := c.Metrics().QueueSize; size > 5 {
			t.Fatalf("queue size %d exceeds capacity 5", size)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewController("run_test", Options{Capacity: 5})
	c.Enqueue(context.Background(), testFrame(1, false))

	c.Close()
	c.Close()

	if size := c.Metrics().QueueSize; size != 0 {
		t.Errorf("queue size after close = %d, want 0", size)
	}
}

func TestMonitorAggregates(t *testing.T) {
	m := NewMonitor()
	ctx := context.Background()

	c1 := NewController("run_a", Options{Capacity: 10})
	c2 := NewController("run_b", Options{Capacity: 10, SlowThreshold: 0.1})
	m.Register("sub_1", c1)
	m.Register("sub_2", c2)

	c1.Enqueue(ctx, testFrame(1, false))
	if _, err := c1.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// c2 is effectively always slow; non-keyframes drop immediately
	// once utilization crosses 0.1.
	for i := int64(1); i <= 5; i++ {
		c2.Enqueue(ctx, testFrame(i, false))
	}

	g := m.Global()
	if g.ActiveSubscribers != 2 {
		t.Errorf("active subscribers = %d, want 2", g.ActiveSubscribers)
	}
	if g.TotalFramesTransmitted != 1 {
		t.Errorf("total transmitted = %d, want 1", g.TotalFramesTransmitted)
	}
	if g.TotalFramesDropped == 0 {
		t.Error("total dropped = 0, want > 0")
	}
	if g.BandwidthEfficiency <= 0 {
		t.Errorf("bandwidth efficiency = %v, want > 0", g.BandwidthEfficiency)
	}

	m.Unregister("sub_1")
	m.Unregister("sub_2")
	if g := m.Global(); g.ActiveSubscribers != 0 {
		t.Errorf("active subscribers after unregister = %d, want 0", g.ActiveSubscribers)
	}
}
