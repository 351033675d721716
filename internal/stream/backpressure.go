// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package stream implements the per-subscriber backpressure controller:
// a bounded FIFO of frames with a three-tier policy that preserves
// keyframes under congestion and drops fungible frames instead of
// stalling producers.
//
// Regimes by queue utilization u:
//
//	u <= medium           FAST:    enqueue unconditionally
//	medium < u <= slow    MEDIUM:  enqueue, warn at most once per cooldown
//	u > slow              SLOW:    keyframes only; non-keyframes dropped
//	u = 1.0               STALLED: enqueue bounded by a timeout, then drop
package stream

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
)

// Drop reasons, used as metric labels and in the final per-subscriber
// accounting.
const (
	DropSlowClientNonKeyframe = "slow_client_non_keyframe"
	DropQueueFullTimeout      = "queue_full_timeout"
)

// Options tunes a Controller. Zero values fall back to the documented
// defaults.
type Options struct {
	Capacity        int           // default 100
	MediumThreshold float64       // default 0.3
	SlowThreshold   float64       // default 0.7
	EnqueueTimeout  time.Duration // default 1s
	WarningCooldown time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.MediumThreshold <= 0 {
		o.MediumThreshold = 0.3
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 0.7
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = time.Second
	}
	if o.WarningCooldown <= 0 {
		o.WarningCooldown = 5 * time.Second
	}
	return o
}

// Metrics is a point-in-time snapshot of a controller's counters.
type Metrics struct {
	QueueSize          int     `json:"queue_size"`
	Capacity           int     `json:"capacity"`
	Utilization        float64 `json:"utilization"`
	FramesTransmitted  int64   `json:"frames_transmitted"`
	FramesDropped      int64   `json:"frames_dropped"`
	DroppedSlowClient  int64   `json:"dropped_slow_client"`
	DroppedQueueFull   int64   `json:"dropped_queue_full"`
	KeyframesPreserved int64   `json:"keyframes_preserved"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// queued pairs a frame with its enqueue stamp. The stamp is internal;
// it is stripped before the frame reaches the socket.
type queued struct {
	f          *frame.Frame
	enqueuedAt time.Time
}

// Controller is the per-subscriber bounded queue. Exactly one producer
// (the bus ingester) calls Enqueue and exactly one consumer (the socket
// egester) calls Dequeue.
type Controller struct {
	runID string
	opts  Options

	queue chan queued

	mu                 sync.Mutex
	framesDropped      int64
	droppedSlowClient  int64
	droppedQueueFull   int64
	framesTransmitted  int64
	keyframesPreserved int64
	totalLatencyMs     float64
	closed             bool

	warnLimiter *rate.Limiter
	createdAt   time.Time
}

// NewController creates a controller for one subscriber of one run.
func NewController(runID string, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		runID:       runID,
		opts:        opts,
		queue:       make(chan queued, opts.Capacity),
		warnLimiter: rate.NewLimiter(rate.Every(opts.WarningCooldown), 1),
		createdAt:   time.Now(),
	}
	logging.Info().
		Str("run_id", runID).
		Int("capacity", opts.Capacity).
		Float64("slow_threshold", opts.SlowThreshold).
		Msg("backpressure controller created")
	return c
}

// Utilization returns the instantaneous queue-size-to-capacity ratio.
func (c *Controller) Utilization() float64 {
	return float64(len(c.queue)) / float64(c.opts.Capacity)
}

// Enqueue applies the three-tier policy and reports whether the frame
// was queued. Keyframes are the only frames whose delivery is attempted
// in the SLOW regime; in the STALLED regime even keyframes are bounded
// by the enqueue timeout.
func (c *Controller) Enqueue(ctx context.Context, f *frame.Frame) bool {
	utilization := c.Utilization()
	metrics.QueueSize.WithLabelValues(c.runID).Set(float64(len(c.queue)))
	metrics.QueueUtilization.WithLabelValues(c.runID).Set(utilization)

	if utilization > c.opts.SlowThreshold && !f.IsKeyframe {
		c.recordDrop(DropSlowClientNonKeyframe)
		if c.warnLimiter.Allow() {
			logging.Warn().
				Str("run_id", c.runID).
				Float64("utilization", utilization).
				Msg("slow client, dropping non-keyframes")
		}
		return false
	}

	item := queued{f: f, enqueuedAt: time.Now()}

	timer := time.NewTimer(c.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case c.queue <- item:
	case <-timer.C:
		c.recordDrop(DropQueueFullTimeout)
		logging.Error().
			Str("run_id", c.runID).
			Msg("frame dropped on enqueue timeout, client stalled")
		return false
	case <-ctx.Done():
		return false
	}

	c.mu.Lock()
	if f.IsKeyframe {
		c.keyframesPreserved++
	}
	c.mu.Unlock()

	if utilization > c.opts.MediumThreshold && utilization <= c.opts.SlowThreshold &&
		c.warnLimiter.Allow() {
		logging.Info().
			Str("run_id", c.runID).
			Float64("utilization", utilization).
			Msg("queue approaching backpressure threshold")
	}
	return true
}

// Dequeue blocks until a frame is available or ctx is done. The
// returned frame is a copy annotated with its queue latency.
func (c *Controller) Dequeue(ctx context.Context) (*frame.Frame, error) {
	select {
	case item, ok := <-c.queue:
		if !ok {
			return nil, context.Canceled
		}
		latency := time.Since(item.enqueuedAt)
		latencyMs := math.Round(latency.Seconds()*1000*100) / 100

		metrics.FrameLatency.WithLabelValues(c.runID).Observe(latency.Seconds())
		metrics.QueueSize.WithLabelValues(c.runID).Set(float64(len(c.queue)))
		metrics.QueueUtilization.WithLabelValues(c.runID).Set(c.Utilization())

		c.mu.Lock()
		c.framesTransmitted++
		c.totalLatencyMs += latencyMs
		c.mu.Unlock()

		// Frames are shared across subscribers; annotate a copy.
		out := *item.f
		out.LatencyMillis = &latencyMs
		return &out, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) recordDrop(reason string) {
	metrics.FramesDropped.WithLabelValues(c.runID, reason).Inc()
	c.mu.Lock()
	c.framesDropped++
	switch reason {
	case DropSlowClientNonKeyframe:
		c.droppedSlowClient++
	case DropQueueFullTimeout:
		c.droppedQueueFull++
	}
	c.mu.Unlock()
}

// Metrics returns a snapshot of the controller's counters.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := 0.0
	if c.framesTransmitted > 0 {
		avg = math.Round(c.totalLatencyMs/float64(c.framesTransmitted)*100) / 100
	}
	return Metrics{
		QueueSize:          len(c.queue),
		Capacity:           c.opts.Capacity,
		Utilization:        float64(len(c.queue)) / float64(c.opts.Capacity),
		FramesTransmitted:  c.framesTransmitted,
		FramesDropped:      c.framesDropped,
		DroppedSlowClient:  c.droppedSlowClient,
		DroppedQueueFull:   c.droppedQueueFull,
		KeyframesPreserved: c.keyframesPreserved,
		AverageLatencyMs:   avg,
	}
}

// Capacity returns the queue capacity.
func (c *Controller) Capacity() int { return c.opts.Capacity }

// SlowThreshold returns the SLOW regime boundary.
func (c *Controller) SlowThreshold() float64 { return c.opts.SlowThreshold }

// Close drains and discards the queue and emits the final metrics
// record. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for {
		select {
		case <-c.queue:
		default:
			m := c.Metrics()
			logging.Info().
				Str("run_id", c.runID).
				Int64("frames_transmitted", m.FramesTransmitted).
				Int64("frames_dropped", m.FramesDropped).
				Int64("keyframes_preserved", m.KeyframesPreserved).
				Float64("average_latency_ms", m.AverageLatencyMs).
				Msg("backpressure controller closed")
			return
		}
	}
}
