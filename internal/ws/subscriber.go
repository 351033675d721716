// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/madfam-io/electrochem-sim/internal/bus"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
	"github.com/madfam-io/electrochem-sim/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// resubscribe backoff bounds for an in-flight bus loss
	resubscribeBase = time.Second
	resubscribeMax  = 30 * time.Second
)

// Subscriber is the bound triple of socket, backpressure controller,
// and bus subscription. While it lives, exactly one ingester drains the
// bus into the queue and exactly one egester drains the queue to the
// socket.
type Subscriber struct {
	ID          string
	PrincipalID string
	RunID       string

	conn         *websocket.Conn
	controller   *stream.Controller
	subscription bus.Subscription
	bus          bus.Bus
	manager      *Manager

	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time

	closeOnce   sync.Once
	reasonMu    sync.Mutex
	closeReason string
}

func (s *Subscriber) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Subscriber) reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.closeReason
}

// Run drives the subscriber until the client disconnects, an error
// occurs, or the server shuts down. It blocks; the caller owns the
// HTTP handler goroutine. Teardown always happens exactly once.
func (s *Subscriber) Run() {
	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error { return s.readPump(ctx) })
	g.Go(func() error { return s.ingest(ctx) })
	g.Go(func() error { return s.egest(ctx) })

	err := g.Wait()

	reason := s.reason()
	if reason == "" {
		switch {
		case err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			reason = ReasonClientDisconnect
		case websocket.IsUnexpectedCloseError(err):
			reason = ReasonClientDisconnect
		case ctx.Err() != nil && s.ctx.Err() != nil:
			reason = ReasonServerClose
		default:
			reason = ReasonError
		}
	}

	s.finish(reason)
}

// Close tears the subscriber down with an explicit reason (server
// shutdown, quota revocation).
func (s *Subscriber) Close(reason string) {
	s.setReason(reason)
	s.cancel()
	// Closing the socket unblocks readPump's pending read.
	_ = s.conn.Close()
}

func (s *Subscriber) finish(reason string) {
	s.closeOnce.Do(func() {
		s.manager.teardown(s, reason)
		_ = s.conn.Close()
	})
}

// readPump consumes client messages. Subscribers are read-only peers;
// the pump exists to process pong frames and to notice disconnects
// promptly.
func (s *Subscriber) readPump(ctx context.Context) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// ingest forwards every bus delivery into the backpressure controller,
// passing the producer's keyframe flag through untouched. If the bus
// drops the subscription mid-run, the client gets a synthesized
// bus_error event and the ingester resubscribes with exponential
// backoff while the driver keeps running.
func (s *Subscriber) ingest(ctx context.Context) error {
	frames := s.subscription.Frames()
	backoff := resubscribeBase

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				metrics.BusSubscribeErrors.WithLabelValues(s.RunID).Inc()
				logging.Warn().Str("run_id", s.RunID).Msg("bus subscription lost, reconnecting")
				s.controller.Enqueue(ctx, frame.NewEvent(
					s.RunID, "bus_error", "lost connection to telemetry stream, reconnecting",
					time.Now().UnixMilli()))

				next, err := s.resubscribe(ctx, backoff)
				if err != nil {
					return err
				}
				frames = next
				if backoff *= 2; backoff > resubscribeMax {
					backoff = resubscribeMax
				}
				continue
			}

			backoff = resubscribeBase
			metrics.BusDeliveries.WithLabelValues(s.RunID).Inc()
			s.controller.Enqueue(ctx, f)
		}
	}
}

func (s *Subscriber) resubscribe(ctx context.Context, wait time.Duration) (<-chan *frame.Frame, error) {
	for {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		subscription, err := s.bus.Subscribe(ctx, frame.Topic(s.RunID))
		if err == nil {
			s.subscription = subscription
			return subscription.Frames(), nil
		}
		metrics.BusSubscribeErrors.WithLabelValues(s.RunID).Inc()
		if wait *= 2; wait > resubscribeMax {
			wait = resubscribeMax
		}
	}
}

// egest dequeues and writes to the socket, pinging on the idle ticker.
func (s *Subscriber) egest(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	dequeued := make(chan *frame.Frame)
	dequeueErr := make(chan error, 1)
	go func() {
		for {
			f, err := s.controller.Dequeue(ctx)
			if err != nil {
				dequeueErr <- err
				return
			}
			select {
			case dequeued <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-dequeueErr:
			return err

		case f := <-dequeued:
			if err := s.writeFrame(f); err != nil {
				return err
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) writeFrame(f *frame.Frame) error {
	data, err := frame.Marshal(f)
	if err != nil {
		logging.Error().Err(err).Str("run_id", s.RunID).Msg("failed to marshal frame")
		return nil
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	metrics.WSMessages.WithLabelValues(s.RunID, string(f.Type)).Inc()
	return nil
}
