// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
)

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSBus is the cross-process Bus backend. Frames are serialized to
// their wire form and published fire-and-forget on core NATS subjects;
// no JetStream persistence, matching the bus contract (no replay, no
// durability).
//
// Publishes go through a circuit breaker so a dead broker fails fast
// instead of stalling telemetry bridges.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	conn       *natsgo.Conn
	breaker    *gobreaker.CircuitBreaker[any]
	logger     watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewNATSBus connects to the broker at cfg.URL and builds the watermill
// publisher/subscriber pair.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	// A shared connection lets Connected() report real broker health.
	conn, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBusUnavailable, "connect to NATS", err)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.KindBusUnavailable, "create NATS publisher", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		conn.Close()
		return nil, apperr.Wrap(apperr.KindBusUnavailable, "create NATS subscriber", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &NATSBus{
		publisher:  pub,
		subscriber: sub,
		conn:       conn,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// subject maps a canonical topic name to a NATS subject: colons become
// dots ("run:abc:telemetry" -> "run.abc.telemetry").
func subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Publish serializes the frame and sends it through the breaker.
func (b *NATSBus) Publish(_ context.Context, topic string, f *frame.Frame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return apperr.New(apperr.KindBusUnavailable, "bus is closed")
	}

	data, err := frame.Marshal(f)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("run_id", f.RunID)
	msg.Metadata.Set("type", string(f.Type))

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(subject(topic), msg)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindBusUnavailable, "publish frame", err)
	}

	metrics.BusPublishes.WithLabelValues("nats").Inc()
	return nil
}

type natsSub struct {
	frames chan *frame.Frame
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *natsSub) Frames() <-chan *frame.Frame { return s.frames }

func (s *natsSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe joins the topic's subject and adapts watermill messages to
// frames. Payloads that do not parse as frames are acked and skipped.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	messages, err := b.subscriber.Subscribe(subCtx, subject(topic))
	if err != nil {
		cancel()
		return nil, apperr.Wrap(apperr.KindBusUnavailable, "subscribe to "+topic, err)
	}

	sub := &natsSub{
		frames: make(chan *frame.Frame, mailboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.frames)
		for msg := range messages {
			f, perr := frame.Unmarshal(msg.Payload)
			if perr != nil {
				logging.Warn().Err(perr).Str("topic", topic).Msg("discarding unparseable bus payload")
				msg.Ack()
				continue
			}
			select {
			case sub.frames <- f:
			default:
				logging.Debug().Str("topic", topic).Msg("subscriber mailbox full, delivery skipped")
			}
			msg.Ack()
		}
	}()

	return sub, nil
}

// Connected reports the shared connection's health.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close shuts down both watermill endpoints and the shared connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.publisher.Close()
	if serr := b.subscriber.Close(); err == nil {
		err = serr
	}
	b.conn.Close()
	return err
}
