// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package bus provides the topic-indexed publish/subscribe primitive
// that decouples telemetry producers from WebSocket fan-out.
//
// One topic corresponds to one run. The telemetry bridge is the sole
// publisher per topic; any number of subscribers may join. Publishing
// never blocks and delivery is best-effort per subscriber: a subscriber
// whose mailbox is full misses that delivery and the bus moves on. No
// frames are retained — a late subscriber sees only frames published
// after it joined.
//
// Two backends exist: the in-process MemoryBus for single-process
// deployments, and the NATS-backed bus for split producer/fan-out
// processes.
package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
	"github.com/madfam-io/electrochem-sim/internal/frame"
	"github.com/madfam-io/electrochem-sim/internal/logging"
	"github.com/madfam-io/electrochem-sim/internal/metrics"
)

// Bus is the publish/subscribe contract shared by both backends.
type Bus interface {
	// Publish delivers f to every current subscriber of topic. It never
	// blocks on slow subscribers.
	Publish(ctx context.Context, topic string, f *frame.Frame) error

	// Subscribe joins a topic. The returned subscription's Frames
	// channel carries deliveries in publish order until Unsubscribe or
	// bus close.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Connected reports backend health (for the memory bus: true until
	// Close).
	Connected() bool

	Close() error
}

// Subscription is a live topic membership. The bus holds only a weak
// handle to the subscriber (its mailbox); the connection manager owns
// the subscriber itself.
type Subscription interface {
	// Frames is the delivery channel. It is closed after Unsubscribe
	// returns, and on bus close.
	Frames() <-chan *frame.Frame

	// Unsubscribe deregisters. Idempotent; no deliveries happen after
	// it returns.
	Unsubscribe()
}

// mailboxSize bounds each subscription's delivery channel. The real
// flow control lives in the backpressure controller downstream; this
// buffer only absorbs scheduling jitter between the bus goroutine and
// the subscriber's ingester.
const mailboxSize = 64

type memorySub struct {
	id     uint64
	topic  string
	bus    *MemoryBus
	frames chan *frame.Frame
	once   sync.Once
}

func (s *memorySub) Frames() <-chan *frame.Frame { return s.frames }

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// MemoryBus is the in-process Bus backend.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*memorySub
	nextID uint64
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[uint64]*memorySub)}
}

// Publish delivers f to every subscriber of topic in a deterministic
// order. Full mailboxes are skipped and logged, never waited on.
func (b *MemoryBus) Publish(_ context.Context, topic string, f *frame.Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	subs := b.topics[topic]
	if len(subs) == 0 {
		return nil
	}

	// Deterministic delivery order: subscription IDs are monotonic, so
	// sorting them yields join order.
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sub := subs[id]
		select {
		case sub.frames <- f:
		default:
			logging.Debug().
				Str("topic", topic).
				Uint64("subscription", id).
				Msg("subscriber mailbox full, delivery skipped")
		}
	}

	metrics.BusPublishes.WithLabelValues("memory").Inc()
	return nil
}

// Subscribe joins topic. Frames published strictly after Subscribe
// returns are delivered.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperr.New(apperr.KindBusUnavailable, "bus is closed")
	}

	b.nextID++
	sub := &memorySub{
		id:     b.nextID,
		topic:  topic,
		bus:    b,
		frames: make(chan *frame.Frame, mailboxSize),
	}

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*memorySub)
	}
	b.topics[topic][sub.id] = sub

	return sub, nil
}

// remove detaches the subscription and closes its channel. Taking the
// write lock here guarantees no Publish is mid-send when the channel
// closes, which is what makes "no deliveries after Unsubscribe returns"
// hold.
func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	if subs == nil {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.frames)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Connected reports true until the bus is closed.
func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close shuts the bus down, closing every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.frames)
		}
		delete(b.topics, topic)
	}
	return nil
}
