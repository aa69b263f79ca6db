// Package pubsub carries change signals between permission consumers, both
// inside one process and across instances.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Topic names a signal stream.
type Topic string

const (
	// TopicPermissionsReload asks every permission consumer to re-resolve.
	TopicPermissionsReload Topic = "permissions-reload"
	// TopicProfileChanged announces a role or active-status change on a profile.
	TopicProfileChanged Topic = "profile-changed"
)

// Message is the payload delivered to subscribers. Delivery is at-least-once;
// handlers must be idempotent.
type Message struct {
	Topic     Topic     `json:"topic"`
	UserID    int64     `json:"user_id,omitempty"`
	ProfileID int64     `json:"profile_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	At        time.Time `json:"at"`
}

// Handler receives delivered messages. Handlers must not block.
type Handler func(ctx context.Context, msg Message)

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic Topic, handler Handler) (unsubscribe func())
}

// LocalBus fans messages out to in-process subscribers.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Topic]map[uint64]Handler
	logger   *slog.Logger
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{handlers: make(map[Topic]map[uint64]Handler), logger: logger}
}

// Publish delivers msg to local subscribers.
func (b *LocalBus) Publish(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	b.Deliver(ctx, msg)
	return nil
}

// Subscribe registers handler for topic and returns a function removing it.
func (b *LocalBus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			b.mu.Unlock()
		})
	}
}

// Deliver invokes local subscribers only, without any cross-instance fan-out.
func (b *LocalBus) Deliver(ctx context.Context, msg Message) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[msg.Topic]))
	for _, h := range b.handlers[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(ctx, h, msg)
	}
}

// Subscribers reports the number of handlers registered for topic.
func (b *LocalBus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

func (b *LocalBus) safeCall(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("pubsub handler panicked",
				slog.String("topic", string(msg.Topic)),
				slog.Any("panic", rec),
			)
		}
	}()
	h(ctx, msg)
}
