package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "governance:"

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// RedisBus extends LocalBus with Redis Pub/Sub so every instance receives
// signals published by any other instance.
type RedisBus struct {
	*LocalBus
	client     *redis.Client
	instanceID string
	topics     []Topic
}

// NewRedisBus constructs a RedisBus relaying the given topics.
func NewRedisBus(client *redis.Client, logger *slog.Logger, topics ...Topic) *RedisBus {
	if len(topics) == 0 {
		topics = []Topic{TopicPermissionsReload, TopicProfileChanged}
	}
	return &RedisBus{
		LocalBus:   NewLocalBus(logger),
		client:     client,
		instanceID: uuid.NewString(),
		topics:     topics,
	}
}

// InstanceID identifies this process on the shared channel.
func (b *RedisBus) InstanceID() string {
	return b.instanceID
}

// Publish delivers msg locally, then relays it to other instances.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	msg.Origin = b.instanceID
	b.Deliver(ctx, msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(msg.Topic), data).Err(); err != nil {
		b.logger.Error("failed to relay message",
			slog.String("topic", string(msg.Topic)),
			slog.Any("error", err),
		)
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

// Run consumes messages from other instances until ctx is cancelled,
// reconnecting with exponential backoff when the subscription drops.
func (b *RedisBus) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := b.consume(ctx, func() { backoff = initialBackoff })
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Warn("pubsub subscription lost, reconnecting",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *RedisBus) consume(ctx context.Context, subscribed func()) error {
	channels := make([]string, 0, len(b.topics))
	for _, t := range b.topics {
		channels = append(channels, channelFor(t))
	}
	sub := b.client.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	b.logger.Info("subscribed to change signals", slog.Any("channels", channels))
	subscribed()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return errors.New("pubsub: channel closed")
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Warn("discarding malformed message",
					slog.String("channel", raw.Channel),
					slog.Any("error", err),
				)
				continue
			}
			if msg.Origin == b.instanceID {
				continue
			}
			b.Deliver(ctx, msg)
		}
	}
}

func channelFor(topic Topic) string {
	return channelPrefix + string(topic)
}
