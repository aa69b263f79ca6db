package pubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisPair(t *testing.T) (*RedisBus, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	newBus := func() *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisBus(client, nil)
	}
	a, b := newBus(), newBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, bus := range []*RedisBus{a, b} {
		go func(bus *RedisBus) {
			_ = bus.Run(ctx)
			done <- struct{}{}
		}(bus)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	channel := channelFor(TopicPermissionsReload)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)
	return a, b
}

func TestRedisBusRelaysAcrossInstances(t *testing.T) {
	a, b := newRedisPair(t)
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	received := make(chan Message, 1)
	b.Subscribe(TopicPermissionsReload, func(ctx context.Context, msg Message) { received <- msg })

	require.NoError(t, a.Publish(context.Background(), Message{Topic: TopicPermissionsReload, UserID: 12, Reason: "overrides"}))

	select {
	case msg := <-received:
		require.Equal(t, int64(12), msg.UserID)
		require.Equal(t, "overrides", msg.Reason)
		require.Equal(t, a.InstanceID(), msg.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed")
	}
}

func TestRedisBusSkipsOwnMessages(t *testing.T) {
	a, b := newRedisPair(t)

	var local, remote atomic.Int32
	a.Subscribe(TopicProfileChanged, func(ctx context.Context, msg Message) { local.Add(1) })
	b.Subscribe(TopicProfileChanged, func(ctx context.Context, msg Message) { remote.Add(1) })

	require.NoError(t, a.Publish(context.Background(), Message{Topic: TopicProfileChanged, ProfileID: 9}))
	require.Eventually(t, func() bool { return remote.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Give the publisher's own subscription time to see the relayed copy.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, local.Load())
}

func TestRedisBusDropsMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, nil, TopicPermissionsReload)

	var calls atomic.Int32
	bus.Subscribe(TopicPermissionsReload, func(ctx context.Context, msg Message) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	channel := channelFor(TopicPermissionsReload)
	require.Eventually(t, func() bool { return mr.PubSubNumSub(channel)[channel] == 1 }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(channel, "{broken")
	mr.Publish(channel, `{"topic":"permissions-reload","user_id":5,"origin":"elsewhere"}`)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
