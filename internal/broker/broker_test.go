package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/domain"
)

func setupBroker(t *testing.T, opts Options) (*miniredis.Miniredis, *RedisBroker, *PoolCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	pools := NewPoolCache(&redis.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = pools.Close() })

	return mr, NewRedisBroker(pools, opts, zerolog.Nop()), pools
}

func TestRedisBroker_PublishBuffersEvents(t *testing.T) {
	mr, b, _ := setupBroker(t, Options{BufferSize: 3, BufferTTL: time.Minute})
	ctx := context.Background()
	topic := domain.ChatTopic("tenant-1", "sess-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, topic, domain.StreamEvent{
			ID:   fmt.Sprintf("evt-%d", i),
			Type: domain.EventToken,
			Data: map[string]interface{}{"content": fmt.Sprintf("t%d", i)},
		}))
	}

	events, err := b.Recent(ctx, topic)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-2", events[0].ID)
	assert.Equal(t, "evt-4", events[2].ID)
	assert.Equal(t, time.Minute, mr.TTL(BufferKey(topic)))
}

func TestRedisBroker_SubscribeReceivesPublishedEvents(t *testing.T) {
	_, b, _ := setupBroker(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	topic := domain.DocumentsTopic("tenant-1", "user-1")

	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, topic, domain.StreamEvent{ID: "evt-1", Type: domain.EventStatusUpdate}))
	require.NoError(t, b.Publish(ctx, topic, domain.StreamEvent{ID: "evt-2", Type: domain.EventQueueComplete}))

	var got []string
	for len(got) < 2 {
		select {
		case evt := <-sub.Events():
			got = append(got, evt.ID)
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", got)
		}
	}
	assert.Equal(t, []string{"evt-1", "evt-2"}, got)
}

func TestSubscription_CloseEndsEvents(t *testing.T) {
	_, b, _ := setupBroker(t, Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat:t:s")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

func TestRedisBroker_RecentSkipsUndecodableEntries(t *testing.T) {
	mr, b, _ := setupBroker(t, Options{})
	ctx := context.Background()

	_, err := mr.Push(BufferKey("chat:t:s"), "not json", `{"id":"evt-1","type":"final"}`)
	require.NoError(t, err)

	events, err := b.Recent(ctx, "chat:t:s")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFinal, events[0].Type)
}

func TestRedisBroker_ReconnectsAfterServerRestart(t *testing.T) {
	mr, b, pools := setupBroker(t, Options{
		Reconnect: ReconnectPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	})
	ctx := WithOwner(context.Background(), "publisher")

	require.NoError(t, b.Ping(ctx))
	assert.Equal(t, 1, pools.Len())

	mr.Close()
	require.NoError(t, mr.Restart())

	assert.NoError(t, b.Ping(ctx))
}

func TestRedisBroker_FailsAfterMaxAttempts(t *testing.T) {
	mr, b, _ := setupBroker(t, Options{
		Reconnect: ReconnectPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	mr.Close()

	err := b.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable after 2 attempts")
}
