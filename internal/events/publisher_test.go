package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
)

// blockingSink never completes a publish until released.
type blockingSink struct {
	release     chan struct{}
	current     atomic.Int64
	maxObserved atomic.Int64
	calls       atomic.Int64
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{})}
}

func (s *blockingSink) Publish(ctx context.Context, topic string, event domain.StreamEvent) error {
	s.calls.Add(1)
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		max := s.maxObserved.Load()
		if n <= max || s.maxObserved.CompareAndSwap(max, n) {
			break
		}
	}
	<-s.release
	return nil
}

type funcSink func(ctx context.Context, topic string, event domain.StreamEvent) error

func (f funcSink) Publish(ctx context.Context, topic string, event domain.StreamEvent) error {
	return f(ctx, topic, event)
}

func newTestPublisher(sink Sink, maxInFlight int64) *Publisher {
	return NewPublisher(sink, config.PublisherConfig{MaxInFlight: maxInFlight, PublishTimeout: time.Hour}, nil, zerolog.Nop())
}

func TestPublisher_BackpressureBound(t *testing.T) {
	const gate = 4
	sink := newBlockingSink()
	p := newTestPublisher(sink, gate)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			evt := domain.StreamEvent{ID: fmt.Sprintf("evt-%d", i), Type: domain.EventToken}
			if err := p.Emit(ctx, "chat:t:s", evt); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(gate), accepted.Load())
	assert.Equal(t, int64(gate), p.InFlight())
	assert.LessOrEqual(t, sink.maxObserved.Load(), int64(gate))

	close(sink.release)
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, int64(0), p.InFlight())
	assert.Equal(t, int64(gate), sink.calls.Load())
}

func TestPublisher_EmitBlocksCallerNotBroker(t *testing.T) {
	sink := newBlockingSink()
	p := newTestPublisher(sink, 1)

	require.NoError(t, p.Emit(context.Background(), "chat:t:s", domain.StreamEvent{ID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Emit(ctx, "chat:t:s", domain.StreamEvent{ID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, p.Flush(context.Background()))
}

func TestPublisher_FailedPublishReleasesSlot(t *testing.T) {
	var calls atomic.Int64
	p := newTestPublisher(funcSink(func(ctx context.Context, topic string, event domain.StreamEvent) error {
		calls.Add(1)
		return errors.New("broker down")
	}), 1)

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, p.Emit(ctx, "chat:t:s", domain.StreamEvent{ID: fmt.Sprint(i)}))
		cancel()
	}

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, int64(10), calls.Load())
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPublisher_PanickingSinkReleasesSlot(t *testing.T) {
	p := newTestPublisher(funcSink(func(ctx context.Context, topic string, event domain.StreamEvent) error {
		panic("boom")
	}), 1)

	err := p.Publish(context.Background(), "chat:t:s", domain.StreamEvent{ID: "x"})
	assert.EqualError(t, err, "publish panicked")
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPublisher_EmitSurvivesCallerCancellation(t *testing.T) {
	published := make(chan string, 1)
	p := newTestPublisher(funcSink(func(ctx context.Context, topic string, event domain.StreamEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		assert.Equal(t, "publisher", broker.OwnerFromContext(ctx))
		published <- event.ID
		return nil
	}), 2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Emit(ctx, "chat:t:s", domain.StreamEvent{ID: "final-1", Type: domain.EventFinal}))
	cancel()

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, "final-1", <-published)
}

func TestPublisher_PublishReturnsBrokerError(t *testing.T) {
	boom := errors.New("broker down")
	p := newTestPublisher(funcSink(func(ctx context.Context, topic string, event domain.StreamEvent) error {
		return boom
	}), 1)

	assert.ErrorIs(t, p.Publish(context.Background(), "chat:t:s", domain.StreamEvent{}), boom)
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPublisher_WithRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	pools := broker.NewPoolCache(&redis.Options{Addr: mr.Addr()}, zerolog.Nop())
	defer pools.Close()
	b := broker.NewRedisBroker(pools, broker.Options{BufferSize: 10}, zerolog.Nop())

	p := NewPublisher(b, config.PublisherConfig{MaxInFlight: 2}, nil, zerolog.Nop())
	topic := domain.ChatTopic("tenant-1", "sess-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Emit(context.Background(), topic, domain.NewStreamEvent(domain.EventToken, map[string]interface{}{"i": i})))
	}
	require.NoError(t, p.Flush(context.Background()))

	events, err := b.Recent(context.Background(), topic)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	assert.Equal(t, DefaultMaxInFlight, int(NewPublisher(b, config.PublisherConfig{}, nil, zerolog.Nop()).MaxInFlight()))
}

func TestPublisher_FlushHonoursContext(t *testing.T) {
	sink := newBlockingSink()
	p := newTestPublisher(sink, 1)
	require.NoError(t, p.Emit(context.Background(), "chat:t:s", domain.StreamEvent{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, p.Flush(context.Background()))
}
