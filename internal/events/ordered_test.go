package events

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/domain"
)

func TestOrderedWriter_PreservesOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	p := newTestPublisher(funcSink(func(ctx context.Context, topic string, event domain.StreamEvent) error {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		mu.Lock()
		seen = append(seen, event.ID)
		mu.Unlock()
		return nil
	}), 4)

	w := p.Ordered("chat:t:s")
	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("evt-%03d", i)
		want = append(want, id)
		require.NoError(t, w.Emit(context.Background(), domain.StreamEvent{ID: id, Type: domain.EventToken}))
		assert.LessOrEqual(t, p.InFlight(), int64(4))
	}
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, want, seen)
	assert.Equal(t, int64(0), p.InFlight())
}

func TestOrderedWriter_SharesGate(t *testing.T) {
	sink := newBlockingSink()
	p := newTestPublisher(sink, 2)
	w := p.Ordered("chat:t:s")

	require.NoError(t, w.Emit(context.Background(), domain.StreamEvent{ID: "a"}))
	require.NoError(t, w.Emit(context.Background(), domain.StreamEvent{ID: "b"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Emit(ctx, "documents:t:u", domain.StreamEvent{ID: "c"}), context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, int64(2), sink.calls.Load())
}

func TestOrderedWriter_EmitAfterClose(t *testing.T) {
	p := newTestPublisher(funcSink(func(context.Context, string, domain.StreamEvent) error { return nil }), 1)
	w := p.Ordered("chat:t:s")

	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))
	assert.ErrorIs(t, w.Emit(context.Background(), domain.StreamEvent{ID: "late"}), ErrWriterClosed)
}

func TestOrderedWriter_CloseHonoursContext(t *testing.T) {
	sink := newBlockingSink()
	p := newTestPublisher(sink, 1)
	w := p.Ordered("chat:t:s")
	require.NoError(t, w.Emit(context.Background(), domain.StreamEvent{ID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, p.Flush(context.Background()))
}
