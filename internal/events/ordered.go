package events

import (
	"context"
	"errors"
	"sync"

	"github.com/helixir/orchestration-service/internal/domain"
)

// ErrWriterClosed is returned by OrderedWriter.Emit after Close.
var ErrWriterClosed = errors.New("ordered writer closed")

type queuedEvent struct {
	ctx   context.Context
	event domain.StreamEvent
}

// OrderedWriter publishes events to one topic asynchronously and in emit order.
// Each queued event holds a gate slot of the parent Publisher until it is published,
// so a writer's queue never exceeds the gate budget.
type OrderedWriter struct {
	p     *Publisher
	topic string
	queue chan queuedEvent
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// Ordered starts a writer for topic. Callers must Close it.
func (p *Publisher) Ordered(topic string) *OrderedWriter {
	w := &OrderedWriter{
		p:     p,
		topic: topic,
		queue: make(chan queuedEvent, p.maxInFlight),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Emit queues event behind the events emitted before it. It blocks only while the
// gate is full.
func (w *OrderedWriter) Emit(ctx context.Context, event domain.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	if err := w.p.acquire(ctx); err != nil {
		w.p.drop(w.topic, event, "gate_timeout", err)
		return err
	}
	w.p.wg.Add(1)
	w.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}
	return nil
}

// Close stops accepting events and waits until the queued ones are published or
// ctx ends. Queued events are still published after ctx ends.
func (w *OrderedWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *OrderedWriter) loop() {
	defer close(w.done)
	for q := range w.queue {
		w.p.run(q.ctx, w.topic, q.event, w.p.complete)
	}
}
