// Package events turns processing progress into stream events and publishes
// them to broker topics behind a bounded-concurrency gate.
//
// Publishing is fire-and-forget relative to the caller: Emit returns as soon
// as the publish task holds a gate slot. The gate is a weighted semaphore with
// a fixed budget; every event type goes through it, so a slow broker slows
// the producers instead of growing an unbounded set of publish tasks.
// Broker failures are logged, counted and dropped.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
)

// Publisher defaults.
const (
	DefaultMaxInFlight    = 64
	DefaultPublishTimeout = 5 * time.Second

	publisherOwner = "publisher"
)

// Sink delivers one event to a topic.
type Sink interface {
	Publish(ctx context.Context, topic string, event domain.StreamEvent) error
}

// Publisher publishes events through a backpressure gate.
type Publisher struct {
	sink        Sink
	gate        *semaphore.Weighted
	maxInFlight int64
	timeout     time.Duration
	inFlight    atomic.Int64
	wg          sync.WaitGroup
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// NewPublisher creates a publisher over sink. metrics may be nil.
func NewPublisher(sink Sink, cfg config.PublisherConfig, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	return &Publisher{
		sink:        sink,
		gate:        semaphore.NewWeighted(maxInFlight),
		maxInFlight: maxInFlight,
		timeout:     timeout,
		metrics:     metrics,
		logger:      logger.With().Str("component", "event_publisher").Logger(),
	}
}

// MaxInFlight returns the gate budget.
func (p *Publisher) MaxInFlight() int64 {
	return p.maxInFlight
}

// InFlight returns the number of publishes currently holding a gate slot.
func (p *Publisher) InFlight() int64 {
	return p.inFlight.Load()
}

// Emit schedules an asynchronous publish of event to topic. It blocks only while
// the gate is full, and returns an error only if ctx ends before a slot frees up,
// in which case the event is dropped.
func (p *Publisher) Emit(ctx context.Context, topic string, event domain.StreamEvent) error {
	if err := p.acquire(ctx); err != nil {
		p.drop(topic, event, "gate_timeout", err)
		return err
	}

	p.wg.Add(1)
	go p.run(context.WithoutCancel(ctx), topic, event, p.complete)
	return nil
}

// Publish publishes event synchronously, still holding a gate slot while it runs.
// Broker errors are logged and returned.
func (p *Publisher) Publish(ctx context.Context, topic string, event domain.StreamEvent) error {
	if err := p.acquire(ctx); err != nil {
		p.drop(topic, event, "gate_timeout", err)
		return err
	}

	var result error
	p.wg.Add(1)
	p.run(ctx, topic, event, func(err error) {
		result = err
		p.complete(err)
	})
	return result
}

// Flush waits until every scheduled publish has completed or ctx ends.
func (p *Publisher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) acquire(ctx context.Context) error {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	n := p.inFlight.Add(1)
	if p.metrics != nil {
		p.metrics.SetPublishInFlight(n)
	}
	return nil
}

// complete is the completion callback of every publish task. It runs on success
// and on failure, and is the only place a gate slot is released.
func (p *Publisher) complete(error) {
	n := p.inFlight.Add(-1)
	if p.metrics != nil {
		p.metrics.SetPublishInFlight(n)
	}
	p.gate.Release(1)
	p.wg.Done()
}

func (p *Publisher) run(ctx context.Context, topic string, event domain.StreamEvent, done func(error)) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("topic", topic).Msg("publish panicked")
			err = errors.New("publish panicked")
		}
		done(err)
	}()

	ctx, cancel := context.WithTimeout(broker.WithOwner(ctx, publisherOwner), p.timeout)
	defer cancel()

	start := time.Now()
	err = p.sink.Publish(ctx, topic, event)
	if err != nil {
		p.drop(topic, event, "broker_error", err)
		return
	}

	if p.metrics != nil {
		p.metrics.RecordEventPublished(string(event.Type), time.Since(start).Seconds())
	}
}

func (p *Publisher) drop(topic string, event domain.StreamEvent, reason string, err error) {
	p.logger.Warn().
		Err(err).
		Str("topic", topic).
		Str("event_type", string(event.Type)).
		Str("event_id", event.ID).
		Str("reason", reason).
		Msg("event dropped")
	if p.metrics != nil {
		p.metrics.RecordEventDropped(reason)
	}
}
