// Package stream bridges broker topics to long-lived client streams.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
)

// Bridge defaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxDuration       = 30 * time.Minute

	bridgeOwner = "stream"
)

var (
	// ErrStreamExpired is returned when a stream reached its maximum duration.
	ErrStreamExpired = errors.New("stream max duration exceeded")
	// ErrSubscriptionClosed is returned when the broker ended the subscription.
	ErrSubscriptionClosed = errors.New("subscription closed by broker")
)

// Source is the broker side of a stream.
type Source interface {
	Subscribe(ctx context.Context, topic string) (*broker.Subscription, error)
	Recent(ctx context.Context, topic string) ([]domain.StreamEvent, error)
}

// EmitFunc writes one event to the client. An error ends the stream.
type EmitFunc func(domain.StreamEvent) error

// Bridge subscribes on behalf of a client and re-emits a topic's events.
type Bridge struct {
	source            Source
	heartbeatInterval time.Duration
	maxDuration       time.Duration
	metrics           *observability.Metrics
	logger            zerolog.Logger
}

// NewBridge creates a bridge. metrics may be nil.
func NewBridge(source Source, cfg config.StreamConfig, metrics *observability.Metrics, logger zerolog.Logger) *Bridge {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	maxDuration := cfg.MaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}

	return &Bridge{
		source:            source,
		heartbeatInterval: heartbeat,
		maxDuration:       maxDuration,
		metrics:           metrics,
		logger:            logger.With().Str("component", "stream_bridge").Logger(),
	}
}

// Cursor returns the id of the most recent buffered event of topic, or "" when the
// buffer is empty. Clients pass it back as afterID to catch up from that point.
func (b *Bridge) Cursor(ctx context.Context, topic string) (string, error) {
	events, err := b.source.Recent(broker.WithOwner(ctx, bridgeOwner), topic)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].ID, nil
}

// Stream relays the events of topic to emit.
//
// The subscription is confirmed before the buffer is read, so no event falls between
// catch-up and live delivery. When afterID is set, buffered events after it are
// replayed first; if afterID is no longer buffered the latest turn in the buffer
// is replayed.
// Events seen during catch-up are not emitted twice. Idle periods produce heartbeat
// events. Stream returns nil after a terminal event for kind, ctx.Err() when the
// client goes away, and ErrStreamExpired after the maximum duration.
func (b *Bridge) Stream(ctx context.Context, kind domain.StreamKind, topic, afterID string, emit EmitFunc) error {
	ctx = broker.WithOwner(ctx, bridgeOwner)
	logger := observability.WithTopicContext(b.logger, topic)

	sub, err := b.source.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("failed to close subscription")
		}
	}()

	if b.metrics != nil {
		b.metrics.RecordStreamOpened(string(kind))
		defer b.metrics.RecordStreamClosed(string(kind))
	}

	send := func(evt domain.StreamEvent) error {
		if err := emit(evt); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.RecordStreamEvent(string(kind))
		}
		return nil
	}

	seen := make(map[string]struct{})
	if afterID != "" {
		buffered, err := b.source.Recent(ctx, topic)
		if err != nil {
			logger.Warn().Err(err).Msg("catch-up unavailable, streaming live only")
		}
		for _, evt := range eventsAfter(buffered, kind, afterID) {
			seen[evt.ID] = struct{}{}
			if err := send(evt); err != nil {
				return err
			}
			if kind.Terminates(evt.Type) {
				return nil
			}
		}
	}

	deadline := time.NewTimer(b.maxDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(b.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			logger.Debug().Dur("max_duration", b.maxDuration).Msg("stream expired")
			return ErrStreamExpired

		case <-heartbeat.C:
			if err := send(domain.NewStreamEvent(domain.EventHeartbeat, nil)); err != nil {
				return err
			}

		case evt, ok := <-sub.Events():
			if !ok {
				return ErrSubscriptionClosed
			}
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			if err := send(evt); err != nil {
				return err
			}
			heartbeat.Reset(b.heartbeatInterval)
			if kind.Terminates(evt.Type) {
				return nil
			}
		}
	}
}

// eventsAfter returns the events following the one with id afterID. When afterID
// has been trimmed from the buffer it returns the most recent turn only: the
// events after the last terminal event that precedes the newest one, so an
// earlier turn's terminal event cannot end the stream.
func eventsAfter(events []domain.StreamEvent, kind domain.StreamKind, afterID string) []domain.StreamEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID == afterID {
			return events[i+1:]
		}
	}
	for i := len(events) - 2; i >= 0; i-- {
		if kind.Terminates(events[i].Type) {
			return events[i+1:]
		}
	}
	return events
}
