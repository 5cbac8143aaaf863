// Package broker provides the Redis-backed pub/sub broker: topic publish and
// subscribe, a bounded per-topic replay buffer, and cooperative cancellation flags.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
)

const bufferKeyPrefix = "stream:buffer:"

// Buffer defaults.
const (
	DefaultBufferSize = 500
	DefaultBufferTTL  = time.Hour
)

// BufferKey returns the redis list holding the recent events of a topic.
func BufferKey(topic string) string {
	return bufferKeyPrefix + topic
}

// Options configures a RedisBroker.
type Options struct {
	// BufferSize is the number of recent events retained per topic.
	BufferSize int64
	// BufferTTL expires an idle topic's buffer.
	BufferTTL time.Duration
	Reconnect ReconnectPolicy
}

// RedisBroker publishes and subscribes to topics on Redis.
type RedisBroker struct {
	pools  *PoolCache
	opts   Options
	logger zerolog.Logger
}

// NewRedisBroker creates a broker on top of a pool cache.
func NewRedisBroker(pools *PoolCache, opts Options, logger zerolog.Logger) *RedisBroker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = DefaultBufferTTL
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = DefaultReconnectPolicy()
	}
	return &RedisBroker{
		pools:  pools,
		opts:   opts,
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

// NewFromConfig builds a pool cache and broker from configuration.
func NewFromConfig(redisCfg config.RedisConfig, pubCfg config.PublisherConfig, logger zerolog.Logger) (*RedisBroker, *PoolCache) {
	pools := NewPoolCache(&redis.Options{
		Addr:        redisCfg.Addr,
		Password:    redisCfg.Password,
		DB:          redisCfg.DB,
		PoolSize:    redisCfg.PoolSize,
		DialTimeout: redisCfg.DialTimeout,
	}, logger)

	b := NewRedisBroker(pools, Options{
		BufferSize: pubCfg.BufferSize,
		BufferTTL:  pubCfg.BufferTTL,
		Reconnect:  ReconnectPolicyFromConfig(redisCfg),
	}, logger)

	return b, pools
}

// do runs fn on the caller's pool, reconnecting per the policy.
func (b *RedisBroker) do(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	owner := OwnerFromContext(ctx)
	return b.opts.Reconnect.Do(ctx, func(ctx context.Context) error {
		rdb, err := b.pools.Get(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, rdb)
	}, func() {
		b.logger.Warn().Str("owner", owner).Msg("broker connection lost, reconnecting")
		b.pools.Invalidate(owner)
	})
}

// Ping checks broker connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Ping(ctx).Err()
	})
}

// Publish appends the event to the topic buffer and publishes it to live subscribers.
func (b *RedisBroker) Publish(ctx context.Context, topic string, event domain.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := BufferKey(topic)
	return b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, payload)
			pipe.LTrim(ctx, key, -b.opts.BufferSize, -1)
			pipe.Expire(ctx, key, b.opts.BufferTTL)
			pipe.Publish(ctx, topic, payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	})
}

// Recent returns the buffered events of a topic, oldest first.
func (b *RedisBroker) Recent(ctx context.Context, topic string) ([]domain.StreamEvent, error) {
	var raw []string
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		raw, err = rdb.LRange(ctx, BufferKey(topic), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read buffer of %s: %w", topic, err)
	}

	events := make([]domain.StreamEvent, 0, len(raw))
	for _, item := range raw {
		var evt domain.StreamEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("skipping undecodable buffered event")
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscription delivers the events published on one topic.
type Subscription struct {
	topic  string
	pubsub *redis.PubSub
	events chan domain.StreamEvent
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// Subscribe subscribes to a topic and returns once the broker confirmed the subscription,
// so that events published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	var sub *Subscription
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ps := rdb.Subscribe(ctx, topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		sub = &Subscription{
			topic:  topic,
			pubsub: ps,
			events: make(chan domain.StreamEvent, 64),
			done:   make(chan struct{}),
			logger: b.logger.With().Str("topic", topic).Logger(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go sub.pump()
	return sub, nil
}

// Events returns the channel of decoded events. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.StreamEvent {
	return s.events
}

// Close unsubscribes and releases the connection.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *Subscription) pump() {
	defer close(s.events)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt domain.StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.logger.Warn().Err(err).Msg("skipping undecodable event")
				continue
			}
			select {
			case s.events <- evt:
			case <-s.done:
				return
			}
		}
	}
}
