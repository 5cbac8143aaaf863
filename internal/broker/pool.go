package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultOwner is used when the context carries no owner.
const DefaultOwner = "default"

// ErrPoolClosed is returned by a PoolCache after Close.
var ErrPoolClosed = errors.New("broker pool cache closed")

type ownerKey struct{}

// WithOwner returns a context whose broker connections come from the owner's pool.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the pool owner carried by ctx, or DefaultOwner.
func OwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok && owner != "" {
		return owner
	}
	return DefaultOwner
}

// PoolCache hands out one redis connection pool per owner. Owners are the
// independent schedulers of a process (the HTTP server, the activity worker,
// the publisher) so that no pool is shared across them. Pools are torn down
// explicitly with Release or Close.
type PoolCache struct {
	mu      sync.Mutex
	opts    redis.Options
	clients map[string]*redis.Client
	closed  bool
	logger  zerolog.Logger
}

// NewPoolCache creates a cache that builds pools from opts.
func NewPoolCache(opts *redis.Options, logger zerolog.Logger) *PoolCache {
	return &PoolCache{
		opts:    *opts,
		clients: make(map[string]*redis.Client),
		logger:  logger.With().Str("component", "broker_pool").Logger(),
	}
}

// Get returns the pool of the owner carried by ctx, creating it on first use.
func (c *PoolCache) Get(ctx context.Context) (*redis.Client, error) {
	owner := OwnerFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrPoolClosed
	}
	if client, ok := c.clients[owner]; ok {
		return client, nil
	}

	opts := c.opts
	client := redis.NewClient(&opts)
	c.clients[owner] = client
	c.logger.Debug().Str("owner", owner).Str("addr", opts.Addr).Msg("broker pool created")

	return client, nil
}

// Invalidate closes and forgets the owner's pool so the next Get dials again.
func (c *PoolCache) Invalidate(owner string) {
	c.mu.Lock()
	client, ok := c.clients[owner]
	delete(c.clients, owner)
	c.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.logger.Warn().Err(err).Str("owner", owner).Msg("failed to close invalidated broker pool")
		}
		c.logger.Info().Str("owner", owner).Msg("broker pool invalidated")
	}
}

// Release tears down the pool of the owner carried by ctx.
func (c *PoolCache) Release(ctx context.Context) {
	c.Invalidate(OwnerFromContext(ctx))
}

// Len returns the number of live pools.
func (c *PoolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close tears down every pool. Subsequent Get calls fail with ErrPoolClosed.
func (c *PoolCache) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*redis.Client)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for owner, client := range clients {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
			c.logger.Warn().Err(err).Str("owner", owner).Msg("failed to close broker pool")
		}
	}
	return errors.Join(errs...)
}
