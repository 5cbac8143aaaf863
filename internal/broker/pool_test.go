package broker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerFromContext(t *testing.T) {
	assert.Equal(t, DefaultOwner, OwnerFromContext(context.Background()))
	assert.Equal(t, "worker", OwnerFromContext(WithOwner(context.Background(), "worker")))
	assert.Equal(t, DefaultOwner, OwnerFromContext(WithOwner(context.Background(), "")))
}

func TestPoolCache_PerOwnerPools(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewPoolCache(&redis.Options{Addr: mr.Addr()}, zerolog.Nop())
	defer cache.Close()

	httpCtx := WithOwner(context.Background(), "http")
	workerCtx := WithOwner(context.Background(), "worker")

	a1, err := cache.Get(httpCtx)
	require.NoError(t, err)
	a2, err := cache.Get(httpCtx)
	require.NoError(t, err)
	b1, err := cache.Get(workerCtx)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b1)
	assert.Equal(t, 2, cache.Len())

	cache.Release(httpCtx)
	assert.Equal(t, 1, cache.Len())
	assert.ErrorIs(t, a1.Ping(context.Background()).Err(), redis.ErrClosed)

	a3, err := cache.Get(httpCtx)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
	assert.NoError(t, a3.Ping(context.Background()).Err())
}

func TestPoolCache_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewPoolCache(&redis.Options{Addr: mr.Addr()}, zerolog.Nop())

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
