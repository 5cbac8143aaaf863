package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cancelKeyPrefix = "cancel:"

// DefaultCancelTTL bounds how long an unobserved cancellation flag lives.
const DefaultCancelTTL = 10 * time.Minute

// SessionScope returns the cancellation scope of a user's chat session.
func SessionScope(userID, sessionID string) string {
	return "session:" + userID + ":" + sessionID
}

// DocumentScope returns the cancellation scope of a document.
func DocumentScope(documentID string) string {
	return "document:" + documentID
}

// CancelFlags stores cooperative cancellation requests that activities poll.
type CancelFlags struct {
	broker *RedisBroker
	ttl    time.Duration
}

// NewCancelFlags creates a flag store on the broker. A non-positive ttl uses DefaultCancelTTL.
func NewCancelFlags(b *RedisBroker, ttl time.Duration) *CancelFlags {
	if ttl <= 0 {
		ttl = DefaultCancelTTL
	}
	return &CancelFlags{broker: b, ttl: ttl}
}

// Request raises the flag of scope.
func (f *CancelFlags) Request(ctx context.Context, scope string) error {
	return f.broker.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		if err := rdb.Set(ctx, cancelKeyPrefix+scope, time.Now().UTC().Format(time.RFC3339Nano), f.ttl).Err(); err != nil {
			return fmt.Errorf("request cancel of %s: %w", scope, err)
		}
		return nil
	})
}

// IsRequested reports whether the flag of scope is raised.
func (f *CancelFlags) IsRequested(ctx context.Context, scope string) (bool, error) {
	var requested bool
	err := f.broker.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		err := rdb.Get(ctx, cancelKeyPrefix+scope).Err()
		switch {
		case err == nil:
			requested = true
			return nil
		case errors.Is(err, redis.Nil):
			requested = false
			return nil
		default:
			return fmt.Errorf("check cancel of %s: %w", scope, err)
		}
	})
	return requested, err
}

// Clear lowers the flag of scope.
func (f *CancelFlags) Clear(ctx context.Context, scope string) error {
	return f.broker.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		if err := rdb.Del(ctx, cancelKeyPrefix+scope).Err(); err != nil {
			return fmt.Errorf("clear cancel of %s: %w", scope, err)
		}
		return nil
	})
}
