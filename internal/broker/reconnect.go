package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helixir/orchestration-service/internal/config"
)

// ReconnectPolicy bounds how often a broker operation is retried after the
// connection it ran on was lost. Errors that are not connection failures are
// returned immediately.
type ReconnectPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconnectPolicy returns the policy used when no configuration is given.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// ReconnectPolicyFromConfig builds a policy from the redis configuration section.
func ReconnectPolicyFromConfig(cfg config.RedisConfig) ReconnectPolicy {
	p := DefaultReconnectPolicy()
	if cfg.ReconnectMaxAttempts > 0 {
		p.MaxAttempts = cfg.ReconnectMaxAttempts
	}
	if cfg.ReconnectInitialBackoff > 0 {
		p.InitialBackoff = cfg.ReconnectInitialBackoff
	}
	if cfg.ReconnectMaxBackoff > 0 {
		p.MaxBackoff = cfg.ReconnectMaxBackoff
	}
	return p
}

// Backoff returns the wait before the given retry (1-based).
func (p ReconnectPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do runs fn, and after each connection failure calls reset and tries again,
// up to MaxAttempts attempts in total.
func (p ReconnectPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, reset func()) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsConnectionError(err) {
			return err
		}
		if reset != nil {
			reset()
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("broker unreachable after %d attempts: %w", attempts, err)
}

// IsConnectionError reports whether err indicates a lost or refused broker connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
