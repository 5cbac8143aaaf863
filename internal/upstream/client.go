// Package upstream provides the rate-limited, retrying HTTP client shared by the
// agent and embedding integrations.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
)

// Config configures an upstream client.
type Config struct {
	// Service names the upstream in errors and metrics (e.g. "agent", "embedding").
	Service string

	BaseURL string

	// Timeout bounds a whole request. Zero leaves streaming responses unbounded,
	// relying on the request context instead.
	Timeout time.Duration

	RateLimit float64
	BurstSize int

	// MaxRetries is the number of retries after the first attempt on 429 and 5xx.
	MaxRetries int
	RetryDelay time.Duration

	UserAgent string

	// APIKey is sent as a bearer token when set.
	APIKey string
}

// Client wraps http.Client with rate limiting, retries and metrics.
// It is safe for concurrent use.
type Client struct {
	http    *http.Client
	limiter *RateLimiter
	config  Config
	metrics *observability.Metrics
}

// NewClient creates a client. metrics may be nil.
func NewClient(cfg Config, metrics *observability.Metrics) *Client {
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Helixir-Orchestrator/1.0"
	}

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:  cfg,
		metrics: metrics,
	}
}

// Service returns the configured service name.
func (c *Client) Service() string {
	return c.config.Service
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return c.config.BaseURL + path
}

// PostJSON sends body as JSON to path and returns the response on 2xx.
// Non-2xx responses are returned as *domain.ExternalAPIError (or a rate limit
// error on exhausted 429s); the caller closes the returned body.
func (c *Client) PostJSON(ctx context.Context, endpoint, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.config.Service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.config.Service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.Do(req, endpoint)
}

// Do executes req with rate limiting and retries on 429 and 5xx responses and
// network errors. endpoint labels metrics.
func (c *Client) Do(req *http.Request, endpoint string) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.resetRequestBody(req); err != nil {
				return nil, fmt.Errorf("cannot retry request: %w", err)
			}
		}

		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = domain.NewExternalAPIError(c.config.Service, 0, "request failed", err)
			c.recordFailure(endpoint, "network")
			if attempt < c.config.MaxRetries {
				if err := waitForRetry(req.Context(), c.config.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if shouldRetry(resp.StatusCode) {
			delay := c.retryDelay(resp)
			lastErr = c.statusError(resp, delay)
			drain(resp)

			if attempt < c.config.MaxRetries {
				if err := waitForRetry(req.Context(), delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := c.statusError(resp, 0)
			drain(resp)
			return nil, err
		}

		if c.metrics != nil {
			c.metrics.RecordUpstreamRequest(c.config.Service, endpoint, time.Since(start).Seconds())
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unexpected error: no response received")
}

func (c *Client) statusError(resp *http.Response, retryAfter time.Duration) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		if c.metrics != nil {
			c.metrics.RecordUpstreamRateLimited(c.config.Service)
		}
		return domain.NewRateLimitError(c.config.Service, retryAfter)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	message := string(bytes.TrimSpace(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequestFailed(c.config.Service, "", strconv.Itoa(resp.StatusCode))
	}
	return domain.NewExternalAPIError(c.config.Service, resp.StatusCode, message, nil)
}

func (c *Client) recordFailure(endpoint, errType string) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequestFailed(c.config.Service, endpoint, errType)
	}
}

// shouldRetry returns true for 429 Too Many Requests and 5xx responses.
func shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// retryDelay honours a Retry-After header in seconds or HTTP-date form.
func (c *Client) retryDelay(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return c.config.RetryDelay
	}

	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return c.config.RetryDelay
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return c.config.RetryDelay
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) resetRequestBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to get request body for retry: %w", err)
	}
	req.Body = body
	return nil
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}
