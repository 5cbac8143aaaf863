package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/domain"
)

func testClient(baseURL string, retries int) *Client {
	return NewClient(Config{
		Service:    "agent",
		BaseURL:    baseURL,
		RateLimit:  100,
		BurstSize:  10,
		MaxRetries: retries,
		RetryDelay: 10 * time.Millisecond,
		APIKey:     "secret",
	}, nil)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{Service: "embedding"}, nil)

	assert.Equal(t, "embedding", c.Service())
	assert.Equal(t, "Helixir-Orchestrator/1.0", c.config.UserAgent)
	assert.Equal(t, time.Second, c.config.RetryDelay)
	assert.Equal(t, 10, c.config.BurstSize)
}

func TestClient_PostJSON(t *testing.T) {
	t.Run("sends json with bearer auth", func(t *testing.T) {
		var gotAuth, gotType, gotPath string
		var gotBody map[string]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotType = r.Header.Get("Content-Type")
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		resp, err := testClient(server.URL, 0).PostJSON(context.Background(), "runs", "/v1/runs", map[string]string{"q": "hi"})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "application/json", gotType)
		assert.Equal(t, "/v1/runs", gotPath)
		assert.Equal(t, "hi", gotBody["q"])
	})

	t.Run("retries 5xx and replays body", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			assert.JSONEq(t, `{"q":"again"}`, string(body))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		resp, err := testClient(server.URL, 3).PostJSON(context.Background(), "runs", "/", map[string]string{"q": "again"})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("exhausted 429 becomes rate limit error", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := testClient(server.URL, 1).PostJSON(context.Background(), "runs", "/", struct{}{})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.True(t, domain.IsTransient(err))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("unknown agent kind"))
		}))
		defer server.Close()

		_, err := testClient(server.URL, 3).PostJSON(context.Background(), "runs", "/", struct{}{})
		require.Error(t, err)

		var apiErr *domain.ExternalAPIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, "unknown agent kind")
		assert.False(t, domain.IsTransient(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("context cancellation stops retry wait", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := testClient(server.URL, 2).PostJSON(ctx, "runs", "/", struct{}{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_RetryDelay(t *testing.T) {
	c := testClient("", 0)

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"missing", "", 10 * time.Millisecond},
		{"seconds", "2", 2 * time.Second},
		{"zero seconds", "0", 10 * time.Millisecond},
		{"garbage", "soon", 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.want, c.retryDelay(resp))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("non-positive rate is unlimited", func(t *testing.T) {
		rl := NewRateLimiter(0, 1)
		for i := 0; i < 100; i++ {
			require.True(t, rl.Allow())
		}
	})

	t.Run("burst is enforced", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2)
		assert.True(t, rl.Allow())
		assert.True(t, rl.Allow())
		assert.False(t, rl.Allow())
	})

	t.Run("wait honours context", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 1)
		require.NoError(t, rl.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.Error(t, rl.Wait(ctx))
	})
}
