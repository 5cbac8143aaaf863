// Package embedding calls an OpenAI-compatible embeddings endpoint.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/upstream"
)

const (
	defaultBatchSize = 64
	endpoint         = "embeddings"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	BatchSize() int
}

// Client implements Embedder over HTTP.
type Client struct {
	http      *upstream.Client
	model     string
	batchSize int
}

var _ Embedder = (*Client)(nil)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewClient creates an embedding client. metrics may be nil.
func NewClient(cfg config.EmbeddingConfig, metrics *observability.Metrics) *Client {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Client{
		http: upstream.NewClient(upstream.Config{
			Service:    "embedding",
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			RateLimit:  cfg.RateLimit,
			MaxRetries: 2,
			APIKey:     cfg.APIKey,
		}, metrics),
		model:     cfg.Model,
		batchSize: batch,
	}
}

// BatchSize returns the number of texts sent per request.
func (c *Client) BatchSize() int {
	return c.batchSize
}

// Embed sends texts in a single request. Callers batch with BatchSize.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.http.PostJSON(ctx, endpoint, "/embeddings", embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewExternalAPIError("embedding", resp.StatusCode, "decode response", err)
	}
	if len(body.Data) != len(texts) {
		return nil, domain.NewExternalAPIError("embedding", resp.StatusCode,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(body.Data)), nil)
	}

	sort.Slice(body.Data, func(i, j int) bool { return body.Data[i].Index < body.Data[j].Index })

	vectors := make([][]float32, len(body.Data))
	for i, d := range body.Data {
		if d.Index != i {
			return nil, domain.NewExternalAPIError("embedding", resp.StatusCode,
				fmt.Sprintf("missing embedding for input %d", i), nil)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
