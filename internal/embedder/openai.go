// Package embedder converts text into fixed-dimension vectors using the
// OpenAI embeddings API, with batching, bounded concurrency, and retries.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"corpora/internal/config"
)

const (
	maxRetries = 5
	maxBackoff = 30 * time.Second
)

// BatchError reports an embedding batch that failed after the retry ceiling
// was exhausted. It carries the batch so the caller can decide whether to
// abort or skip; no text is ever dropped silently.
type BatchError struct {
	Offset int      // index of the batch's first text in the original input
	Texts  []string // the texts that were not embedded
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embed batch of %d texts at offset %d: %v", len(e.Texts), e.Offset, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Client calls the embeddings API. Batches are dispatched concurrently up to
// a bounded worker count; each vector lands at its text's position, so the
// output order always matches the input order.
type Client struct {
	api       *openai.Client
	model     string
	dim       int
	batchSize int
	workers   int
}

// New creates a Client from the configuration. The API key is required.
func New(cfg config.Config) (*Client, error) {
	key, err := cfg.EnsureAPIKey()
	if err != nil {
		return nil, err
	}
	return newClient(cfg, openai.NewClient(key)), nil
}

// NewWithBaseURL targets an alternate endpoint, e.g. a test server or an
// OpenAI-compatible proxy.
func NewWithBaseURL(cfg config.Config, baseURL string) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	return newClient(cfg, openai.NewClientWithConfig(oc))
}

func newClient(cfg config.Config, api *openai.Client) *Client {
	workers := cfg.EmbedWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Client{
		api:       api,
		model:     cfg.EmbedModel,
		dim:       cfg.EmbedDim,
		batchSize: cfg.BatchSize,
		workers:   workers,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Dimension returns the vector length every embedding must have.
func (c *Client) Dimension() int { return c.dim }

// EmbedTexts embeds all texts and returns one vector per text, same order.
// On failure it returns a *BatchError identifying the batch that could not
// be embedded.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for offset := 0; offset < len(texts); offset += c.batchSize {
		end := offset + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		offset, batch := offset, texts[offset:end]
		g.Go(func() error {
			embs, err := c.embedBatch(ctx, batch)
			if err != nil {
				return &BatchError{Offset: offset, Texts: batch, Err: err}
			}
			for i, v := range embs {
				vectors[offset+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch performs one API call with exponential backoff on transient
// failures.
func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			if delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.model),
			Input: batch,
		})
		if err != nil {
			if !retryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data))
		}
		vectors := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			if len(d.Embedding) != c.dim {
				return nil, fmt.Errorf("embedding dimension %d, want %d", len(d.Embedding), c.dim)
			}
			vectors[d.Index] = d.Embedding
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("retry ceiling reached: %w", lastErr)
}

// retryable classifies an API failure: rate limits and server errors are
// transient, other API errors are not. Transport-level failures (timeouts,
// resets) arrive as non-APIError values and are retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return true
}
