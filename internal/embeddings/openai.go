package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"docqa/internal/retry"
)

// OpenAIEmbedder calls OpenAI's embeddings API in batches with bounded
// retries on transient failures.
type OpenAIEmbedder struct {
	model      openai.EmbeddingModel
	client     *openai.Client
	dimensions int
	prefixMode string
	batchSize  int
	maxRetries int
	timeout    time.Duration
}

const (
	defaultEmbeddingTimeout = 30 * time.Second
	defaultBatchSize        = 32
	defaultMaxRetries       = 3
	retryBackoffBase        = 500 * time.Millisecond
)

// OpenAIOption tweaks an OpenAIEmbedder.
type OpenAIOption func(*OpenAIEmbedder)

func WithBatchSize(n int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithMaxRetries(n int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithTimeout(d time.Duration) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithPrefixMode(mode string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.prefixMode = mode }
}

// WithRequestOptions forwards options to the underlying client, used in tests
// to point at a local server.
func WithRequestOptions(opts ...option.RequestOption) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		cli := openai.NewClient(opts...)
		e.client = &cli
	}
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel, dimensions int, opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	e := &OpenAIEmbedder{
		model:      model,
		client:     &cli,
		dimensions: dimensions,
		prefixMode: PrefixModeNone,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		timeout:    defaultEmbeddingTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

func (e *OpenAIEmbedder) ModelID() string { return string(e.model) }

// EmbedBatch embeds texts in request batches of the configured size,
// preserving input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, mode Mode) ([]Vector, error) {
	if e == nil || e.client == nil {
		return nil, fmt.Errorf("nil openai embedder")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = ApplyPrefix(e.prefixMode, mode, t)
		}
		vectors, err := e.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// ValidateDimensions embeds a short sample text and checks the returned vector
// width against the configured dimensions.
func (e *OpenAIEmbedder) ValidateDimensions(ctx context.Context) error {
	vectors, err := e.EmbedBatch(ctx, []string{"dimension check"}, ModePassage)
	if err != nil {
		return err
	}
	if len(vectors) != 1 || len(vectors[0]) != e.dimensions {
		got := 0
		if len(vectors) == 1 {
			got = len(vectors[0])
		}
		return &ProviderError{
			Kind: KindInvalidModel,
			Err:  fmt.Errorf("model %s returned %d dimensions, profile expects %d", e.model, got, e.dimensions),
		}
	}
	return nil
}

func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, batch []string) ([]Vector, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.ExponentialBackoff(attempt-1, retryBackoffBase)):
			}
		}
		vectors, err := e.embedOnce(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		var pe *ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, batch []string) ([]Vector, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(reqCtx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: batch,
		},
		Model: e.model,
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Data) != len(batch) {
		return nil, &ProviderError{
			Kind: KindUnavailable,
			Err:  fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data)),
		}
	}

	vectors := make([]Vector, len(resp.Data))
	for _, item := range resp.Data {
		// Convert []float64 to []float32
		vec := make(Vector, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[int(item.Index)] = vec
	}
	return vectors, nil
}

func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &ProviderError{Kind: KindRateLimited, Err: err}
		case apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusBadRequest:
			return &ProviderError{Kind: KindInvalidModel, Err: err}
		}
	}
	return &ProviderError{Kind: KindUnavailable, Err: err}
}
