package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func embeddingServer(t *testing.T, dims int, handler func(w http.ResponseWriter, req embeddingRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if handler != nil {
			handler(w, req)
			return
		}
		writeEmbeddings(w, len(req.Input), dims)
	}))
}

func writeEmbeddings(w http.ResponseWriter, count, dims int) {
	type item struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	items := make([]item, count)
	for i := range items {
		vec := make([]float64, dims)
		vec[0] = float64(i + 1)
		items[i] = item{Object: "embedding", Index: i, Embedding: vec}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   items,
		"model":  "text-embedding-3-small",
	})
}

func newTestEmbedder(t *testing.T, url string, dims int, opts ...OpenAIOption) *OpenAIEmbedder {
	t.Helper()
	all := append([]OpenAIOption{
		WithRequestOptions(option.WithAPIKey("test-key"), option.WithBaseURL(url), option.WithMaxRetries(0)),
	}, opts...)
	e, err := NewOpenAIEmbedder("test-key", "text-embedding-3-small", dims, all...)
	require.NoError(t, err)
	return e
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	srv := embeddingServer(t, 4, nil)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 4)
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"}, ModePassage)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(i+1), v[0])
	}
}

func TestEmbedBatchSplitsRequests(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, 2, func(w http.ResponseWriter, req embeddingRequest) {
		atomic.AddInt32(&calls, 1)
		if len(req.Input) > 2 {
			t.Errorf("batch of %d exceeds configured size 2", len(req.Input))
		}
		writeEmbeddings(w, len(req.Input), 2)
	})
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 2, WithBatchSize(2))
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"}, ModePassage)
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedBatchAppliesE5Prefix(t *testing.T) {
	var lastInput []string
	srv := embeddingServer(t, 2, func(w http.ResponseWriter, req embeddingRequest) {
		lastInput = req.Input
		writeEmbeddings(w, len(req.Input), 2)
	})
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 2, WithPrefixMode(PrefixModeE5))

	_, err := e.EmbedBatch(context.Background(), []string{"what is drift"}, ModeQuery)
	require.NoError(t, err)
	assert.Equal(t, []string{"query: what is drift"}, lastInput)

	_, err = e.EmbedBatch(context.Background(), []string{"chunk body"}, ModePassage)
	require.NoError(t, err)
	assert.Equal(t, []string{"passage: chunk body"}, lastInput)
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, 2, func(w http.ResponseWriter, req embeddingRequest) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEmbeddings(w, len(req.Input), 2)
	})
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 2, WithMaxRetries(2), WithTimeout(2*time.Second))
	vectors, err := e.EmbedBatch(context.Background(), []string{"a"}, ModePassage)
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedBatchDoesNotRetryInvalidModel(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, 2, func(w http.ResponseWriter, req embeddingRequest) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "model not found"}})
	})
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 2, WithMaxRetries(3))
	_, err := e.EmbedBatch(context.Background(), []string{"a"}, ModePassage)
	require.Error(t, err)
	assert.Equal(t, KindInvalidModel, Classify(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestValidateDimensionsMismatch(t *testing.T) {
	srv := embeddingServer(t, 8, nil)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 1536)
	err := e.ValidateDimensions(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindInvalidModel, Classify(err))

	ok := newTestEmbedder(t, srv.URL, 8)
	assert.NoError(t, ok.ValidateDimensions(context.Background()))
}

func TestApplyPrefix(t *testing.T) {
	assert.Equal(t, "plain", ApplyPrefix(PrefixModeNone, ModeQuery, "plain"))
	assert.Equal(t, "query: q", ApplyPrefix(PrefixModeE5, ModeQuery, "q"))
	assert.Equal(t, "passage: p", ApplyPrefix(PrefixModeE5, ModePassage, "p"))
}
