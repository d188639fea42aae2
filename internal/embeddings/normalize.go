package embeddings

import (
	"context"
	"math"
)

// Normalize scales v to unit length in place. Zero vectors stay untouched.
func Normalize(v Vector) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// Normalized wraps an embedder so every vector it produces has unit length,
// for profiles that request normalization.
func Normalized(inner Embedder) Embedder {
	return &normalizedEmbedder{inner: inner}
}

type normalizedEmbedder struct {
	inner Embedder
}

func (n *normalizedEmbedder) EmbedBatch(ctx context.Context, texts []string, mode Mode) ([]Vector, error) {
	vectors, err := n.inner.EmbedBatch(ctx, texts, mode)
	if err != nil {
		return nil, err
	}
	for _, v := range vectors {
		Normalize(v)
	}
	return vectors, nil
}

func (n *normalizedEmbedder) Dimensions() int { return n.inner.Dimensions() }

func (n *normalizedEmbedder) ModelID() string { return n.inner.ModelID() }

// ValidateDimensions delegates to the wrapped embedder when it supports the
// check.
func (n *normalizedEmbedder) ValidateDimensions(ctx context.Context) error {
	if v, ok := n.inner.(interface{ ValidateDimensions(context.Context) error }); ok {
		return v.ValidateDimensions(ctx)
	}
	return nil
}
