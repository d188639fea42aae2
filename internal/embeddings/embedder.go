package embeddings

import (
	"context"
	"math"
)

// Vector is a simple float32 slice wrapper.
type Vector []float32

// Mode selects the input prefix for asymmetric embedding models. Queries and
// passages must be prefixed differently or not at all, depending on the model
// family.
type Mode string

const (
	ModeQuery   Mode = "query"
	ModePassage Mode = "passage"
)

// PrefixModeE5 prepends "query: " / "passage: " per the e5 model family.
// PrefixModeNone passes text through untouched.
const (
	PrefixModeNone = "none"
	PrefixModeE5   = "e5"
)

// ApplyPrefix rewrites text for the given prefix mode.
func ApplyPrefix(prefixMode string, mode Mode, text string) string {
	if prefixMode != PrefixModeE5 {
		return text
	}
	switch mode {
	case ModeQuery:
		return "query: " + text
	default:
		return "passage: " + text
	}
}

// Embedder defines the embedding interface.
type Embedder interface {
	// EmbedBatch embeds texts in order. The returned slice always has
	// len(texts) entries on success.
	EmbedBatch(ctx context.Context, texts []string, mode Mode) ([]Vector, error)
	Dimensions() int
	ModelID() string
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na2) * math.Sqrt(nb2)))
}

// DotProduct is the unnormalized inner product. Mismatched or empty vectors
// score zero.
func DotProduct(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// EuclideanDistance is the L2 distance between two vectors. Mismatched
// vectors are treated as maximally distant.
func EuclideanDistance(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return math.MaxFloat32
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
