package embeddings

import (
	"context"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	v := Vector{3, 4}
	Normalize(v)
	if math.Abs(float64(v[0])-0.6) > 0.001 || math.Abs(float64(v[1])-0.8) > 0.001 {
		t.Errorf("got %v, want [0.6 0.8]", v)
	}

	zero := Vector{0, 0, 0}
	Normalize(zero)
	for i, x := range zero {
		if x != 0 {
			t.Errorf("zero vector changed at %d: %f", i, x)
		}
	}
}

type fixedEmbedder struct {
	vectors []Vector
}

func (f *fixedEmbedder) EmbedBatch(context.Context, []string, Mode) ([]Vector, error) {
	return f.vectors, nil
}

func (f *fixedEmbedder) Dimensions() int { return 2 }

func (f *fixedEmbedder) ModelID() string { return "fixed" }

func TestNormalizedEmbedder(t *testing.T) {
	inner := &fixedEmbedder{vectors: []Vector{{3, 4}, {0, 5}}}
	emb := Normalized(inner)

	vectors, err := emb.EmbedBatch(context.Background(), []string{"a", "b"}, ModePassage)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vectors {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if math.Abs(math.Sqrt(sum)-1) > 0.001 {
			t.Errorf("vector %d not unit length: %v", i, v)
		}
	}

	if emb.Dimensions() != 2 || emb.ModelID() != "fixed" {
		t.Errorf("wrapper must pass through dimensions and model id")
	}
}
