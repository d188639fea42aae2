package embeddings

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEmbedder is a mock implementation of Embedder using testify/mock.
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string, mode Mode) ([]Vector, error) {
	args := m.Called(ctx, texts, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Vector), args.Error(1)
}

func (m *MockEmbedder) Dimensions() int {
	return m.Called().Int(0)
}

func (m *MockEmbedder) ModelID() string {
	return m.Called().String(0)
}
