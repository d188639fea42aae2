package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing.
// Used as a fallback when Redis is unavailable - all operations succeed
// but no actual caching occurs (always cache miss).
type NoOpCache struct{}

// NewNoOpCache creates a new no-op cache instance
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// GetAnswer always returns nil (cache miss)
func (c *NoOpCache) GetAnswer(ctx context.Context, key string) (*AnswerResult, error) {
	return nil, nil
}

// SetAnswer does nothing and always succeeds
func (c *NoOpCache) SetAnswer(ctx context.Context, key string, result *AnswerResult, ttl time.Duration) error {
	return nil
}

// InvalidateProject does nothing and always succeeds
func (c *NoOpCache) InvalidateProject(ctx context.Context, projectID string) error {
	return nil
}

// Close does nothing and always succeeds
func (c *NoOpCache) Close() error {
	return nil
}
