package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Cache provides answer caching for the ask endpoint
type Cache interface {
	// GetAnswer retrieves a cached answer by key
	// Returns nil if not found
	GetAnswer(ctx context.Context, key string) (*AnswerResult, error)

	// SetAnswer stores an answer with TTL
	SetAnswer(ctx context.Context, key string, result *AnswerResult, ttl time.Duration) error

	// InvalidateProject removes all cached answers for a project
	InvalidateProject(ctx context.Context, projectID string) error

	// Close closes the cache connection
	Close() error
}

// AnswerResult represents a cached ask response
type AnswerResult struct {
	Answer          string     `json:"answer"`
	Refused         bool       `json:"refused"`
	ResolvedModelID string     `json:"resolved_model_id"`
	Citations       []Citation `json:"citations"`
}

// Citation points at the chunk an answer statement came from
type Citation struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkID    string  `json:"chunk_id"`
	Snippet    string  `json:"snippet"`
	Score      float32 `json:"score"`
	Page       int     `json:"page,omitempty"`
}

// AnswerKey derives the cache key from the query inputs. Any change to the
// question, project, or retrieval parameters misses the cache.
func AnswerKey(projectID, question, modelID string, topK int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", projectID, question, modelID, topK)))
	return projectID + ":" + hex.EncodeToString(sum[:])[:32]
}
