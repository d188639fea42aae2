package cache

import (
	"context"
	"testing"
	"time"
)

// TestNoOpCache verifies that NoOpCache implements the Cache interface correctly
func TestNoOpCache(t *testing.T) {
	c := NewNoOpCache()
	ctx := context.Background()

	result, err := c.GetAnswer(ctx, "test-key")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result (cache miss), got %v", result)
	}

	err = c.SetAnswer(ctx, "test-key", &AnswerResult{
		Answer:          "test answer",
		ResolvedModelID: "gpt-4o-mini",
		Citations:       []Citation{{ChunkID: "123", Score: 0.9}},
	}, 1*time.Hour)
	if err != nil {
		t.Errorf("Expected no error on SetAnswer, got %v", err)
	}

	// Verify it still returns nil (nothing was actually cached)
	result, err = c.GetAnswer(ctx, "test-key")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result (no-op cache doesn't store), got %v", result)
	}

	if err := c.InvalidateProject(ctx, "proj-123"); err != nil {
		t.Errorf("Expected no error on InvalidateProject, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected no error on Close, got %v", err)
	}
}

func TestAnswerKeyStable(t *testing.T) {
	a := AnswerKey("proj-1", "what is drift", "gpt-4o-mini", 6)
	b := AnswerKey("proj-1", "what is drift", "gpt-4o-mini", 6)
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
	if a == AnswerKey("proj-1", "what is drift", "gpt-4o-mini", 8) {
		t.Error("different topK must change the key")
	}
	if a == AnswerKey("proj-2", "what is drift", "gpt-4o-mini", 6) {
		t.Error("different project must change the key")
	}
}
