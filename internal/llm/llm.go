package llm

import "context"

// Client is a minimal LLM interface to allow pluggable providers.
type Client interface {
	// Answer generates a grounded answer from the provided context passages.
	// The system prompt forbids knowledge outside the context.
	Answer(ctx context.Context, question, contextText string) (string, error)
}
