package embeddings

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures for retry and reporting decisions.
type ErrorKind string

const (
	// KindUnavailable covers timeouts, 5xx responses, and connection errors.
	// Retryable.
	KindUnavailable ErrorKind = "unavailable"
	// KindRateLimited is a 429. Retryable with backoff.
	KindRateLimited ErrorKind = "rate_limited"
	// KindInvalidModel means the configured model or dimensions are rejected
	// by the provider. Never retried.
	KindInvalidModel ErrorKind = "invalid_model"
)

// ProviderError wraps an embedding provider failure with its classification.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt can succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindUnavailable || e.Kind == KindRateLimited
}

// Classify extracts the ErrorKind from err, defaulting to unavailable.
func Classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}
