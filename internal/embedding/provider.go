// Package embedding provides access to the external embedding service that
// maps text to fixed-dimension vectors. The provider handle is initialized
// once at startup, shared read-only across all scorer workers, and closed
// at process shutdown.
package embedding

import "context"

// Provider maps a string to a fixed-length vector. Implementations may be
// slow or transiently unavailable; callers classify such failures as
// retryable.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}
