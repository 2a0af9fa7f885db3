package embedding

import (
	"context"
	"sync"
)

// Cached memoizes vectors by input text so repeated keyword embeddings do
// not hit the service again. Embeddings are deterministic per input, so a
// cache hit cannot change a score.
type Cached struct {
	inner   Provider
	maxSize int

	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewCached wraps a provider with a bounded memo table.
func NewCached(inner Provider, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cached{
		inner:   inner,
		maxSize: maxSize,
		vectors: make(map[string][]float32),
	}
}

// Embed returns the cached vector when present, otherwise delegates.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	vec, ok := c.vectors[text]
	c.mu.RUnlock()
	if ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.vectors) >= c.maxSize {
		// Full reset beats tracking recency for a memo table this small.
		c.vectors = make(map[string][]float32, c.maxSize)
	}
	c.vectors[text] = vec
	c.mu.Unlock()
	return vec, nil
}

// Close closes the wrapped provider.
func (c *Cached) Close() error {
	return c.inner.Close()
}
