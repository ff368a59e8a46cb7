package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"handbook/internal/domain"
)

var _ domain.Embedder = (*Cached)(nil)

// Cached memoizes embeddings of an underlying Embedder in an LRU cache.
// Cache keys include the model identity so vectors never cross models.
type Cached struct {
	inner domain.Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU cache holding up to size vectors.
func NewCached(inner domain.Embedder, size int) (*Cached, error) {
	if size <= 0 {
		return nil, domain.Configf("embedder %q: cache size must be greater than zero", inner.Name())
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedder %q: init cache: %w", inner.Name(), err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Name() string   { return c.inner.Name() }
func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return cloneVector(v), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneVector(v))
	return v, nil
}

// EmbedBatch only sends cache misses to the underlying embedder, once per
// distinct text, and returns vectors in input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missing := make(map[string][]int)
	var order []string
	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			results[i] = cloneVector(v)
			continue
		}
		if _, seen := missing[text]; !seen {
			order = append(order, text)
		}
		missing[text] = append(missing[text], i)
	}
	if len(order) == 0 {
		return results, nil
	}
	vectors, err := c.inner.EmbedBatch(ctx, order)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(order) {
		return nil, domain.NewEmbeddingError("embed batch", false,
			fmt.Errorf("expected %d vectors, got %d", len(order), len(vectors)))
	}
	for i, text := range order {
		c.cache.Add(c.key(text), cloneVector(vectors[i]))
		for _, idx := range missing[text] {
			results[idx] = cloneVector(vectors[i])
		}
	}
	return results, nil
}

func (c *Cached) key(text string) string { return c.inner.Name() + "\x00" + text }
