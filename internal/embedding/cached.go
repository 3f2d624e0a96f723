package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/metrics"
	"github.com/support-agent/backend/pkg/logger"
	"github.com/support-agent/backend/pkg/utils"
)

// Cache stores vectors by key. GetEmbeddings returns a slice aligned with keys
// and leaves misses nil.
type Cache interface {
	GetEmbeddings(ctx context.Context, keys []string) ([][]float32, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder serves repeated texts from a cache and sends only the misses
// upstream. Cache failures fall through to the wrapped embedder.
type CachedEmbedder struct {
	next  Embedder
	cache Cache
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, cache Cache, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl}
}

func (c *CachedEmbedder) key(text string) string {
	return c.model + ":" + utils.HashString(text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	cached, err := c.cache.GetEmbeddings(ctx, keys)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
		cached = nil
	}

	results := make([][]float32, len(texts))
	var missing []string
	var missingAt []int
	for i, t := range texts {
		if i < len(cached) && cached[i] != nil {
			results[i] = cached[i]
			continue
		}
		missing = append(missing, t)
		missingAt = append(missingAt, i)
	}

	metrics.CacheHits.WithLabelValues("embedding").Add(float64(len(texts) - len(missing)))
	metrics.CacheMisses.WithLabelValues("embedding").Add(float64(len(missing)))

	if len(missing) == 0 {
		return results, nil
	}

	fresh, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vec := range fresh {
		i := missingAt[j]
		results[i] = vec
		if err := c.cache.SetEmbedding(ctx, keys[i], vec, c.ttl); err != nil {
			logger.Warn("Failed to cache embedding", zap.Error(err))
		}
	}

	return results, nil
}
