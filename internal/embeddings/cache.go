package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const (
	defaultL1TTL     = 30 * time.Minute
	defaultL1Cleanup = 10 * time.Minute
)

// VectorStore persists cache entries. *store.Store satisfies it.
type VectorStore interface {
	GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, contentHash, model string, vector []float32) error
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithL1TTL sets how long vectors stay in the in-process tier.
func WithL1TTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.l1 = gocache.New(ttl, defaultL1Cleanup)
		}
	}
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is a content-addressed embedding cache. One hash maps to one vector
// for the lifetime of the store; entries are never rewritten.
type Cache struct {
	provider Embedder
	store    VectorStore
	model    string
	l1       *gocache.Cache
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *Metrics
}

// NewCache wraps provider. store may be nil for an L1-only cache.
func NewCache(provider Embedder, store VectorStore, model string, opts ...CacheOption) (*Cache, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider cannot be nil", ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	c := &Cache{
		provider: provider,
		store:    store,
		model:    model,
		l1:       gocache.New(defaultL1TTL, defaultL1Cleanup),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = NewMetrics(c.logger)
	return c, nil
}

// ContentHash returns the cache key for text under model.
func ContentHash(text, model string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + pattern.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// EmbedQuery returns the vector for text, calling the provider only on a
// miss in both tiers. It satisfies Embedder.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if pattern.Normalize(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	key := ContentHash(text, c.model)

	if v, ok := c.l1.Get(key); ok {
		c.metrics.RecordLookup(ctx, TierL1)
		return v.([]float32), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, key, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (c *Cache) load(ctx context.Context, key, text string) ([]float32, error) {
	if c.store != nil {
		vector, ok, err := c.store.GetEmbedding(ctx, key, c.model)
		if err != nil {
			c.logger.Warn("embedding cache read failed", zap.String("content_hash", key), zap.Error(err))
		} else if ok {
			c.metrics.RecordLookup(ctx, TierL2)
			c.l1.SetDefault(key, vector)
			return vector, nil
		}
	}

	c.metrics.RecordLookup(ctx, TierMiss)
	vector, err := c.provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	if c.store != nil {
		if err := c.store.PutEmbedding(ctx, key, c.model, vector); err != nil {
			c.logger.Warn("embedding cache write failed", zap.String("content_hash", key), zap.Error(err))
		} else if stored, ok, err := c.store.GetEmbedding(ctx, key, c.model); err == nil && ok {
			// First writer wins; adopt whatever is persisted.
			vector = stored
		}
	}
	c.l1.SetDefault(key, vector)
	return vector, nil
}

// Len reports the number of vectors in the in-process tier.
func (c *Cache) Len() int {
	return c.l1.ItemCount()
}
