package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// SemanticEntry is one cached response with the embedding it was stored
// under.
type SemanticEntry struct {
	ID           string    `json:"id"`
	Embedding    []float32 `json:"embedding"`
	Response     []byte    `json:"response"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	HitCount     int64     `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

type SemanticCacheConfig struct {
	SimilarityThreshold float64
	MaxCacheSize        int
	TTL                 time.Duration
}

// RemoteStore is the persistence surface the semantic cache needs from
// the two-tier manager. *Manager is the production implementation.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// SemanticCache reuses prior responses when a new prompt embeds close
// enough to a cached one. Entries are bucketed by (provider, model) in a
// local map and persisted through the cache manager so restarts and
// siblings keep warm buckets. A nil store keeps buckets in-process only.
type SemanticCache struct {
	mu      sync.Mutex
	buckets map[string][]*SemanticEntry

	embedder  Embedder
	store     RemoteStore
	threshold float64
	maxSize   int
	ttl       time.Duration
	logger    *zap.Logger
}

func NewSemanticCache(embedder Embedder, store RemoteStore, cfg SemanticCacheConfig, logger *zap.Logger) *SemanticCache {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &SemanticCache{
		buckets:   make(map[string][]*SemanticEntry),
		embedder:  embedder,
		store:     store,
		threshold: cfg.SimilarityThreshold,
		maxSize:   cfg.MaxCacheSize,
		ttl:       cfg.TTL,
		logger:    logger,
	}
}

// Lookup returns the best-matching cached entry at or above the
// similarity threshold, or nil. Hit metadata is updated atomically under
// the bucket lock.
func (c *SemanticCache) Lookup(ctx context.Context, provider, model string, request *models.AIRequest) (*SemanticEntry, error) {
	embedding, err := c.embedder.Embed(ctx, request.PromptText())
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	bucket := bucketKey(provider, model)
	c.ensureBucket(ctx, bucket)

	c.mu.Lock()
	var best *SemanticEntry
	bestSim := 0.0
	for _, entry := range c.buckets[bucket] {
		sim := CosineSimilarity(embedding, entry.Embedding)
		if sim >= c.threshold && sim > bestSim {
			best = entry
			bestSim = sim
		}
	}
	if best == nil {
		c.mu.Unlock()
		return nil, nil
	}

	best.HitCount++
	best.LastAccessed = time.Now()
	snapshot := c.snapshotLocked(bucket)
	c.mu.Unlock()

	c.persist(ctx, bucket, snapshot)

	c.logger.Debug("Semantic cache hit",
		zap.String("provider", provider),
		zap.String("model", model),
		zap.Float64("similarity", bestSim),
		zap.Int64("hit_count", best.HitCount))
	return best, nil
}

// Store appends the response to the bucket, evicting least-recently
// accessed entries beyond the size cap.
func (c *SemanticCache) Store(ctx context.Context, provider, model string, request *models.AIRequest, response []byte) error {
	embedding, err := c.embedder.Embed(ctx, request.PromptText())
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	now := time.Now()
	entry := &SemanticEntry{
		ID:           uuid.NewString(),
		Embedding:    embedding,
		Response:     response,
		Provider:     provider,
		Model:        model,
		CreatedAt:    now,
		LastAccessed: now,
	}

	bucket := bucketKey(provider, model)
	c.ensureBucket(ctx, bucket)

	c.mu.Lock()
	entries := append(c.buckets[bucket], entry)

	for len(entries) > c.maxSize {
		lru := 0
		for i, e := range entries {
			if e.LastAccessed.Before(entries[lru].LastAccessed) {
				lru = i
			}
		}
		entries = append(entries[:lru], entries[lru+1:]...)
	}
	c.buckets[bucket] = entries
	snapshot := c.snapshotLocked(bucket)
	c.mu.Unlock()

	c.persist(ctx, bucket, snapshot)
	return nil
}

// Size returns the number of entries in a bucket.
func (c *SemanticCache) Size(provider, model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets[bucketKey(provider, model)])
}

// ensureBucket loads a bucket from the remote store the first time it is
// touched in this process. The bucket lock is never held across the read.
func (c *SemanticCache) ensureBucket(ctx context.Context, bucket string) {
	c.mu.Lock()
	_, ok := c.buckets[bucket]
	c.mu.Unlock()
	if ok {
		return
	}

	var entries []*SemanticEntry
	if c.store != nil {
		if data, found := c.store.Get(ctx, bucket); found {
			if err := json.Unmarshal(data, &entries); err != nil {
				c.logger.Warn("Corrupt semantic bucket dropped",
					zap.String("bucket", bucket), zap.Error(err))
				entries = nil
			}
		}
	}

	c.mu.Lock()
	if _, ok := c.buckets[bucket]; !ok {
		c.buckets[bucket] = entries
	}
	c.mu.Unlock()
}

// snapshotLocked serializes the bucket for persistence. Must be called
// with the bucket lock held.
func (c *SemanticCache) snapshotLocked(bucket string) []byte {
	if c.store == nil {
		return nil
	}
	data, err := json.Marshal(c.buckets[bucket])
	if err != nil {
		return nil
	}
	return data
}

func (c *SemanticCache) persist(ctx context.Context, bucket string, snapshot []byte) {
	if c.store == nil || snapshot == nil {
		return
	}
	c.store.Set(ctx, bucket, snapshot, c.ttl)
}

func bucketKey(provider, model string) string {
	return fmt.Sprintf("relaycore:semantic:%s:%s", provider, model)
}
