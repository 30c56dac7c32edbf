package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Embedder turns text into a fixed-dimension vector. Implementations must
// return the same dimension for every call within a run.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

const localEmbeddingDim = 384

// LocalEmbedder is the deterministic SHA-256-derived fallback. It expands
// the digest into 384 values normalized to [-1, 1], so cache behavior is
// testable without any network.
type LocalEmbedder struct{}

func NewLocalEmbedder() *LocalEmbedder { return &LocalEmbedder{} }

func (e *LocalEmbedder) Dimension() int { return localEmbeddingDim }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, localEmbeddingDim)
	digest := sha256.Sum256([]byte(text))

	// Stretch the 32-byte digest by re-hashing with a counter until the
	// vector is full. 8 bytes per component keeps adjacent components
	// decorrelated.
	var counter uint32
	buf := digest[:]
	for i := 0; i < localEmbeddingDim; i++ {
		if len(buf) < 8 {
			counter++
			next := sha256.Sum256(append(digest[:], byte(counter), byte(counter>>8), byte(counter>>16), byte(counter>>24)))
			buf = next[:]
		}
		raw := binary.BigEndian.Uint64(buf[:8])
		buf = buf[8:]
		// Map to [-1, 1].
		vector[i] = float32(float64(raw)/float64(^uint64(0)>>1) - 1)
	}
	return vector, nil
}

// ExternalEmbedder calls an embeddings HTTP API.
type ExternalEmbedder struct {
	url    string
	apiKey string
	dim    int
	client *http.Client
	logger *zap.Logger
}

func NewExternalEmbedder(url, apiKey string, dim int, timeout time.Duration, logger *zap.Logger) *ExternalEmbedder {
	if dim <= 0 {
		dim = localEmbeddingDim
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExternalEmbedder{
		url:    url,
		apiKey: apiKey,
		dim:    dim,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (e *ExternalEmbedder) Dimension() int { return e.dim }

func (e *ExternalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(body.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", e.dim, len(body.Embedding))
	}
	return body.Embedding, nil
}

// CachingEmbedder fronts another embedder with a bounded LRU keyed by the
// SHA-256 of the input text.
type CachingEmbedder struct {
	inner Embedder

	mu      sync.Mutex
	entries map[string][]float32
	order   []string // oldest first
	maxSize int
}

func NewCachingEmbedder(inner Embedder, maxSize int) *CachingEmbedder {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachingEmbedder{
		inner:   inner,
		entries: make(map[string][]float32),
		maxSize: maxSize,
	}
}

func (c *CachingEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := textKey(text)

	c.mu.Lock()
	if vector, ok := c.entries[key]; ok {
		c.touch(key)
		c.mu.Unlock()
		return vector, nil
	}
	c.mu.Unlock()

	vector, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.entries[key]; !ok {
		if len(c.entries) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[key] = vector
		c.order = append(c.order, key)
	}
	c.mu.Unlock()

	return vector, nil
}

func (c *CachingEmbedder) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
			return
		}
	}
}

func textKey(text string) string {
	digest := sha256.Sum256([]byte(text))
	return hex.EncodeToString(digest[:])
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Zero-norm or mismatched vectors yield 0, never a hit.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
