package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager is the two-tier key/value cache: a process-local expiring map in
// front of Redis. Remote outages degrade reads and writes to the local
// tier; they never fail the caller.
type Manager struct {
	mu      sync.RWMutex
	local   map[string]localEntry
	maxSize int

	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	hits      int64
	misses    int64
	startedAt time.Time

	stopCh  chan struct{}
	stopped sync.Once
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Stats is the cache health snapshot.
type Stats struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Keys        int           `json:"keys"`
	MemoryBytes int64         `json:"memory_bytes"`
	Uptime      time.Duration `json:"uptime"`
}

func NewManager(client *redis.Client, ttl time.Duration, maxLocalEntries int, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxLocalEntries <= 0 {
		maxLocalEntries = 10000
	}
	return &Manager{
		local:     make(map[string]localEntry),
		maxSize:   maxLocalEntries,
		client:    client,
		ttl:       ttl,
		logger:    logger,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Get reads local first, then remote. A remote hit repopulates the local
// tier with the remote key's remaining TTL.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.local[key]
	m.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		m.countHit()
		return entry.value, true
	}

	if m.client == nil {
		m.countMiss()
		return nil, false
	}

	value, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			m.logger.Debug("Remote cache read failed, serving local tier only",
				zap.String("key", key), zap.Error(err))
		}
		m.countMiss()
		return nil, false
	}

	ttl := m.ttl
	if remaining, err := m.client.TTL(ctx, key).Result(); err == nil && remaining > 0 {
		ttl = remaining
	}
	m.setLocal(key, value, ttl)
	m.countHit()
	return value, true
}

// Set writes both tiers. Remote failures are logged, not returned.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.setLocal(key, value, ttl)

	if m.client == nil {
		return
	}
	if err := m.client.Set(ctx, key, value, ttl).Err(); err != nil {
		m.logger.Warn("Remote cache write failed, local tier only",
			zap.String("key", key), zap.Error(err))
	}
}

// Invalidate evicts every key matching the glob pattern (Redis KEYS
// semantics: *, ?, [set]) in both tiers.
func (m *Manager) Invalidate(ctx context.Context, pattern string) int {
	evicted := 0

	m.mu.Lock()
	for key := range m.local {
		if GlobMatch(pattern, key) {
			delete(m.local, key)
			evicted++
		}
	}
	m.mu.Unlock()

	if m.client != nil {
		keys, err := m.client.Keys(ctx, pattern).Result()
		if err != nil {
			m.logger.Warn("Remote cache invalidation failed",
				zap.String("pattern", pattern), zap.Error(err))
		} else if len(keys) > 0 {
			if err := m.client.Del(ctx, keys...).Err(); err != nil {
				m.logger.Warn("Remote cache delete failed",
					zap.String("pattern", pattern), zap.Error(err))
			}
		}
	}

	return evicted
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bytes int64
	for key, entry := range m.local {
		bytes += int64(len(key) + len(entry.value))
	}
	return Stats{
		Hits:        m.hits,
		Misses:      m.misses,
		Keys:        len(m.local),
		MemoryBytes: bytes,
		Uptime:      time.Since(m.startedAt),
	}
}

// StartSweeper removes expired local entries every interval until Stop.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.local {
		if now.After(entry.expiresAt) {
			delete(m.local, key)
		}
	}
}

func (m *Manager) setLocal(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.local) >= m.maxSize {
		// Evict the entry closest to expiry; cheap stand-in for LRU that
		// never grows the map unbounded.
		var oldestKey string
		var oldest time.Time
		for k, e := range m.local {
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey = k
				oldest = e.expiresAt
			}
		}
		delete(m.local, oldestKey)
	}
	m.local[key] = localEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (m *Manager) countHit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *Manager) countMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

// GlobMatch implements Redis KEYS-style glob matching: * matches any run,
// ? any single byte, [set] a character class (with leading ^ negation).
func GlobMatch(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive stars.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		case '[':
			end := 1
			for end < len(pattern) && pattern[end] != ']' {
				end++
			}
			if end == len(pattern) || len(s) == 0 {
				return false
			}
			set := pattern[1:end]
			negate := false
			if len(set) > 0 && set[0] == '^' {
				negate = true
				set = set[1:]
			}
			if matchSet(set, s[0]) == negate {
				return false
			}
			pattern, s = pattern[end+1:], s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

func matchSet(set string, c byte) bool {
	for i := 0; i < len(set); i++ {
		if i+2 < len(set) && set[i+1] == '-' {
			if c >= set[i] && c <= set[i+2] {
				return true
			}
			i += 2
			continue
		}
		if set[i] == c {
			return true
		}
	}
	return false
}
