package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusCache is the process-local, read-mostly cache of derived budget
// status. Entries are refreshed synchronously when usage is recorded and
// lazily recomputed once older than the TTL. When a Redis client is
// supplied, writes are mirrored so sibling instances see fresh status.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*statusEntry

	ttl    time.Duration
	redis  *redis.Client
	logger *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

type statusEntry struct {
	info      *StatusInfo
	expiresAt time.Time
}

func NewStatusCache(ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{
		entries: make(map[uuid.UUID]*statusEntry),
		ttl:     ttl,
		redis:   redisClient,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Get returns the cached status, or nil when the entry is absent or stale.
func (c *StatusCache) Get(ctx context.Context, budgetID uuid.UUID) *StatusInfo {
	c.mu.RLock()
	entry, ok := c.entries[budgetID]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.info
	}

	// Local miss: a sibling instance may have refreshed the shared mirror.
	if c.redis != nil {
		if info := c.getRemote(ctx, budgetID); info != nil {
			c.setLocal(budgetID, info)
			return info
		}
	}
	return nil
}

// Set stores a freshly computed status in both tiers.
func (c *StatusCache) Set(ctx context.Context, info *StatusInfo) {
	c.setLocal(info.BudgetID, info)

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.redis.SetEx(ctx, c.key(info.BudgetID), data, c.ttl).Err(); err != nil {
		c.logger.Debug("Failed to mirror budget status to redis",
			zap.String("budget_id", info.BudgetID.String()),
			zap.Error(err))
	}
}

// Invalidate drops the entry in both tiers; the next read recomputes.
func (c *StatusCache) Invalidate(ctx context.Context, budgetID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, budgetID)
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Del(ctx, c.key(budgetID)).Err(); err != nil {
			c.logger.Debug("Failed to invalidate remote budget status",
				zap.String("budget_id", budgetID.String()),
				zap.Error(err))
		}
	}
}

// StartSweeper runs the background cleanup of expired local entries until
// Stop is called.
func (c *StatusCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *StatusCache) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

func (c *StatusCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}

func (c *StatusCache) setLocal(budgetID uuid.UUID, info *StatusInfo) {
	c.mu.Lock()
	c.entries[budgetID] = &statusEntry{info: info, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *StatusCache) getRemote(ctx context.Context, budgetID uuid.UUID) *StatusInfo {
	data, err := c.redis.Get(ctx, c.key(budgetID)).Bytes()
	if err != nil {
		return nil
	}
	var info StatusInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func (c *StatusCache) key(budgetID uuid.UUID) string {
	return fmt.Sprintf("relaycore:budget:status:%s", budgetID)
}
