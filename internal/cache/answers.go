// Package cache provides the Redis answer cache, the question normalizer,
// and a process-local embedding memo.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// AnswerCache memoizes verified answers keyed by game, edition, enabled
// expansions, and the normalized question.
type AnswerCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewAnswerCache builds an answer cache with the given TTL.
func NewAnswerCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *AnswerCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AnswerCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Key derives the deterministic cache key. Expansion order does not matter;
// question differences in case, punctuation, and whitespace do not matter.
func Key(gameID int64, edition string, expansionIDs []int64, question string) string {
	if edition == "" {
		edition = "base"
	}

	sorted := append([]int64(nil), expansionIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	expJSON, _ := json.Marshal(sorted)
	expHash := md5.Sum(expJSON)

	qHash := md5.Sum([]byte(NormalizeQuestion(question)))

	return fmt.Sprintf("answer:%d:%s:%s:%s",
		gameID, edition,
		hex.EncodeToString(expHash[:])[:8],
		hex.EncodeToString(qHash[:])[:12],
	)
}

// Get returns the cached answer payload, or nil on miss. Cache errors are
// logged and treated as misses.
func (c *AnswerCache) Get(ctx context.Context, key string) []byte {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.AnswerCacheMisses.Inc()
		return nil
	}
	if err != nil {
		c.logger.Warn("Answer cache read failed", zap.Error(err))
		metrics.AnswerCacheMisses.Inc()
		return nil
	}
	metrics.AnswerCacheHits.Inc()
	return val
}

// Set stores an answer payload. Only verified answers should be cached; the
// caller enforces that.
func (c *AnswerCache) Set(ctx context.Context, key string, payload []byte) {
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Answer cache write failed", zap.Error(err))
	}
}
