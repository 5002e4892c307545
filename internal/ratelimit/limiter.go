// Package ratelimit implements sliding-window request limits over Redis
// sorted sets, plus a global concurrency cap for ingestion. Redis outages
// fail open: an unavailable limiter never blocks traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Per-endpoint limits.
const (
	AskPerMinutePerIP    = 10
	AskPerHourPerSession = 100
	IngestPerHourPerIP   = 3
	IngestMaxConcurrent  = 50
)

// concurrencyTTL bounds how long a crashed worker can hold an ingest slot.
const concurrencyTTL = 15 * time.Minute

// Decision is the outcome of one limit check, with the values the HTTP
// layer exposes as X-RateLimit headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter tracks request timestamps in Redis sorted sets.
type Limiter struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New builds a limiter.
func New(rdb *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: logger}
}

// allow runs one sliding-window check: prune entries older than the window,
// count what remains, and append the current request if it fits.
func (l *Limiter) allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Rate limit check failed, allowing request",
			zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if entries := oldest.Val(); len(entries) > 0 {
		resetAt = time.Unix(0, int64(entries[0].Score)).Add(window)
	}

	if count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}

	add := l.rdb.Pipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	add.Expire(ctx, key, window)
	if _, err := add.Exec(ctx); err != nil {
		l.logger.Warn("Rate limit append failed, allowing request",
			zap.String("key", key), zap.Error(err))
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetAt: resetAt}
}

// AllowAsk enforces both ask-endpoint windows: per-IP per minute and
// per-session per hour. The stricter rejection wins.
func (l *Limiter) AllowAsk(ctx context.Context, ip, sessionID string) Decision {
	d := l.allow(ctx, "rl:ask:ip:"+ip, AskPerMinutePerIP, time.Minute)
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues("ask", "ip").Inc()
		return d
	}
	if sessionID != "" {
		sd := l.allow(ctx, "rl:ask:sess:"+sessionID, AskPerHourPerSession, time.Hour)
		if !sd.Allowed {
			metrics.RateLimitRejections.WithLabelValues("ask", "session").Inc()
			return sd
		}
	}
	return d
}

// AllowIngest enforces the per-IP ingestion window.
func (l *Limiter) AllowIngest(ctx context.Context, ip string) Decision {
	d := l.allow(ctx, "rl:ingest:ip:"+ip, IngestPerHourPerIP, time.Hour)
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues("ingest", "ip").Inc()
	}
	return d
}

const activeIngestKey = "rl:ingest:active"

// AcquireIngestSlot claims one of the global concurrent ingestion slots.
// The caller must release the slot when the job finishes. Redis failures
// grant the slot.
func (l *Limiter) AcquireIngestSlot(ctx context.Context) bool {
	n, err := l.rdb.Incr(ctx, activeIngestKey).Result()
	if err != nil {
		l.logger.Warn("Ingest slot counter unavailable, allowing", zap.Error(err))
		return true
	}
	// First holder sets the safety TTL so a crash cannot pin the counter.
	if n == 1 {
		l.rdb.Expire(ctx, activeIngestKey, concurrencyTTL)
	}
	if n > IngestMaxConcurrent {
		l.rdb.Decr(ctx, activeIngestKey)
		metrics.RateLimitRejections.WithLabelValues("ingest", "concurrency").Inc()
		return false
	}
	return true
}

// ReleaseIngestSlot returns a slot claimed by AcquireIngestSlot.
func (l *Limiter) ReleaseIngestSlot(ctx context.Context) {
	if err := l.rdb.Decr(ctx, activeIngestKey).Err(); err != nil {
		l.logger.Warn("Ingest slot release failed", zap.Error(err))
	}
}
