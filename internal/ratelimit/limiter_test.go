package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop()), mr
}

func TestAllowAskWithinLimit(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < AskPerMinutePerIP; i++ {
		d := l.AllowAsk(ctx, "1.2.3.4", "")
		require.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, AskPerMinutePerIP, d.Limit)
		assert.Equal(t, AskPerMinutePerIP-i-1, d.Remaining)
	}

	d := l.AllowAsk(ctx, "1.2.3.4", "")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.False(t, d.ResetAt.IsZero())
}

func TestAllowAskIsolatesIPs(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < AskPerMinutePerIP; i++ {
		require.True(t, l.AllowAsk(ctx, "1.1.1.1", "").Allowed)
	}
	assert.False(t, l.AllowAsk(ctx, "1.1.1.1", "").Allowed)
	assert.True(t, l.AllowAsk(ctx, "2.2.2.2", "").Allowed)
}

func TestAllowAskSessionWindow(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	// Spread the session across many IPs so only the session window binds.
	for i := 0; i < AskPerHourPerSession; i++ {
		ip := string(rune('a'+i%26)) + string(rune('a'+i/26))
		require.True(t, l.AllowAsk(ctx, ip, "sess-1").Allowed)
	}
	d := l.AllowAsk(ctx, "zz", "sess-1")
	assert.False(t, d.Allowed)
}

func TestWindowSlides(t *testing.T) {
	l, mr := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < IngestPerHourPerIP; i++ {
		require.True(t, l.AllowIngest(ctx, "9.9.9.9").Allowed)
	}
	assert.False(t, l.AllowIngest(ctx, "9.9.9.9").Allowed)

	// Old entries fall out of the window; miniredis needs both the clock
	// and key TTLs advanced.
	mr.FastForward(2 * time.Hour)
	assert.True(t, l.AllowIngest(ctx, "9.9.9.9").Allowed)
}

func TestResetAtFromOldestEntry(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	first := time.Now()
	for i := 0; i < AskPerMinutePerIP; i++ {
		l.AllowAsk(ctx, "5.5.5.5", "")
	}
	d := l.AllowAsk(ctx, "5.5.5.5", "")
	require.False(t, d.Allowed)
	assert.WithinDuration(t, first.Add(time.Minute), d.ResetAt, 5*time.Second)
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	l, mr := newLimiter(t)
	mr.Close()

	d := l.AllowAsk(context.Background(), "1.2.3.4", "sess")
	assert.True(t, d.Allowed)
	assert.Equal(t, AskPerMinutePerIP, d.Remaining)
}

func TestIngestSlots(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < IngestMaxConcurrent; i++ {
		require.True(t, l.AcquireIngestSlot(ctx), "slot %d", i)
	}
	assert.False(t, l.AcquireIngestSlot(ctx))

	l.ReleaseIngestSlot(ctx)
	assert.True(t, l.AcquireIngestSlot(ctx))
}

func TestIngestSlotsFailOpen(t *testing.T) {
	l, mr := newLimiter(t)
	mr.Close()
	assert.True(t, l.AcquireIngestSlot(context.Background()))
}
