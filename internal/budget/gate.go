// Package budget enforces the daily spend ceiling on model usage.
package budget

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Store reports the trailing 24-hour spend.
type Store interface {
	DailySpend(ctx context.Context) (float64, error)
}

// Gate rejects question traffic once the trailing-day spend reaches the
// configured ceiling.
type Gate struct {
	store  Store
	limit  float64
	logger *zap.Logger
}

// New builds a gate with the given daily ceiling in USD.
func New(store Store, limitUSD float64, logger *zap.Logger) *Gate {
	return &Gate{store: store, limit: limitUSD, logger: logger}
}

// Allow reports whether a new model-backed request may run. When the budget
// is exhausted it also returns when the caller should retry: the next UTC
// midnight, when a full day of spend has aged out. Spend lookup failures
// allow the request; an unreadable ledger must not take the service down.
func (g *Gate) Allow(ctx context.Context) (bool, time.Time) {
	spend, err := g.store.DailySpend(ctx)
	if err != nil {
		g.logger.Warn("Daily spend lookup failed, allowing request", zap.Error(err))
		return true, time.Time{}
	}
	if spend < g.limit {
		return true, time.Time{}
	}
	metrics.BudgetRejections.Inc()
	g.logger.Warn("Daily budget exhausted",
		zap.Float64("spend_usd", spend), zap.Float64("limit_usd", g.limit))
	return false, nextUTCMidnight(time.Now())
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
