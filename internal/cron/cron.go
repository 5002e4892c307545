// Package cron holds the periodic maintenance jobs: expired-chunk cleanup,
// ask-history retention, and upstream source health checks.
package cron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
)

const (
	historyRetention = 90 * 24 * time.Hour
	checkTimeout     = 30 * time.Second
)

// Health statuses recorded per check.
const (
	HealthOK          = "ok"
	HealthChanged     = "changed"
	HealthUnreachable = "unreachable"
)

// Store is the persistence surface of the maintenance jobs.
type Store interface {
	DeleteExpiredChunks(ctx context.Context) (int64, []int64, error)
	MarkNeedsReingest(ctx context.Context, sourceIDs []int64) error
	DeleteOldHistory(ctx context.Context, retention time.Duration) (int64, error)
	ListSourcesWithURL(ctx context.Context) ([]db.Source, error)
	InsertSourceHealth(ctx context.Context, h *db.SourceHealth) error
}

// Runner executes the maintenance jobs.
type Runner struct {
	store  Store
	http   *http.Client
	logger *zap.Logger
}

// New builds a runner.
func New(store Store, logger *zap.Logger) *Runner {
	return &Runner{
		store:  store,
		http:   &http.Client{Timeout: checkTimeout},
		logger: logger,
	}
}

// Cleanup removes expired chunks, flags the sources they emptied for
// re-ingestion, and trims old ask history.
func (r *Runner) Cleanup(ctx context.Context) error {
	deleted, emptied, err := r.store.DeleteExpiredChunks(ctx)
	if err != nil {
		return err
	}
	if len(emptied) > 0 {
		if err := r.store.MarkNeedsReingest(ctx, emptied); err != nil {
			r.logger.Error("Failed to flag emptied sources", zap.Error(err))
		}
	}

	trimmed, err := r.store.DeleteOldHistory(ctx, historyRetention)
	if err != nil {
		r.logger.Error("History trim failed", zap.Error(err))
	}

	r.logger.Info("Cleanup finished",
		zap.Int64("chunks_deleted", deleted),
		zap.Int("sources_flagged", len(emptied)),
		zap.Int64("history_trimmed", trimmed),
	)
	return nil
}

// HealthReport summarizes one health-check sweep.
type HealthReport struct {
	Checked     int
	Changed     int
	Unreachable int
}

// CheckSourceHealth fetches every source URL, records the outcome, and flags
// sources whose upstream content hash changed. Per-source failures are
// recorded and do not stop the sweep.
func (r *Runner) CheckSourceHealth(ctx context.Context) (HealthReport, error) {
	sources, err := r.store.ListSourcesWithURL(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	var report HealthReport
	var changed []int64
	for _, src := range sources {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		h := r.checkOne(ctx, &src)
		report.Checked++
		switch h.Status {
		case HealthChanged:
			report.Changed++
			changed = append(changed, src.ID)
		case HealthUnreachable:
			report.Unreachable++
		}
		if err := r.store.InsertSourceHealth(ctx, h); err != nil {
			r.logger.Error("Failed to record source health",
				zap.Int64("source_id", src.ID), zap.Error(err))
		}
	}

	if len(changed) > 0 {
		if err := r.store.MarkNeedsReingest(ctx, changed); err != nil {
			r.logger.Error("Failed to flag changed sources", zap.Error(err))
		}
	}

	r.logger.Info("Source health sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("changed", report.Changed),
		zap.Int("unreachable", report.Unreachable),
	)
	return report, nil
}

func (r *Runner) checkOne(ctx context.Context, src *db.Source) *db.SourceHealth {
	h := &db.SourceHealth{SourceID: src.ID}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *src.SourceURL, nil)
	if err != nil {
		return unreachable(h, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return unreachable(h, err)
	}
	defer resp.Body.Close()

	h.HTTPCode = &resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		h.Status = HealthUnreachable
		return h
	}

	hasher := sha256.New()
	n, err := io.Copy(hasher, resp.Body)
	if err != nil {
		return unreachable(h, err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	h.FileHash = &hash
	h.ContentLength = &n

	if src.FileHash != nil && *src.FileHash != hash {
		h.Status = HealthChanged
	} else {
		h.Status = HealthOK
	}
	return h
}

func unreachable(h *db.SourceHealth, err error) *db.SourceHealth {
	msg := err.Error()
	h.Status = HealthUnreachable
	h.Error = &msg
	return h
}
