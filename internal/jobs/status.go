package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the per-job progress record the streamer polls. The key is the
// source of truth; missed intermediate ticks are fine.
type Status struct {
	State     string          `json:"state"`
	Pct       int             `json:"pct"`
	Message   string          `json:"message"`
	UpdatedAt time.Time       `json:"updated_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StatusBus reads and writes job status records in the shared cache.
type StatusBus struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusBus builds a bus with the given record TTL; 1 hour when zero.
func NewStatusBus(rdb *redis.Client, ttl time.Duration) *StatusBus {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatusBus{rdb: rdb, ttl: ttl}
}

func statusKey(jobID string) string {
	return "job_status:" + jobID
}

// Get returns the job's status, or nil when the record is gone.
func (b *StatusBus) Get(ctx context.Context, jobID string) (*Status, error) {
	data, err := b.rdb.Get(ctx, statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal job status: %w", err)
	}
	return &st, nil
}

// Update writes a progress tick. Pct never moves backwards and terminal
// states are never overwritten.
func (b *StatusBus) Update(ctx context.Context, jobID, state string, pct int, message string) error {
	prev, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if prev != nil {
		if IsTerminal(prev.State) {
			return nil
		}
		if pct < prev.Pct {
			pct = prev.Pct
		}
	}
	return b.write(ctx, jobID, &Status{
		State:     state,
		Pct:       pct,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	})
}

// Complete marks the job ready at 100% with an optional result payload.
func (b *StatusBus) Complete(ctx context.Context, jobID string, result any) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		raw = data
	}
	return b.write(ctx, jobID, &Status{
		State:     StateReady,
		Pct:       100,
		Message:   "complete",
		UpdatedAt: time.Now().UTC(),
		Result:    raw,
	})
}

// Fail marks the job failed, keeping the last reported pct.
func (b *StatusBus) Fail(ctx context.Context, jobID, errMsg string) error {
	pct := 0
	if prev, err := b.Get(ctx, jobID); err == nil && prev != nil {
		pct = prev.Pct
	}
	return b.write(ctx, jobID, &Status{
		State:     StateFailed,
		Pct:       pct,
		Message:   "failed",
		UpdatedAt: time.Now().UTC(),
		Error:     errMsg,
	})
}

func (b *StatusBus) write(ctx context.Context, jobID string, st *Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if err := b.rdb.Set(ctx, statusKey(jobID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("write job status: %w", err)
	}
	return nil
}
