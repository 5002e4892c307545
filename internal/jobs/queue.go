// Package jobs provides the Redis-backed ingestion queue, the per-job
// progress bus, and the worker loop that drains the queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Job states written to the progress bus.
const (
	StateQueued      = "queued"
	StateDownloading = "downloading"
	StateExtracting  = "extracting"
	StateOCR         = "ocr"
	StateChunking    = "chunking"
	StateEmbedding   = "embedding"
	StateSaving      = "saving"
	StateReady       = "ready"
	StateFailed      = "failed"
)

// IsTerminal reports whether a state ends the job.
func IsTerminal(state string) bool {
	return state == StateReady || state == StateFailed
}

// Task is one queued unit of work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Args       json.RawMessage `json:"args"`
	TimeoutS   int             `json:"timeout_s"`
	ResultTTLS int             `json:"result_ttl_s"`
}

// NewTask builds a task with a fresh globally-unique id.
func NewTask(kind string, args any) (*Task, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal task args: %w", err)
	}
	return &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Args:       raw,
		TimeoutS:   600,
		ResultTTLS: 3600,
	}, nil
}

// Queue is a FIFO list in Redis: LPUSH to enqueue, BRPOP to take.
type Queue struct {
	rdb    *redis.Client
	key    string
	bus    *StatusBus
	logger *zap.Logger
}

// NewQueue builds the named queue.
func NewQueue(rdb *redis.Client, name string, bus *StatusBus, logger *zap.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		key:    "queue:" + name,
		bus:    bus,
		logger: logger,
	}
}

// Enqueue appends the task and seeds its status record as queued.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	if err := q.bus.Update(ctx, task.ID, StateQueued, 0, "queued"); err != nil {
		q.logger.Warn("Failed to seed job status", zap.String("job_id", task.ID), zap.Error(err))
	}
	metrics.JobsEnqueued.WithLabelValues(task.Kind).Inc()
	return nil
}

// Dequeue blocks up to timeout for the next task. A nil task means the
// timeout elapsed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPOP returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}
