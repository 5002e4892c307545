package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *StatusBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewStatusBus(rdb, time.Hour)
	return NewQueue(rdb, "ingest", bus, zap.NewNop()), bus, mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, bus, _ := newTestQueue(t)
	ctx := context.Background()

	t1, err := NewTask("ingest_source", map[string]int64{"source_id": 1})
	require.NoError(t, err)
	t2, err := NewTask("ingest_source", map[string]int64{"source_id": 2})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, t1))
	require.NoError(t, q.Enqueue(ctx, t2))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	got1, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, t1.ID, got1.ID)

	got2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, got2.ID)

	// Enqueue seeds the status record.
	st, err := bus.Get(ctx, t1.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StateQueued, st.State)
}

func TestStatusPctMonotonic(t *testing.T) {
	_, bus, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, bus.Update(ctx, "job-1", StateDownloading, 30, "downloading"))
	require.NoError(t, bus.Update(ctx, "job-1", StateExtracting, 10, "extracting"))

	st, err := bus.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateExtracting, st.State)
	assert.Equal(t, 30, st.Pct, "pct must never decrease")
}

func TestStatusTerminalStateSticks(t *testing.T) {
	_, bus, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, bus.Update(ctx, "job-2", StateSaving, 95, "saving"))
	require.NoError(t, bus.Complete(ctx, "job-2", map[string]int{"chunks": 12}))
	require.NoError(t, bus.Update(ctx, "job-2", StateChunking, 50, "late tick"))

	st, err := bus.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 100, st.Pct)

	var result map[string]int
	require.NoError(t, json.Unmarshal(st.Result, &result))
	assert.Equal(t, 12, result["chunks"])
}

func TestStatusFailKeepsPct(t *testing.T) {
	_, bus, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, bus.Update(ctx, "job-3", StateEmbedding, 70, "embedding"))
	require.NoError(t, bus.Fail(ctx, "job-3", "download timeout"))

	st, err := bus.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 70, st.Pct)
	assert.Equal(t, "download timeout", st.Error)
}

func TestStatusMissingJob(t *testing.T) {
	_, bus, _ := newTestQueue(t)

	st, err := bus.Get(context.Background(), "never-enqueued")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestWorkerRunsHandlerAndFailsOnError(t *testing.T) {
	q, bus, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(q, bus, zap.NewNop())
	done := make(chan struct{})
	worker.Register("ok", func(ctx context.Context, task *Task, bus *StatusBus) error {
		defer close(done)
		return bus.Complete(ctx, task.ID, nil)
	})
	failed := make(chan struct{})
	worker.Register("boom", func(ctx context.Context, task *Task, bus *StatusBus) error {
		defer close(failed)
		return assert.AnError
	})

	okTask, _ := NewTask("ok", nil)
	boomTask, _ := NewTask("boom", nil)
	require.NoError(t, q.Enqueue(ctx, okTask))
	require.NoError(t, q.Enqueue(ctx, boomTask))

	go worker.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ok task never ran")
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("boom task never ran")
	}

	require.Eventually(t, func() bool {
		st, err := bus.Get(context.Background(), boomTask.ID)
		return err == nil && st != nil && st.State == StateFailed
	}, 2*time.Second, 50*time.Millisecond)

	st, err := bus.Get(context.Background(), okTask.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
}
