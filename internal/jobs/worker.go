package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Handler executes one task kind. Progress goes through the bus; a returned
// error marks the job failed.
type Handler func(ctx context.Context, task *Task, bus *StatusBus) error

// Worker drains the queue, running one job at a time. Parallelism comes from
// running more worker processes.
type Worker struct {
	queue    *Queue
	bus      *StatusBus
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewWorker builds a worker over the queue.
func NewWorker(queue *Queue, bus *StatusBus, logger *zap.Logger) *Worker {
	return &Worker{
		queue:    queue,
		bus:      bus,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a task kind.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run blocks until ctx is cancelled, processing tasks in FIFO order.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping")
			return
		}
		task, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	logger := w.logger.With(zap.String("job_id", task.ID), zap.String("kind", task.Kind))

	handler, ok := w.handlers[task.Kind]
	if !ok {
		logger.Error("No handler for task kind")
		w.fail(task.ID, fmt.Sprintf("unknown task kind %q", task.Kind))
		return
	}

	timeout := time.Duration(task.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(jobCtx, task, w.bus)
	}()

	if err != nil {
		cause := err.Error()
		if jobCtx.Err() == context.DeadlineExceeded {
			cause = fmt.Sprintf("job timed out after %s", timeout)
		}
		logger.Error("Job failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		w.fail(task.ID, cause)
		return
	}
	logger.Info("Job finished", zap.Duration("elapsed", time.Since(start)))
}

// fail writes the terminal status outside the job context, which may already
// be cancelled.
func (w *Worker) fail(jobID, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.bus.Fail(ctx, jobID, cause); err != nil {
		w.logger.Error("Failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
