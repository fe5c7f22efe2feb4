package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/model"
	"go.uber.org/zap"
)

type queue interface {
	Claim(ctx context.Context) (*model.Task, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, task *model.Task, cause error, delay time.Duration) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
}

// Handler processes one task payload. A nil return completes the task;
// an error sends it back through the queue's retry schedule.
type Handler func(ctx context.Context, payload []byte) error

// Pool drains the durable task queue with a fixed set of goroutines.
// Handlers are registered per task kind before Run; a claimed task with
// no handler fails immediately instead of burning retries.
type Pool struct {
	queue    queue
	handlers map[model.TaskKind]Handler
	cfg      config.WorkerConfig
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewPool(queue queue, cfg config.WorkerConfig, logger *zap.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		queue:    queue,
		handlers: make(map[model.TaskKind]Handler),
		cfg:      cfg,
		logger:   logger,
	}
}

func (p *Pool) Register(kind model.TaskKind, h Handler) {
	p.handlers[kind] = h
}

// Run starts the workers and returns. Cancel the context to stop them,
// then Wait for in-flight tasks to finish.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(p.cfg.Count)
	for i := 0; i < p.cfg.Count; i++ {
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Count),
		zap.Duration("poll_interval", p.cfg.PollInterval))
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything due before going back to sleep
		for ctx.Err() == nil {
			task, err := p.queue.Claim(ctx)
			if err != nil {
				p.logger.Error("task claim failed",
					zap.Int("worker", id),
					zap.Error(err))
				break
			}
			if task == nil {
				break
			}
			p.process(ctx, id, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) process(ctx context.Context, id int, task *model.Task) {
	h, ok := p.handlers[task.Kind]
	if !ok {
		p.logger.Error("no handler for task kind",
			zap.String("kind", string(task.Kind)),
			zap.String("task_id", task.ID.String()))
		if err := p.queue.Fail(ctx, task.ID, fmt.Errorf("no handler for kind %s", task.Kind)); err != nil {
			p.logger.Error("task fail write lost", zap.Error(err))
		}
		return
	}

	err := p.invoke(ctx, h, task)
	if err == nil {
		if err := p.queue.Complete(ctx, task.ID); err != nil {
			p.logger.Error("task completion write lost",
				zap.String("task_id", task.ID.String()),
				zap.Error(err))
		}
		return
	}

	delay := p.retryDelay(task.Attempts)
	p.logger.Warn("task attempt failed",
		zap.Int("worker", id),
		zap.String("kind", string(task.Kind)),
		zap.String("task_id", task.ID.String()),
		zap.Int("attempt", task.Attempts),
		zap.Int("max_attempts", task.MaxAttempts),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	if err := p.queue.Retry(ctx, task, err, delay); err != nil {
		p.logger.Error("task retry write lost",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
	}
}

// invoke shields the pool from handler panics, converting them into a
// retryable error.
func (p *Pool) invoke(ctx context.Context, h Handler, task *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, []byte(task.Payload))
}

func (p *Pool) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMax {
			return p.cfg.RetryMax
		}
	}
	if delay > p.cfg.RetryMax {
		delay = p.cfg.RetryMax
	}
	return delay
}
