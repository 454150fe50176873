package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = time.Minute
)

// WorkerPoolConfig bounds a company's worker pool.
type WorkerPoolConfig struct {
	Concurrency   int
	JobsPerSecond int
	LockDuration  time.Duration
	PollInterval  time.Duration
}

// WorkerPool drains one company's queue with bounded concurrency and a
// jobs-per-second cap. Worker death is covered by the broker's job lock:
// the maintenance loop requeues jobs whose lock expired.
type WorkerPool struct {
	broker  *Broker
	handler Handler
	cfg     WorkerPoolConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	retryDelay func(attempt int) time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerPool creates a pool; Start launches it.
func NewWorkerPool(broker *Broker, handler Handler, cfg WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobsPerSecond <= 0 {
		cfg.JobsPerSecond = 100
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &WorkerPool{
		broker:     broker,
		handler:    handler,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.JobsPerSecond), cfg.JobsPerSecond),
		logger:     logger,
		retryDelay: retryDelay,
		done:       make(chan struct{}),
	}
}

// Start launches the maintenance loop and workers.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.maintenanceLoop(groupCtx)
		return nil
	})
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.workerLoop(groupCtx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// maintenanceLoop promotes due jobs and requeues stalled ones.
func (p *WorkerPool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.broker.promote(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("promote due jobs", zap.Error(err))
			}
			if n, err := p.broker.reap(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("reap stalled jobs", zap.Error(err))
			} else if n > 0 {
				p.logger.Warn("requeued stalled jobs", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) workerLoop(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := p.broker.pop(ctx, p.cfg.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("pop job", zap.Error(err))
			job = nil
		}
		if job == nil {
			select {
			case <-time.After(p.cfg.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		p.process(ctx, *job)
	}
}

func (p *WorkerPool) process(ctx context.Context, job Job) {
	err := p.handler.ProcessJob(ctx, job)
	if errors.Is(err, ErrRescheduled) {
		// The handler re-delayed the job under the same id; acking here
		// would delete the record out from under its next run.
		return
	}
	if err == nil {
		if ackErr := p.broker.ack(ctx, job.BatchID); ackErr != nil {
			p.logger.Error("ack job", zap.String("job", job.BatchID), zap.Error(ackErr))
		}
		return
	}

	if job.AttemptsLeft > 0 {
		delay := p.retryDelay(p.broker.maxAttempts - job.AttemptsLeft)
		p.logger.Warn("job failed, retrying",
			zap.String("job", job.BatchID),
			zap.Int("attempts_left", job.AttemptsLeft),
			zap.Duration("delay", delay),
			zap.Error(err))
		if retryErr := p.broker.retry(ctx, job.BatchID, delay); retryErr != nil {
			p.logger.Error("requeue job", zap.String("job", job.BatchID), zap.Error(retryErr))
		}
		return
	}

	p.logger.Error("job failed permanently",
		zap.String("job", job.BatchID),
		zap.Error(err))
	p.handler.JobFailed(ctx, job, err)
	if ackErr := p.broker.ack(ctx, job.BatchID); ackErr != nil {
		p.logger.Error("drop failed job", zap.String("job", job.BatchID), zap.Error(ackErr))
	}
}

// retryDelay grows exponentially with the attempt number, capped at a
// minute.
func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseRetryDelay << uint(attempt)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}
