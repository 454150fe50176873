// Package recovery rebuilds the broker state from the durable store after a
// restart, and periodically sweeps duplicate batches out of the queues.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campd/internal/bus"
	"campd/internal/queue"
	"campd/internal/schedule"
	"campd/internal/store"
)

// Config tunes the startup recovery pass.
type Config struct {
	// Staleness is how far past its scheduled time a still-unsent campaign
	// may be before recovery drops it instead of requeuing.
	Staleness time.Duration
	// CompanyConcurrency bounds how many companies recover in parallel.
	CompanyConcurrency int
	// ChunkSize is how many batches to enqueue between pauses.
	ChunkSize int
	// ChunkPause is the pause between enqueue chunks.
	ChunkPause time.Duration
	// RequeueSpacing is the minimum gap between requeued batch times.
	RequeueSpacing time.Duration
	// Window is the allowed-hours window requeued times are adjusted into.
	Window schedule.Window
}

// Report summarizes one recovery pass.
type Report struct {
	Companies     int
	Requeued      int
	StaleDropped  int
	AlreadyQueued int
}

// Recovery re-enqueues every pending batch whose job is missing from the
// broker. It runs before worker pools start so no job is processed against
// half-restored state.
type Recovery struct {
	db      *store.DB
	brokers *queue.Brokers
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the recovery pass.
func New(db *store.DB, brokers *queue.Brokers, b *bus.Bus, cfg Config, logger *zap.Logger) *Recovery {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 48 * time.Hour
	}
	if cfg.CompanyConcurrency <= 0 {
		cfg.CompanyConcurrency = 3
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 200
	}
	if cfg.RequeueSpacing <= 0 {
		cfg.RequeueSpacing = 5 * time.Minute
	}
	return &Recovery{
		db:      db,
		brokers: brokers,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		sleep:   ctxSleep,
	}
}

// Run recovers every company, a bounded number in parallel.
func (r *Recovery) Run(ctx context.Context) (*Report, error) {
	companies, err := r.db.ListCompanies()
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	reports := make([]Report, len(companies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.CompanyConcurrency)
	for i, company := range companies {
		g.Go(func() error {
			rep, err := r.recoverCompany(gctx, company.ID)
			if err != nil {
				return fmt.Errorf("recover %s: %w", company.ID, err)
			}
			reports[i] = *rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := Report{Companies: len(companies)}
	for _, rep := range reports {
		total.Requeued += rep.Requeued
		total.StaleDropped += rep.StaleDropped
		total.AlreadyQueued += rep.AlreadyQueued
	}
	r.logger.Info("recovery complete",
		zap.Int("companies", total.Companies),
		zap.Int("requeued", total.Requeued),
		zap.Int("stale_dropped", total.StaleDropped),
		zap.Int("already_queued", total.AlreadyQueued))
	r.bus.Publish(bus.Event{Kind: bus.KindRecoveryReport, Timestamp: r.now(), Payload: total})
	return &total, nil
}

func (r *Recovery) recoverCompany(ctx context.Context, companyID string) (*Report, error) {
	log := r.logger.With(zap.String("company", companyID))
	broker := r.brokers.ForCompany(companyID)
	rep := &Report{}

	msgs, err := r.db.ListScheduledMessages(companyID, store.MessageScheduled)
	if err != nil {
		return nil, err
	}

	var missing []*store.Batch
	for _, msg := range msgs {
		if r.isStale(msg) {
			log.Warn("dropping stale campaign",
				zap.String("message", msg.MessageID),
				zap.Time("scheduled", time.UnixMilli(msg.ScheduledTime)))
			if err := r.dropCampaign(ctx, broker, msg); err != nil {
				return nil, err
			}
			rep.StaleDropped++
			continue
		}

		batches, err := r.db.ListBatches(companyID, msg.MessageID)
		if err != nil {
			return nil, err
		}
		for _, batch := range batches {
			if batch.Status != store.BatchPending {
				continue
			}
			live, err := broker.Exists(ctx, batch.BatchID)
			if err != nil {
				return nil, err
			}
			if live {
				rep.AlreadyQueued++
				continue
			}
			missing = append(missing, batch)
		}
	}

	if err := r.requeue(ctx, broker, missing, rep, log); err != nil {
		return nil, err
	}
	return rep, nil
}

// requeue re-adds missing jobs, spaced apart and pushed into the allowed
// window, in chunks so a big backlog does not stall startup. Requeued jobs
// carry priority: once due they go to the front of the ready list, ahead
// of work scheduled after the restart.
func (r *Recovery) requeue(ctx context.Context, broker *queue.Broker, batches []*store.Batch, rep *Report, log *zap.Logger) error {
	if len(batches) == 0 {
		return nil
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].ScheduledTime < batches[j].ScheduledTime
	})

	now := r.now()
	times := make([]time.Time, len(batches))
	for i, batch := range batches {
		t := time.UnixMilli(batch.ScheduledTime)
		if t.Before(now) {
			t = now
		}
		times[i] = schedule.Adjust(t, r.cfg.Window)
	}
	times = schedule.SpaceApart(times, r.cfg.RequeueSpacing)

	for i, batch := range batches {
		if i > 0 && i%r.cfg.ChunkSize == 0 && r.cfg.ChunkPause > 0 {
			if err := r.sleep(ctx, r.cfg.ChunkPause); err != nil {
				return err
			}
		}
		added, err := broker.Enqueue(ctx, queue.Job{
			CompanyID: batch.CompanyID,
			MessageID: batch.MessageID,
			BatchID:   batch.BatchID,
			Priority:  1,
			ReadyAt:   times[i].UnixMilli(),
		})
		if err != nil {
			return err
		}
		if added {
			rep.Requeued++
		}
	}
	log.Info("requeued missing batches", zap.Int("count", rep.Requeued))
	return nil
}

func (r *Recovery) isStale(msg *store.ScheduledMessage) bool {
	if msg.InfiniteLoop {
		// Looping campaigns have no natural end; age says nothing.
		return false
	}
	deadline := time.UnixMilli(msg.ScheduledTime).Add(r.cfg.Staleness)
	return r.now().After(deadline)
}

func (r *Recovery) dropCampaign(ctx context.Context, broker *queue.Broker, msg *store.ScheduledMessage) error {
	batches, err := r.db.ListBatches(msg.CompanyID, msg.MessageID)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := broker.Remove(ctx, batch.BatchID); err != nil {
			return err
		}
	}
	return r.db.DeleteScheduledMessage(msg.CompanyID, msg.MessageID)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
