// Package dispatch executes batch delivery jobs: it turns a dequeued job
// back into its persisted batch, walks the items from the saved cursor and
// sends them over the company's ready channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campd/internal/bus"
	"campd/internal/channel"
	"campd/internal/dedup"
	"campd/internal/queue"
	"campd/internal/store"
)

// Config tunes the processor.
type Config struct {
	// SendsPerSecond caps outbound message rate per company.
	SendsPerSecond int
	// Location is the tenant-local timezone for day-loop boundaries.
	Location *time.Location
}

// Processor implements queue.Handler for batch delivery jobs.
type Processor struct {
	db           *store.DB
	registry     *channel.Registry
	reservations *dedup.Reservations
	markers      *dedup.Markers
	brokers      *queue.Brokers
	bus          *bus.Bus
	logger       *zap.Logger
	cfg          Config

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires the delivery pipeline.
func NewProcessor(db *store.DB, registry *channel.Registry, reservations *dedup.Reservations,
	markers *dedup.Markers, brokers *queue.Brokers, b *bus.Bus, cfg Config, logger *zap.Logger) *Processor {
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Processor{
		db:           db,
		registry:     registry,
		reservations: reservations,
		markers:      markers,
		brokers:      brokers,
		bus:          b,
		logger:       logger,
		cfg:          cfg,
		limiters:     make(map[string]*rate.Limiter),
		now:          time.Now,
		sleep:        ctxSleep,
	}
}

// ProcessJob delivers one batch. A returned error means the broker should
// retry; the persisted item cursor makes the retry resume where this
// attempt stopped instead of re-sending from the top. Day-loop batches
// return queue.ErrRescheduled after parking themselves for the next day.
func (p *Processor) ProcessJob(ctx context.Context, job queue.Job) error {
	log := p.logger.With(
		zap.String("company", job.CompanyID),
		zap.String("message", job.MessageID),
		zap.String("batch", job.BatchID))

	batch, err := p.db.GetBatch(job.CompanyID, job.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("job references a deleted batch, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	// Replayed job for a finished batch: nothing to do.
	if batch.Status == store.BatchSent || batch.Status == store.BatchSkipped {
		log.Info("batch already finished, dropping replay", zap.String("status", batch.Status))
		return nil
	}

	msg, err := p.db.GetScheduledMessage(job.CompanyID, job.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("job references a deleted campaign, dropping")
		_ = p.db.DeleteBatch(job.CompanyID, job.BatchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if msg.Status == store.MessageStopped {
		p.finishBatch(batch, store.BatchSkipped, "campaign stopped")
		return nil
	}

	released, acquired := false, []string{}
	release := func() {
		if released {
			return
		}
		released = true
		for _, chatID := range acquired {
			if err := p.reservations.Release(ctx, job.CompanyID, chatID, job.BatchID); err != nil {
				log.Warn("release reservation", zap.String("chat", chatID), zap.Error(err))
			}
		}
	}
	defer release()

	for _, chatID := range distinctChats(batch.Items) {
		ok, err := p.reservations.Acquire(ctx, job.CompanyID, chatID, job.BatchID)
		if err != nil {
			return fmt.Errorf("reserve chat: %w", err)
		}
		if !ok {
			log.Warn("chat reserved by another delivery, skipping batch",
				zap.String("chat", chatID))
			p.finishBatch(batch, store.BatchSkipped, "duplicate delivery in progress")
			return nil
		}
		acquired = append(acquired, chatID)
	}

	ch, err := p.registry.Ready(job.CompanyID, msg.PhoneIndex)
	if err != nil {
		return fmt.Errorf("phone %d: %w", msg.PhoneIndex, err)
	}

	if err := p.sendItems(ctx, ch, batch, log); err != nil {
		return err
	}
	release()

	if msg.InfiniteLoop {
		return p.rollDay(ctx, batch, log)
	}
	p.finishBatch(batch, store.BatchSent, "")
	return p.maybeCompleteCampaign(job.CompanyID, job.MessageID, log)
}

// JobFailed marks the batch and its campaign failed after the final retry.
func (p *Processor) JobFailed(ctx context.Context, job queue.Job, cause error) {
	p.logger.Error("batch delivery failed permanently",
		zap.String("company", job.CompanyID),
		zap.String("batch", job.BatchID),
		zap.Error(cause))

	batch, err := p.db.GetBatch(job.CompanyID, job.BatchID)
	if err != nil {
		return
	}
	p.finishBatch(batch, store.BatchFailed, cause.Error())
	if err := p.db.UpdateScheduledMessageStatus(job.CompanyID, job.MessageID,
		store.MessageFailed, cause.Error()); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Error("mark campaign failed", zap.Error(err))
	}
	p.bus.Publish(bus.Event{
		Kind:      bus.Topic(job.CompanyID, bus.KindCampaignStatus),
		Timestamp: p.now(),
		Payload: bus.CampaignStatusChange{
			CompanyID: job.CompanyID,
			MessageID: job.MessageID,
			Status:    store.MessageFailed,
			Detail:    cause.Error(),
		},
	})
}

// sendItems walks the batch from its persisted cursor, sending each item at
// most once per day via the sent markers.
func (p *Processor) sendItems(ctx context.Context, ch *channel.Channel, batch *store.Batch, log *zap.Logger) error {
	limiter := p.limiterFor(batch.CompanyID)
	total := len(batch.Items)

	for i := batch.ItemIndex; i < total; i++ {
		item := batch.Items[i]
		body := p.renderBody(batch.CompanyID, item.ChatID, item.Body)
		markerID := p.markers.MarkerID(i, item.ChatID+"|"+body)

		sent, err := p.markers.AlreadySent(ctx, batch.CompanyID, batch.MessageID, markerID)
		if err != nil {
			return fmt.Errorf("check sent marker: %w", err)
		}
		if !sent {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			t := ch.Transport()
			if t == nil {
				return channel.ErrChannelUnavailable
			}
			if _, err := t.SendMessage(ctx, item.ChatID, body,
				channel.SendOptions{MediaURL: item.MediaURL}); err != nil {
				// Persist the cursor so the retry picks up here.
				if cerr := p.db.UpdateBatchCursor(batch.CompanyID, batch.BatchID,
					batch.DayIndex, i); cerr != nil {
					log.Error("persist item cursor", zap.Error(cerr))
				}
				return fmt.Errorf("send item %d: %w", i, err)
			}
			if err := p.markers.MarkSent(ctx, batch.CompanyID, batch.MessageID, markerID); err != nil {
				log.Warn("record sent marker", zap.Error(err))
			}
		}

		if err := p.db.UpdateBatchCursor(batch.CompanyID, batch.BatchID,
			batch.DayIndex, i+1); err != nil {
			log.Error("persist item cursor", zap.Error(err))
		}
		p.bus.Publish(bus.Event{
			Kind:      bus.Topic(batch.CompanyID, bus.KindBatchProgress),
			Timestamp: p.now(),
			Payload: bus.BatchProgress{
				CompanyID: batch.CompanyID,
				MessageID: batch.MessageID,
				BatchID:   batch.BatchID,
				Sent:      i + 1,
				Total:     total,
			},
		})

		if item.DelaySeconds > 0 && i+1 < total {
			if err := p.sleep(ctx, time.Duration(item.DelaySeconds)*time.Second); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollDay advances the day-loop cursor and parks the live job until the
// next local midnight. Looping campaigns never complete on their own; they
// run until stopped. Returns ErrRescheduled so the worker pool leaves the
// job record alone instead of acking it away.
func (p *Processor) rollDay(ctx context.Context, batch *store.Batch, log *zap.Logger) error {
	if err := p.db.UpdateBatchCursor(batch.CompanyID, batch.BatchID,
		batch.DayIndex+1, 0); err != nil {
		return fmt.Errorf("advance day cursor: %w", err)
	}

	readyAt := nextMidnight(p.now().In(p.cfg.Location))
	broker := p.brokers.ForCompany(batch.CompanyID)
	rescheduled, err := broker.Reschedule(ctx, batch.BatchID, readyAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("reschedule day loop: %w", err)
	}
	if !rescheduled {
		// The job record vanished mid-run (campaign deleted); nothing to park.
		log.Warn("day-loop job no longer live, not rescheduling")
		return nil
	}
	log.Info("day cycle complete, rescheduled",
		zap.Int("day", batch.DayIndex+1),
		zap.Time("next_run", readyAt))
	return queue.ErrRescheduled
}

func (p *Processor) finishBatch(batch *store.Batch, status, detail string) {
	if err := p.db.UpdateBatchStatus(batch.CompanyID, batch.BatchID, status, detail); err != nil {
		p.logger.Error("update batch status",
			zap.String("batch", batch.BatchID), zap.Error(err))
	}
	p.bus.Publish(bus.Event{
		Kind:      bus.Topic(batch.CompanyID, bus.KindBatchStatus),
		Timestamp: p.now(),
		Payload: bus.BatchStatusChange{
			CompanyID: batch.CompanyID,
			MessageID: batch.MessageID,
			BatchID:   batch.BatchID,
			Status:    status,
			Detail:    detail,
		},
	})
}

// maybeCompleteCampaign marks the campaign completed once no pending
// batches remain.
func (p *Processor) maybeCompleteCampaign(companyID, messageID string, log *zap.Logger) error {
	_, pending, err := p.db.CountBatches(companyID, messageID)
	if err != nil {
		return fmt.Errorf("count batches: %w", err)
	}
	if pending > 0 {
		return nil
	}
	err = p.db.UpdateScheduledMessageStatus(companyID, messageID, store.MessageCompleted, "")
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	log.Info("campaign completed")
	p.bus.Publish(bus.Event{
		Kind:      bus.Topic(companyID, bus.KindCampaignStatus),
		Timestamp: p.now(),
		Payload: bus.CampaignStatusChange{
			CompanyID: companyID,
			MessageID: messageID,
			Status:    store.MessageCompleted,
		},
	})
	return nil
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// renderBody substitutes {{field}} tokens from the recipient record current
// at send time. Unknown tokens are left as-is.
func (p *Processor) renderBody(companyID, chatID, body string) string {
	if !placeholderRe.MatchString(body) {
		return body
	}
	rec, err := p.db.GetRecipient(companyID, chatID)
	if err != nil {
		return body
	}
	return placeholderRe.ReplaceAllStringFunc(body, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if name == "name" && rec.Name != "" {
			return rec.Name
		}
		if v, ok := rec.Fields[name]; ok {
			return v
		}
		return tok
	})
}

func (p *Processor) limiterFor(companyID string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	if l, ok := p.limiters[companyID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.SendsPerSecond), p.cfg.SendsPerSecond)
	p.limiters[companyID] = l
	return l
}

func distinctChats(items []store.MessageItem) []string {
	seen := make(map[string]struct{}, len(items))
	var chats []string
	for _, item := range items {
		if _, dup := seen[item.ChatID]; !dup {
			seen[item.ChatID] = struct{}{}
			chats = append(chats, item.ChatID)
		}
	}
	return chats
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
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
