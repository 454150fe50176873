package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"campd/internal/bus"
	"campd/internal/queue"
	"campd/internal/store"
)

// SweepReport summarizes one duplicate sweep.
type SweepReport struct {
	Companies         int
	DuplicatesRemoved int
	CampaignsDeleted  int
}

// Sweeper removes duplicate batches: same company, same content, same
// scheduled time, different batch ids. The earliest batch survives; the
// rest lose their queue job and their row. Campaigns emptied by the sweep
// are deleted.
type Sweeper struct {
	db      *store.DB
	brokers *queue.Brokers
	bus     *bus.Bus
	logger  *zap.Logger

	cron *cron.Cron
	now  func() time.Time
}

// NewSweeper creates the duplicate sweeper.
func NewSweeper(db *store.DB, brokers *queue.Brokers, b *bus.Bus, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		db:      db,
		brokers: brokers,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules periodic sweeps. cronSpec uses standard cron syntax or a
// descriptor like "@daily".
func (s *Sweeper) Start(ctx context.Context, cronSpec string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(cronSpec, func() {
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("duplicate sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", cronSpec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the periodic schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Run sweeps every company once.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	companies, err := s.db.ListCompanies()
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	total := &SweepReport{Companies: len(companies)}
	for _, company := range companies {
		rep, err := s.sweepCompany(ctx, company.ID)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", company.ID, err)
		}
		total.DuplicatesRemoved += rep.DuplicatesRemoved
		total.CampaignsDeleted += rep.CampaignsDeleted
	}

	s.logger.Info("duplicate sweep complete",
		zap.Int("companies", total.Companies),
		zap.Int("duplicates_removed", total.DuplicatesRemoved),
		zap.Int("campaigns_deleted", total.CampaignsDeleted))
	s.bus.Publish(bus.Event{Kind: bus.KindSweeperReport, Timestamp: s.now(), Payload: *total})
	return total, nil
}

func (s *Sweeper) sweepCompany(ctx context.Context, companyID string) (*SweepReport, error) {
	log := s.logger.With(zap.String("company", companyID))
	broker := s.brokers.ForCompany(companyID)
	rep := &SweepReport{}

	msgs, err := s.db.ListScheduledMessages(companyID, store.MessageScheduled)
	if err != nil {
		return nil, err
	}

	var all []*store.Batch
	for _, msg := range msgs {
		batches, err := s.db.ListBatches(companyID, msg.MessageID)
		if err != nil {
			return nil, err
		}
		all = append(all, batches...)
	}

	bySignature := make(map[string][]*store.Batch)
	for _, batch := range all {
		if batch.Status != store.BatchPending {
			continue
		}
		sig, err := batchSignature(batch)
		if err != nil {
			return nil, err
		}
		bySignature[sig] = append(bySignature[sig], batch)
	}

	emptied := make(map[string]struct{})
	for sig, group := range bySignature {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].CreatedAt != group[j].CreatedAt {
				return group[i].CreatedAt < group[j].CreatedAt
			}
			return group[i].BatchID < group[j].BatchID
		})
		for _, dup := range group[1:] {
			log.Warn("removing duplicate batch",
				zap.String("batch", dup.BatchID),
				zap.String("kept", group[0].BatchID),
				zap.String("signature", sig[:12]))
			if err := broker.Remove(ctx, dup.BatchID); err != nil {
				return nil, err
			}
			if err := s.db.DeleteBatch(companyID, dup.BatchID); err != nil {
				return nil, err
			}
			rep.DuplicatesRemoved++
			emptied[dup.MessageID] = struct{}{}
		}
	}

	for messageID := range emptied {
		total, _, err := s.db.CountBatches(companyID, messageID)
		if err != nil {
			return nil, err
		}
		if total > 0 {
			continue
		}
		log.Warn("deleting campaign emptied by sweep", zap.String("message", messageID))
		if err := s.db.DeleteScheduledMessage(companyID, messageID); err != nil {
			return nil, err
		}
		rep.CampaignsDeleted++
	}
	return rep, nil
}

// batchSignature fingerprints what a batch would deliver and when. Two
// batches with equal signatures are the same send, whatever their ids.
func batchSignature(batch *store.Batch) (string, error) {
	items, err := json.Marshal(batch.Items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	h := sha256.New()
	h.Write(items)
	fmt.Fprintf(h, "|%d", batch.ScheduledTime)
	return hex.EncodeToString(h.Sum(nil)), nil
}
