// Package campaign is the tenant-facing surface: schedule, update, stop and
// delete delivery campaigns, and inspect channel state.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campd/internal/bus"
	"campd/internal/channel"
	"campd/internal/queue"
	"campd/internal/schedule"
	"campd/internal/store"
)

// Service coordinates the store, the broker and the channel manager for
// every campaign operation.
type Service struct {
	db      *store.DB
	brokers *queue.Brokers
	manager *channel.Manager
	bus     *bus.Bus
	window  schedule.Window
	logger  *zap.Logger

	now func() time.Time
}

// NewService wires the campaign surface.
func NewService(db *store.DB, brokers *queue.Brokers, manager *channel.Manager,
	b *bus.Bus, window schedule.Window, logger *zap.Logger) *Service {
	return &Service{
		db:      db,
		brokers: brokers,
		manager: manager,
		bus:     b,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// ScheduleCampaign validates, persists and enqueues a new campaign. The
// returned id identifies it in every later call. Validation failures leave
// no trace; a batch is enqueued only after it is durably stored.
func (s *Service) ScheduleCampaign(ctx context.Context, msg *store.ScheduledMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.Status = store.MessageScheduled
	if msg.ScheduledTime <= 0 {
		msg.ScheduledTime = s.now().UnixMilli()
	}

	batches, err := schedule.BuildBatches(msg, s.window)
	if err != nil {
		return "", err
	}

	if err := s.db.CreateScheduledMessage(msg); err != nil {
		return "", fmt.Errorf("persist campaign: %w", err)
	}
	for _, batch := range batches {
		if err := s.db.InsertBatch(batch); err != nil {
			return "", fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
		}
	}
	if err := s.enqueueBatches(ctx, msg.CompanyID, batches); err != nil {
		return "", err
	}

	s.logger.Info("campaign scheduled",
		zap.String("company", msg.CompanyID),
		zap.String("message", msg.MessageID),
		zap.Int("batches", len(batches)),
		zap.Bool("loop", msg.InfiniteLoop))
	s.publishStatus(msg.CompanyID, msg.MessageID, store.MessageScheduled, "")
	return msg.MessageID, nil
}

// UpdateCampaign replaces a campaign definition and rebuilds its batches
// and jobs. The campaign keeps its id.
func (s *Service) UpdateCampaign(ctx context.Context, msg *store.ScheduledMessage) error {
	existing, err := s.db.GetScheduledMessage(msg.CompanyID, msg.MessageID)
	if err != nil {
		return err
	}
	if msg.ScheduledTime <= 0 {
		msg.ScheduledTime = existing.ScheduledTime
	}
	msg.Status = store.MessageScheduled

	batches, err := schedule.BuildBatches(msg, s.window)
	if err != nil {
		return err
	}

	if err := s.removeJobs(ctx, msg.CompanyID, msg.MessageID); err != nil {
		return err
	}
	if err := s.db.ReplaceScheduledMessage(msg); err != nil {
		return fmt.Errorf("replace campaign: %w", err)
	}
	old, err := s.db.ListBatches(msg.CompanyID, msg.MessageID)
	if err != nil {
		return err
	}
	for _, batch := range old {
		if err := s.db.DeleteBatch(msg.CompanyID, batch.BatchID); err != nil {
			return fmt.Errorf("delete batch %s: %w", batch.BatchID, err)
		}
	}
	for _, batch := range batches {
		if err := s.db.InsertBatch(batch); err != nil {
			return fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
		}
	}
	if err := s.enqueueBatches(ctx, msg.CompanyID, batches); err != nil {
		return err
	}

	s.logger.Info("campaign updated",
		zap.String("company", msg.CompanyID),
		zap.String("message", msg.MessageID),
		zap.Int("batches", len(batches)))
	s.publishStatus(msg.CompanyID, msg.MessageID, store.MessageScheduled, "updated")
	return nil
}

// StopCampaign halts a campaign. Unstarted batches are dropped from the
// queue; a batch already mid-delivery finishes its current day cycle and
// stops at the loop boundary.
func (s *Service) StopCampaign(ctx context.Context, companyID, messageID string) error {
	if err := s.db.UpdateScheduledMessageStatus(companyID, messageID, store.MessageStopped, ""); err != nil {
		return err
	}
	if err := s.removeJobs(ctx, companyID, messageID); err != nil {
		return err
	}
	s.logger.Info("campaign stopped",
		zap.String("company", companyID),
		zap.String("message", messageID))
	s.publishStatus(companyID, messageID, store.MessageStopped, "")
	return nil
}

// DeleteCampaign removes a campaign, its batches and its queue jobs.
func (s *Service) DeleteCampaign(ctx context.Context, companyID, messageID string) error {
	if _, err := s.db.GetScheduledMessage(companyID, messageID); err != nil {
		return err
	}
	if err := s.removeJobs(ctx, companyID, messageID); err != nil {
		return err
	}
	if err := s.db.DeleteScheduledMessage(companyID, messageID); err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	s.logger.Info("campaign deleted",
		zap.String("company", companyID),
		zap.String("message", messageID))
	return nil
}

// GetCampaign returns a campaign and its batches.
func (s *Service) GetCampaign(companyID, messageID string) (*store.ScheduledMessage, []*store.Batch, error) {
	msg, err := s.db.GetScheduledMessage(companyID, messageID)
	if err != nil {
		return nil, nil, err
	}
	batches, err := s.db.ListBatches(companyID, messageID)
	if err != nil {
		return nil, nil, err
	}
	return msg, batches, nil
}

// ListCampaigns returns a company's campaigns, optionally filtered by status.
func (s *Service) ListCampaigns(companyID, status string) ([]*store.ScheduledMessage, error) {
	return s.db.ListScheduledMessages(companyID, status)
}

// ChannelStatus snapshots one channel's lifecycle state.
func (s *Service) ChannelStatus(companyID string, phoneIndex int) channel.Status {
	return s.manager.StatusOf(companyID, phoneIndex)
}

// RequestPairingCode asks the channel for a phone-number pairing code, the
// QR-less authentication path.
func (s *Service) RequestPairingCode(ctx context.Context, companyID string, phoneIndex int, phoneNumber string) (string, error) {
	return s.manager.RequestPairingCode(ctx, companyID, phoneIndex, phoneNumber)
}

func (s *Service) enqueueBatches(ctx context.Context, companyID string, batches []*store.Batch) error {
	broker := s.brokers.ForCompany(companyID)
	for _, batch := range batches {
		if _, err := broker.Enqueue(ctx, queue.Job{
			CompanyID: companyID,
			MessageID: batch.MessageID,
			BatchID:   batch.BatchID,
			ReadyAt:   batch.ScheduledTime,
		}); err != nil {
			return fmt.Errorf("enqueue batch %s: %w", batch.BatchID, err)
		}
	}
	return nil
}

func (s *Service) removeJobs(ctx context.Context, companyID, messageID string) error {
	batches, err := s.db.ListBatches(companyID, messageID)
	if err != nil {
		return err
	}
	broker := s.brokers.ForCompany(companyID)
	for _, batch := range batches {
		if err := broker.Remove(ctx, batch.BatchID); err != nil {
			return fmt.Errorf("remove job %s: %w", batch.BatchID, err)
		}
	}
	return nil
}

func (s *Service) publishStatus(companyID, messageID, status, detail string) {
	s.bus.Publish(bus.Event{
		Kind:      bus.Topic(companyID, bus.KindCampaignStatus),
		Timestamp: s.now(),
		Payload: bus.CampaignStatusChange{
			CompanyID: companyID,
			MessageID: messageID,
			Status:    status,
			Detail:    detail,
		},
	})
}
