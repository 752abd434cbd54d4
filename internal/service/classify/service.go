package classify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/service/triage"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/outbox"
)

type Store interface {
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetAccount(ctx context.Context, id int64) (*model.MailAccount, error)
	// ApplyClassification persists res on the message and, when item is not
	// nil, inserts it unless the message already has a pending item. itemID is
	// 0 when no item was created. follow's jobs commit in the same transaction.
	ApplyClassification(ctx context.Context, messageID int64, res model.ClassificationResult, item *model.TriageItem, follow func(itemID int64) []outbox.Job) (itemID int64, err error)
}

// CountInvalidator drops cached triage counts after new items appear.
type CountInvalidator interface {
	Invalidate(ctx context.Context, userID int64)
}

type Service struct {
	store   Store
	cascade *Cascade
	counts  CountInvalidator
	logger  *zap.Logger
}

func NewService(store Store, cascade *Cascade, counts CountInvalidator, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		cascade: cascade,
		counts:  counts,
		logger:  logger,
	}
}

// ClassifyBatch classifies every message of a job. Running it twice for the
// same ids overwrites with an equivalent result and never duplicates a
// pending triage item.
func (s *Service) ClassifyBatch(ctx context.Context, job mqcontracts.ClassifyJobPayload) error {
	var errs []error
	for _, id := range job.MessageIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.classifyOne(ctx, id, job.TraceID); err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) classifyOne(ctx context.Context, messageID int64, traceID string) error {
	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("message_id", messageID))

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("Message vanished before classification")
			return nil
		}
		return err
	}
	acct, err := s.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	if !acct.IsActive {
		log.Info("Account inactive, classification skipped", zap.Int64("account_id", acct.ID))
		return nil
	}

	res := s.cascade.Classify(ctx, msg)
	item := triage.BuildItem(acct.UserID, msg, res)

	itemID, err := s.store.ApplyClassification(ctx, msg.ID, res, item, func(itemID int64) []outbox.Job {
		return followUps(acct, msg, res, itemID, traceID)
	})
	if err != nil {
		return fmt.Errorf("apply classification: %w", err)
	}
	if itemID > 0 && s.counts != nil {
		s.counts.Invalidate(ctx, acct.UserID)
	}

	log.Info("Message classified",
		zap.String("tier", res.Tier),
		zap.String("category", string(res.Category)),
		zap.Int("priority", res.Priority),
		zap.Bool("needs_human", res.NeedsHuman),
		zap.Bool("can_auto_handle", res.CanAutoHandle),
		zap.Int64("triage_item_id", itemID),
	)
	return nil
}

// followUps lists the jobs a classification triggers: a draft for a newly
// created urgent item, and the auto-handle action if any.
func followUps(acct *model.MailAccount, msg *model.Message, res model.ClassificationResult, itemID int64, traceID string) []outbox.Job {
	var jobs []outbox.Job
	msgID := msg.ID

	if itemID > 0 && triage.WantsDraft(res) {
		jobs = append(jobs, outbox.Job{
			AggregateType: "triage_item",
			AggregateID:   &itemID,
			RoutingKey:    mqcontracts.RoutingKeyClassify,
			Payload: mqcontracts.DraftJobPayload{
				Type:         mqcontracts.JobDraftResponse,
				MessageID:    msg.ID,
				TriageItemID: itemID,
				UserID:       acct.UserID,
				TraceID:      traceID,
			},
		})
	}

	if res.CanAutoHandle && res.AutoHandleAction != "" {
		jobs = append(jobs, outbox.Job{
			AggregateType: "message",
			AggregateID:   &msgID,
			RoutingKey:    mqcontracts.RoutingKeyAutoHandle,
			Payload: mqcontracts.AutoHandleJobPayload{
				MessageID: msg.ID,
				UserID:    acct.UserID,
				AccountID: acct.ID,
				Action:    res.AutoHandleAction,
				Category:  string(res.Category),
				TraceID:   traceID,
			},
		})
	}
	return jobs
}
