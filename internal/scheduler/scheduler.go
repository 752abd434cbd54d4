// Package scheduler runs the worker's periodic jobs.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/pkg/trace"
)

type AccountLister interface {
	ListSchedulable(ctx context.Context) ([]model.MailAccount, error)
}

type JobPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type SnoozeWaker interface {
	WakeSnoozed(ctx context.Context) (int, error)
}

// SyncScheduler enqueues an incremental sync for every schedulable account
// once per interval.
type SyncScheduler struct {
	accounts  AccountLister
	publisher JobPublisher
	interval  time.Duration
	logger    *zap.Logger
}

func NewSyncScheduler(accounts AccountLister, publisher JobPublisher, interval time.Duration, logger *zap.Logger) *SyncScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SyncScheduler{
		accounts:  accounts,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Start blocks until ctx is cancelled.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting sync scheduler", zap.Duration("interval", s.interval))
	every(ctx, s.interval, func() {
		if _, err := s.EnqueueOnce(ctx); err != nil {
			s.logger.Error("Sync scheduling failed", zap.Error(err))
		}
	})
	s.logger.Info("Sync scheduler stopped")
}

// EnqueueOnce publishes one incremental job per account and returns how many
// were published. A failed publish is logged; the next tick covers it.
func (s *SyncScheduler) EnqueueOnce(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListSchedulable(ctx)
	if err != nil {
		return 0, err
	}

	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	traceID := trace.FromContext(ctx)

	published := 0
	for _, a := range accounts {
		job := mqcontracts.SyncJobPayload{
			Type:      mqcontracts.SyncIncremental,
			AccountID: a.ID,
			UserID:    a.UserID,
			TraceID:   traceID,
		}
		if err := s.publisher.Publish(ctx, mqcontracts.RoutingKeySync, job); err != nil {
			s.logger.Warn("Failed to enqueue incremental sync",
				zap.Int64("account_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	s.logger.Debug("Incremental syncs enqueued",
		zap.String("trace_id", traceID),
		zap.Int("accounts", len(accounts)),
		zap.Int("published", published),
	)
	return published, nil
}

// SnoozeSweeper returns due snoozed items to the pending queue.
type SnoozeSweeper struct {
	waker    SnoozeWaker
	interval time.Duration
	logger   *zap.Logger
}

func NewSnoozeSweeper(waker SnoozeWaker, interval time.Duration, logger *zap.Logger) *SnoozeSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnoozeSweeper{waker: waker, interval: interval, logger: logger}
}

// Start blocks until ctx is cancelled.
func (s *SnoozeSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting snooze sweeper", zap.Duration("interval", s.interval))
	every(ctx, s.interval, func() {
		n, err := s.waker.WakeSnoozed(ctx)
		if err != nil {
			s.logger.Error("Snooze sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("Snoozed items returned to pending", zap.Int("count", n))
		}
	})
	s.logger.Info("Snooze sweeper stopped")
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
