package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mailpilot/pkg/trace"
)

// RawPublisher publishes an encoded job body. *mq.Publisher implements it.
type RawPublisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	db         *pgxpool.Pool
	repo       *Repository
	publisher  RawPublisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(db *pgxpool.Pool, repo *Repository, publisher RawPublisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting outbox dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("Outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce relays one batch of due events.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	events, err := d.repo.ClaimPending(ctx, tx, d.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := d.publisher.PublishRaw(traceContext(ctx, event.Payload), event.RoutingKey, event.Payload); err != nil {
			d.logger.Error("Failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := d.repo.MarkAsFailed(ctx, tx, event.ID, d.maxRetries); err != nil {
				return err
			}
			continue
		}

		if err := d.repo.MarkAsSent(ctx, tx, event.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	d.logger.Debug("Outbox batch relayed", zap.Int("count", len(events)))
	return nil
}

// traceContext carries a payload's trace_id onto the published message.
func traceContext(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}
	return trace.WithContext(ctx, envelope.TraceID)
}
