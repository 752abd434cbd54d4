package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Consumer runs a bounded worker pool over one queue and applies the queue's
// retry policy to every delivery.
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	pubMu   sync.Mutex
	policy  Policy
	handler MessageHandler
	tag     string
	logger  *zap.Logger
}

// NewConsumer connects, declares the queue topology and limits unacked
// deliveries to the policy's concurrency.
func NewConsumer(url string, policy Policy, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareTopology(ch, policy); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(policy.Concurrency, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("queue", policy.Queue),
		zap.String("routing_key", policy.RoutingKey),
		zap.Int("concurrency", policy.Concurrency),
		zap.Int("max_attempts", policy.MaxAttempts),
	)

	return &Consumer{
		conn:    conn,
		channel: ch,
		policy:  policy,
		tag:     policy.Queue + "-" + uuid.NewString()[:8],
		logger:  logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run consumes until ctx is cancelled or the broker closes the channel. It
// blocks; in-flight jobs finish before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.policy.Queue,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		<-ctx.Done()
		// 停止投递，deliveries 会被关闭，worker 处理完手上的消息后退出
		_ = c.channel.Cancel(c.tag, false)
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.handle(d)
			}
		}()
	}

	c.logger.Info("Consumer started",
		zap.String("queue", c.policy.Queue),
		zap.Int("workers", c.policy.Concurrency),
	)
	wg.Wait()
	c.logger.Info("Consumer stopped", zap.String("queue", c.policy.Queue))
	return nil
}

// handle guarantees that every delivery is acked or nacked exactly once.
func (c *Consumer) handle(d amqp091.Delivery) {
	attempt := attemptOf(d.Headers)
	ctx := trace.WithContext(context.Background(), headerString(d.Headers, headerTraceID))
	ctx = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("queue", c.policy.Queue),
		zap.String("job_id", headerString(d.Headers, headerJobID)),
		zap.Int("attempt", attempt),
	)

	start := time.Now()
	err := c.invoke(ctx, d.Body)
	decision := c.policy.Decide(err, attempt)
	metrics.RecordJob(c.policy.Queue, decision.String(), time.Since(start))

	switch decision {
	case DecisionAck:
		if err := d.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
		}
		return

	case DecisionRetry:
		delay := c.policy.Backoff(attempt)
		log.Warn("Job failed, scheduling retry",
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if pubErr := c.publish(ctx, "", c.policy.retryQueue(), retryPublishing(d, attempt+1, delay)); pubErr != nil {
			log.Error("Failed to schedule retry, requeueing", zap.Error(pubErr))
			_ = d.Nack(false, true)
			return
		}

	case DecisionDeadLetter:
		log.Error("Job dead-lettered", zap.Error(err))
		if pubErr := c.publish(ctx, "", c.policy.DeadLetterQueue(), deadLetterPublishing(d, c.policy.RoutingKey, attempt, err)); pubErr != nil {
			log.Error("Failed to dead-letter job, requeueing", zap.Error(pubErr))
			_ = d.Nack(false, true)
			return
		}
	}

	if err := d.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
	}
}

// invoke runs the handler and turns a panic into an ordinary (retryable) error.
func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

func (c *Consumer) publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}
