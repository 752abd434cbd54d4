package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DeclareTopology declares the work queue, its retry queue and its bounded
// dead-letter queue.
//
// Retry queue messages carry a per-message TTL and are dead-lettered back into
// the jobs exchange under the original routing key when it expires.
func DeclareTopology(ch *amqp091.Channel, p Policy) error {
	if err := DeclareExchange(ch); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(p.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", p.Queue, err)
	}
	if err := ch.QueueBind(q.Name, p.RoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", p.Queue, err)
	}

	_, err = ch.QueueDeclare(p.retryQueue(), true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": p.RoutingKey,
	})
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	_, err = ch.QueueDeclare(p.DeadLetterQueue(), true, false, false, false, amqp091.Table{
		"x-max-length": int64(p.DeadLetterMax),
		"x-overflow":   "drop-head",
	})
	if err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	return nil
}

func retryPublishing(d amqp091.Delivery, nextAttempt int, delay time.Duration) amqp091.Publishing {
	headers := copyHeaders(d.Headers)
	headers[headerAttempt] = int32(nextAttempt)
	return amqp091.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	}
}

func deadLetterPublishing(d amqp091.Delivery, routingKey string, attempt int, cause error) amqp091.Publishing {
	headers := copyHeaders(d.Headers)
	headers[headerAttempt] = int32(attempt)
	headers[headerRoutingKey] = routingKey
	headers[headerOriginalError] = cause.Error()
	headers[headerFailedAt] = time.Now().UTC().Format(time.RFC3339)
	return amqp091.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
	}
}

// DeadLetter is one retained job as seen by operators.
type DeadLetter struct {
	RoutingKey string
	Attempt    int
	Error      string
	FailedAt   string
	Body       []byte
}

// Inspector reads and replays dead-lettered jobs.
type Inspector struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewInspector(url string) (*Inspector, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &Inspector{conn: conn, channel: ch}, nil
}

func (i *Inspector) Close() {
	_ = i.channel.Close()
	_ = i.conn.Close()
}

// Peek returns up to limit dead letters from queue's DLQ without removing them.
func (i *Inspector) Peek(queue string, limit int) ([]DeadLetter, error) {
	var (
		out  []DeadLetter
		last uint64
	)
	dlq := queue + ".dlq"
	for len(out) < limit {
		d, ok, err := i.channel.Get(dlq, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", dlq, err)
		}
		if !ok {
			break
		}
		last = d.DeliveryTag
		out = append(out, toDeadLetter(d))
	}
	if last > 0 {
		if err := i.channel.Nack(last, true, true); err != nil {
			return nil, fmt.Errorf("failed to requeue peeked messages: %w", err)
		}
	}
	return out, nil
}

// Replay moves up to limit dead letters back onto the jobs exchange with a
// fresh attempt budget and returns how many were moved.
func (i *Inspector) Replay(ctx context.Context, queue string, limit int) (int, error) {
	dlq := queue + ".dlq"
	moved := 0
	for moved < limit {
		d, ok, err := i.channel.Get(dlq, false)
		if err != nil {
			return moved, fmt.Errorf("failed to read %s: %w", dlq, err)
		}
		if !ok {
			break
		}
		dl := toDeadLetter(d)
		headers := copyHeaders(d.Headers)
		headers[headerAttempt] = int32(1)
		delete(headers, headerOriginalError)
		delete(headers, headerFailedAt)

		err = i.channel.PublishWithContext(ctx, ExchangeName, dl.RoutingKey, false, false, amqp091.Publishing{
			ContentType:  d.ContentType,
			Body:         d.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		})
		if err != nil {
			_ = d.Nack(false, true)
			return moved, fmt.Errorf("failed to republish: %w", err)
		}
		if err := d.Ack(false); err != nil {
			return moved, fmt.Errorf("failed to ack dead letter: %w", err)
		}
		moved++
	}
	return moved, nil
}

func toDeadLetter(d amqp091.Delivery) DeadLetter {
	return DeadLetter{
		RoutingKey: headerString(d.Headers, headerRoutingKey),
		Attempt:    attemptOf(d.Headers),
		Error:      headerString(d.Headers, headerOriginalError),
		FailedAt:   headerString(d.Headers, headerFailedAt),
		Body:       d.Body,
	}
}

func copyHeaders(in amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func headerString(h amqp091.Table, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

// attemptOf reads the 1-based attempt number; deliveries without the header
// are first attempts.
func attemptOf(h amqp091.Table) int {
	switch v := h[headerAttempt].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 1
	}
}
