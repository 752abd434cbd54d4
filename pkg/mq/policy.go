package mq

import (
	"time"

	"mailpilot/pkg/config"
)

// Policy describes one durable queue: where it is bound, how many jobs run at
// once, and what happens when a job fails.
type Policy struct {
	Queue         string
	RoutingKey    string
	Concurrency   int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	DeadLetterMax int
}

// Decision is what the consumer does with a delivery after the handler ran.
type Decision int

const (
	DecisionAck Decision = iota
	DecisionRetry
	DecisionDeadLetter
)

func (d Decision) String() string {
	switch d {
	case DecisionAck:
		return "ok"
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// PolicyFromConfig fills in defaults for anything left zero in cfg.
func PolicyFromConfig(queue, routingKey string, cfg config.QueueConfig) Policy {
	p := Policy{
		Queue:         queue,
		RoutingKey:    routingKey,
		Concurrency:   cfg.Concurrency,
		MaxAttempts:   cfg.MaxAttempts,
		BaseBackoff:   cfg.BaseBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		DeadLetterMax: cfg.DeadLetterMax,
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Minute
	}
	if p.DeadLetterMax <= 0 {
		p.DeadLetterMax = 1000
	}
	return p
}

// Backoff returns the delay before attempt+1 is delivered:
// base * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff || d <= 0 {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Decide maps a handler result on the given (1-based) attempt to a Decision.
func (p Policy) Decide(err error, attempt int) Decision {
	if err == nil {
		return DecisionAck
	}
	if IsPermanent(err) {
		return DecisionDeadLetter
	}
	if attempt >= p.MaxAttempts {
		return DecisionDeadLetter
	}
	return DecisionRetry
}

func (p Policy) retryQueue() string { return p.Queue + ".retry" }

// DeadLetterQueue is the bounded queue holding jobs that exhausted their attempts.
func (p Policy) DeadLetterQueue() string { return p.Queue + ".dlq" }
