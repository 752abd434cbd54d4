package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"mailpilot/pkg/circuitbreaker"
	"mailpilot/pkg/metrics"
)

const defaultMaxConcurrent = 4

// Guarded bounds concurrency and trips a breaker around a vendor client.
type Guarded struct {
	inner  Provider
	sem    *semaphore.Weighted
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

type GuardOption func(*Guarded)

func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guarded) { g.logger = logger }
}

func WithBreaker(cfg circuitbreaker.Config) GuardOption {
	return func(g *Guarded) { g.cb = circuitbreaker.NewCircuitBreaker(cfg) }
}

func NewGuarded(inner Provider, maxConcurrent int64, opts ...GuardOption) *Guarded {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	g := &Guarded{
		inner:  inner,
		sem:    semaphore.NewWeighted(maxConcurrent),
		cb:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Complete(ctx context.Context, req Request) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer g.sem.Release(1)

	start := time.Now()
	var out string
	err := g.cb.Execute(func() error {
		var err error
		out, err = g.inner.Complete(ctx, req)
		return err
	})

	status := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	metrics.RecordAICall(g.inner.Name(), status, time.Since(start))

	if err != nil {
		g.logger.Warn("AI completion failed",
			zap.String("provider", g.inner.Name()),
			zap.String("status", status),
			zap.Error(err),
		)
		return "", err
	}
	return out, nil
}
