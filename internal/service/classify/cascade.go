// Package classify runs every new message through the rules, AI and stub
// tiers and persists the outcome together with its follow-up jobs.
package classify

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
)

const maxSummaryLen = 280

// Tier is one stage of the cascade. A nil result with a nil error means the
// tier had no confident answer and the next one should be tried.
type Tier interface {
	Name() string
	Classify(ctx context.Context, msg *model.Message) (*model.ClassificationResult, error)
}

type Cascade struct {
	tiers    []Tier
	fallback *StubTier
	logger   *zap.Logger
}

// NewCascade tries tiers in order and ends with the stub tier, which always answers.
func NewCascade(logger *zap.Logger, tiers ...Tier) *Cascade {
	return &Cascade{
		tiers:    tiers,
		fallback: NewStubTier(),
		logger:   logger,
	}
}

// Classify never fails; the first tier to answer wins.
func (c *Cascade) Classify(ctx context.Context, msg *model.Message) model.ClassificationResult {
	log := logger.WithTrace(ctx, c.logger)

	for _, tier := range c.tiers {
		res, err := tier.Classify(ctx, msg)
		if err != nil {
			log.Warn("Classification tier failed, falling through",
				zap.String("tier", tier.Name()),
				zap.Int64("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if res == nil {
			continue
		}
		return c.finish(tier.Name(), *res)
	}

	res, _ := c.fallback.Classify(ctx, msg)
	return c.finish(c.fallback.Name(), *res)
}

func (c *Cascade) finish(tier string, res model.ClassificationResult) model.ClassificationResult {
	res = Normalize(res)
	res.Tier = tier
	metrics.IncrementClassification(tier, string(res.Category))
	return res
}

// Normalize clamps a tier's output into the persisted shape. needs-human and
// can-auto-handle are exclusive; needs-human wins.
func Normalize(res model.ClassificationResult) model.ClassificationResult {
	if !res.Category.Valid() {
		res.Category = model.CategoryUncategorized
	}
	res.Priority = max(0, min(100, res.Priority))

	res.Summary = strings.TrimSpace(res.Summary)
	if utf8.RuneCountInString(res.Summary) > maxSummaryLen {
		res.Summary = string([]rune(res.Summary)[:maxSummaryLen])
	}

	if !res.NeedsHuman {
		res.NeedsHumanReason = ""
	} else {
		res.CanAutoHandle = false
	}
	if res.CanAutoHandle && !validAutoAction(res.AutoHandleAction) {
		res.CanAutoHandle = false
	}
	if !res.CanAutoHandle {
		res.AutoHandleAction = ""
	}
	return res
}

func validAutoAction(action string) bool {
	switch action {
	case model.AutoActionArchived, model.AutoActionLabeled, model.AutoActionMarkedRead:
		return true
	}
	return false
}
