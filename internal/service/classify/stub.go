package classify

import (
	"context"
	"strings"

	"mailpilot/internal/model"
)

const noSubject = "(no subject)"

// StubTier is the keyword fallback used when the model is off or failing.
// It answers for every input.
type StubTier struct{}

func NewStubTier() *StubTier { return &StubTier{} }

func (*StubTier) Name() string { return "stub" }

type stubRule struct {
	keywords []string
	category model.Category
	priority int
	human    bool
	reason   string
}

// 顺序即优先级
var stubRules = []stubRule{
	{keywords: []string{"urgent", "asap", "emergency", "immediately", "right away"}, category: model.CategoryUrgent, priority: 85, human: true, reason: "sender flagged this as urgent"},
	{keywords: []string{"action required", "please review", "please approve", "deadline", "sign the", "can you", "could you", "respond by"}, category: model.CategoryActionRequired, priority: 60},
	{keywords: []string{"receipt", "invoice", "order confirmation", "payment"}, category: model.CategoryReceipt, priority: 20},
	{keywords: []string{"unsubscribe", "newsletter", "digest"}, category: model.CategoryNewsletter, priority: 15},
	{keywords: []string{"meeting", "calendar", "invitation", "agenda", "project", "standup"}, category: model.CategoryWork, priority: 50},
	{keywords: []string{"sale", "% off", "discount", "coupon"}, category: model.CategoryPromotional, priority: 10},
}

func (*StubTier) Classify(_ context.Context, msg *model.Message) (*model.ClassificationResult, error) {
	text := strings.ToLower(msg.Subject + " " + msg.Snippet + " " + msg.BodyText)

	summary := strings.TrimSpace(msg.Subject)
	if summary == "" {
		summary = noSubject
	}

	res := &model.ClassificationResult{
		Category: model.CategoryFYI,
		Priority: 30,
		Summary:  summary,
	}

	for _, rule := range stubRules {
		if containsAny(text, rule.keywords) {
			res.Category = rule.category
			res.Priority = rule.priority
			res.NeedsHuman = rule.human
			res.NeedsHumanReason = rule.reason
			return res, nil
		}
	}

	if local, _ := sender(msg.From); localMatches(local, noReplyLocals) {
		res.Category = model.CategoryNotification
		res.Priority = 20
	}
	return res, nil
}
