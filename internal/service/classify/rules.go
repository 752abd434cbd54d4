package classify

import (
	"context"
	"fmt"
	"strings"

	"mailpilot/internal/model"
)

// RulesTier recognises bulk mail that can be filed without a model call.
// Every category needs at least two independent signals.
type RulesTier struct{}

func NewRulesTier() *RulesTier { return &RulesTier{} }

func (RulesTier) Name() string { return "rules" }

func (RulesTier) Classify(_ context.Context, msg *model.Message) (*model.ClassificationResult, error) {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.BodyText + " " + msg.Snippet)
	if msg.BodyText == "" {
		body += " " + strings.ToLower(msg.BodyHTML)
	}
	local, domain := sender(msg.From)
	unsubscribe := containsAny(body, unsubscribePhrases)
	from := senderName(msg.From)

	// 回复/转发一律交给下一层
	if isReplyOrForward(subject) {
		return nil, nil
	}

	switch {
	case isReceipt(subject, body, local):
		return &model.ClassificationResult{
			Category:         model.CategoryReceipt,
			Priority:         15,
			Summary:          fmt.Sprintf("Receipt from %s: %s", from, msg.Subject),
			CanAutoHandle:    true,
			AutoHandleAction: model.AutoActionLabeled,
		}, nil

	case isPromotional(subject, local, unsubscribe):
		return &model.ClassificationResult{
			Category:         model.CategoryPromotional,
			Priority:         5,
			Summary:          fmt.Sprintf("Promotion from %s: %s", from, msg.Subject),
			CanAutoHandle:    true,
			AutoHandleAction: model.AutoActionArchived,
		}, nil

	case isNewsletter(subject, local, domain, unsubscribe):
		return &model.ClassificationResult{
			Category:         model.CategoryNewsletter,
			Priority:         10,
			Summary:          fmt.Sprintf("Newsletter from %s: %s", from, msg.Subject),
			CanAutoHandle:    true,
			AutoHandleAction: model.AutoActionArchived,
		}, nil
	}
	return nil, nil
}

func isReceipt(subject, body, local string) bool {
	if !containsWord(subject, receiptSubjects) {
		return false
	}
	return localMatches(local, receiptLocals) || localMatches(local, noReplyLocals) || containsAny(body, receiptBody)
}

// isPromotional needs a promo subject, a marketing or no-reply sender, and a
// bulk-mail marker. A role mailbox such as sales@ is not bulk mail by itself.
func isPromotional(subject, local string, unsubscribe bool) bool {
	if !containsWord(subject, promoSubjects) {
		return false
	}
	noReply := localMatches(local, noReplyLocals)
	if !localMatches(local, promoLocals) && !noReply {
		return false
	}
	return unsubscribe || noReply
}

func isNewsletter(subject, local, domain string, unsubscribe bool) bool {
	if !unsubscribe {
		return false
	}
	bulkSender := localMatches(local, newsletterLocals) || localMatches(local, noReplyLocals)
	for _, d := range newsletterDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			bulkSender = true
		}
	}
	return bulkSender || containsWord(subject, newsletterSubjects)
}
