// Package triage creates work items for mail that needs the user and
// executes the actions offered on them.
package triage

import (
	"fmt"
	"strings"

	"mailpilot/internal/model"
)

// SourceClassifier tags items created by the classification pipeline.
const SourceClassifier = "classifier"

var defaultActions = []model.TriageAction{
	{Kind: model.ActionSendDraft, Label: "Send reply", Weight: "primary"},
	{Kind: model.ActionArchive, Label: "Archive", Weight: "secondary"},
	{Kind: model.ActionSnooze, Label: "Snooze", Weight: "secondary"},
	{Kind: model.ActionDismiss, Label: "Dismiss", Weight: "danger"},
}

// BuildItem returns the pending item for a message judged to need a human,
// or nil when it does not.
func BuildItem(userID int64, msg *model.Message, res model.ClassificationResult) *model.TriageItem {
	if !res.NeedsHuman {
		return nil
	}

	title := strings.TrimSpace(msg.Subject)
	if title == "" {
		title = "(no subject)"
	}
	detail := res.NeedsHumanReason
	if detail == "" {
		detail = res.Summary
	}

	msgID := msg.ID
	return &model.TriageItem{
		UserID:    userID,
		MessageID: &msgID,
		Title:     title,
		Subtitle:  fmt.Sprintf("%s · %s", displaySender(msg.From), detail),
		IsUrgent:  res.Category == model.CategoryUrgent,
		Source:    SourceClassifier,
		Actions:   append([]model.TriageAction(nil), defaultActions...),
		Status:    model.TriageStatusPending,
	}
}

// WantsDraft reports whether creating the item should also request a reply draft.
func WantsDraft(res model.ClassificationResult) bool {
	return res.NeedsHuman && res.Category == model.CategoryUrgent
}

func displaySender(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.Index(from, "<"); i > 0 {
		if name := strings.Trim(strings.TrimSpace(from[:i]), `"`); name != "" {
			return name
		}
	}
	if from == "" {
		return "unknown sender"
	}
	return from
}
