package model

import "time"

type TriageStatus string

const (
	TriageStatusPending    TriageStatus = "pending"
	TriageStatusActed      TriageStatus = "acted"
	TriageStatusDismissed  TriageStatus = "dismissed"
	TriageStatusSnoozed    TriageStatus = "snoozed"
	TriageStatusProcessing TriageStatus = "processing" // claimed by an in-flight send or archive
)

type TriageActionKind string

const (
	ActionSendDraft TriageActionKind = "send-draft"
	ActionArchive   TriageActionKind = "archive"
	ActionDismiss   TriageActionKind = "dismiss"
	ActionSnooze    TriageActionKind = "snooze"
)

// TriageAction is one entry of an item's action menu.
type TriageAction struct {
	Kind   TriageActionKind `json:"kind"`
	Label  string           `json:"label"`
	Weight string           `json:"weight"` // primary, secondary, danger
}

// TriageItem is a unit of work waiting on the user.
type TriageItem struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	MessageID     *int64         `json:"message_id,omitempty"`
	Title         string         `json:"title"`
	Subtitle      string         `json:"subtitle"`
	IsUrgent      bool           `json:"is_urgent"`
	Source        string         `json:"source"`
	Actions       []TriageAction `json:"actions"`
	Status        TriageStatus   `json:"status"`
	DraftResponse string         `json:"draft_response,omitempty"`
	SnoozedUntil  *time.Time     `json:"snoozed_until,omitempty"`
	ActedAt       *time.Time     `json:"acted_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AutoHandledRecord is an append-only audit entry for an autonomous action.
type AutoHandledRecord struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	MessageID   *int64         `json:"message_id,omitempty"`
	Description string         `json:"description"`
	Source      string         `json:"source"`
	Action      string         `json:"action"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
