package model

// Auto-handle actions a classifier may request.
const (
	AutoActionArchived   = "archived"
	AutoActionLabeled    = "labeled"
	AutoActionMarkedRead = "marked_read"
)

// ClassificationResult is produced once per message by a single cascade tier.
type ClassificationResult struct {
	Category         Category `json:"category"`
	Priority         int      `json:"priority"`
	Summary          string   `json:"summary"`
	NeedsHuman       bool     `json:"needs_human"`
	NeedsHumanReason string   `json:"needs_human_reason,omitempty"`
	CanAutoHandle    bool     `json:"can_auto_handle"`
	AutoHandleAction string   `json:"auto_handle_action,omitempty"`
	Tier             string   `json:"-"`
}
