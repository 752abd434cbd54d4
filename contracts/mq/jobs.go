package mq

// Routing keys and queues of the three job pipelines.
const (
	RoutingKeySync       = "mail.sync"
	RoutingKeyClassify   = "mail.classify"
	RoutingKeyAutoHandle = "mail.autohandle"

	QueueSync       = "mail.sync.q"
	QueueClassify   = "mail.classify.q"
	QueueAutoHandle = "mail.autohandle.q"
)

// Sync job types.
const (
	SyncInitial     = "initial"
	SyncIncremental = "incremental"
	SyncWebhookPush = "webhook-push"
)

// Classification queue job types.
const (
	JobClassify      = "classify"
	JobDraftResponse = "draft-response"
)

// SyncJobPayload triggers one sync run for an account.
type SyncJobPayload struct {
	Type          string `json:"type"`
	AccountID     int64  `json:"account_id"`
	UserID        int64  `json:"user_id"`
	HistoryMarker string `json:"history_marker,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// ClassifyJobPayload asks for classification of newly inserted messages.
type ClassifyJobPayload struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"message_ids"`
	UserID     int64   `json:"user_id"`
	TraceID    string  `json:"trace_id,omitempty"`
}

// DraftJobPayload asks for a reply draft for a pending triage item.
type DraftJobPayload struct {
	Type         string `json:"type"`
	MessageID    int64  `json:"message_id"`
	TriageItemID int64  `json:"triage_item_id"`
	UserID       int64  `json:"user_id"`
	TraceID      string `json:"trace_id,omitempty"`
}

// AutoHandleJobPayload carries the remote action chosen by the classifier.
type AutoHandleJobPayload struct {
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	AccountID int64  `json:"account_id"`
	Action    string `json:"action"`
	Category  string `json:"category"`
	TraceID   string `json:"trace_id,omitempty"`
}
