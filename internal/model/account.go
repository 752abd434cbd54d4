package model

import "time"

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// MailAccount is one external mailbox linked to a user.
// (UserID, Provider, EmailAddress) is unique.
type MailAccount struct {
	ID             int64
	UserID         int64
	Provider       string
	EmailAddress   string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	SyncCursor     string
	SyncStatus     SyncStatus
	SyncError      string
	LastSyncAt     *time.Time
	IsActive       bool
	ReauthRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
