// Package autohandle applies classifier-chosen actions to low-value mail and
// keeps an audit trail of every attempt.
package autohandle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/provider"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
)

// Source tags audit records written here.
const Source = "autohandle"

// Remote outcomes recorded in the audit metadata.
const (
	RemoteOK        = "ok"
	RemoteFailed    = "failed"
	RemoteNotWired  = "not_wired"
	RemoteSkipped   = "skipped"
	RemoteNoMessage = "message_missing"
)

type Store interface {
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetAccount(ctx context.Context, id int64) (*model.MailAccount, error)
	// InsertAutoHandled appends rec unless a record with dedupKey exists.
	InsertAutoHandled(ctx context.Context, rec *model.AutoHandledRecord, dedupKey string) (bool, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountID int64) (string, error)
}

type Executor struct {
	store     Store
	tokens    TokenSource
	providers *provider.Registry
	logger    *zap.Logger
}

func NewExecutor(store Store, tokens TokenSource, providers *provider.Registry, logger *zap.Logger) *Executor {
	return &Executor{
		store:     store,
		tokens:    tokens,
		providers: providers,
		logger:    logger,
	}
}

// Execute performs the remote action and always writes one audit record.
// Remote failures are logged and swallowed; only a failed audit write is
// returned, so the job is retried until the record exists.
func (e *Executor) Execute(ctx context.Context, job mqcontracts.AutoHandleJobPayload) (*model.AutoHandledRecord, error) {
	log := logger.WithTrace(ctx, e.logger).With(
		zap.Int64("message_id", job.MessageID),
		zap.String("action", job.Action),
	)

	meta := map[string]any{
		"category":   job.Category,
		"action":     job.Action,
		"account_id": job.AccountID,
	}
	rec := &model.AutoHandledRecord{
		UserID: job.UserID,
		Source: Source,
		Action: job.Action,
	}

	msg, err := e.store.GetMessage(ctx, job.MessageID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		meta["remote_status"] = RemoteNoMessage
		rec.Description = describe(job.Category, job.Action, "", "")
	case err != nil:
		return nil, fmt.Errorf("load message: %w", err)
	default:
		msgID := msg.ID
		rec.MessageID = &msgID
		rec.Description = describe(job.Category, job.Action, msg.From, msg.Subject)
		meta["provider_message_id"] = msg.ProviderMessageID
		meta["subject"] = msg.Subject
		meta["from"] = msg.From

		status, remoteErr := e.applyRemote(ctx, job, msg)
		meta["remote_status"] = status
		if remoteErr != nil {
			meta["error"] = remoteErr.Error()
			log.Warn("Auto-handle remote action failed, recording anyway", zap.Error(remoteErr))
		}
	}
	rec.Metadata = meta

	inserted, err := e.store.InsertAutoHandled(ctx, rec, dedupKey(job))
	if err != nil {
		return nil, fmt.Errorf("write audit record: %w", err)
	}

	status, _ := meta["remote_status"].(string)
	if inserted {
		metrics.IncrementAutoHandled(job.Action, status)
	}
	log.Info("Auto-handle recorded",
		zap.String("remote_status", status),
		zap.Bool("duplicate", !inserted),
	)
	return rec, nil
}

func (e *Executor) applyRemote(ctx context.Context, job mqcontracts.AutoHandleJobPayload, msg *model.Message) (string, error) {
	acct, err := e.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return RemoteFailed, fmt.Errorf("load account: %w", err)
	}
	if !acct.IsActive {
		return RemoteSkipped, nil
	}

	if job.Action != model.AutoActionArchived {
		return RemoteNotWired, nil
	}

	p, err := e.providers.Get(acct.Provider)
	if err != nil {
		return RemoteFailed, err
	}
	token, err := e.tokens.GetValidAccessToken(ctx, acct.ID)
	if err != nil {
		return RemoteFailed, err
	}
	if err := p.Archive(ctx, token, msg.ProviderMessageID); err != nil {
		return RemoteFailed, err
	}
	return RemoteOK, nil
}

func dedupKey(job mqcontracts.AutoHandleJobPayload) string {
	return fmt.Sprintf("%d:%s", job.MessageID, job.Action)
}

// describe renders a sentence readable without the message row.
func describe(category, action, from, subject string) string {
	verb := map[string]string{
		model.AutoActionArchived:   "Archived",
		model.AutoActionLabeled:    "Labeled",
		model.AutoActionMarkedRead: "Marked as read",
	}[action]
	if verb == "" {
		verb = "Handled (" + action + ")"
	}

	kind := strings.ReplaceAll(category, "_", " ")
	if kind == "" {
		kind = "uncategorized"
	}

	desc := fmt.Sprintf("%s %s email", verb, kind)
	if from != "" {
		desc += " from " + from
	}
	if subject != "" {
		desc += fmt.Sprintf(": %q", subject)
	}
	return desc
}
