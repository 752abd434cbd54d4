// Package mailsync reconciles remote mailbox state into local storage.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/provider"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/outbox"
)

const (
	// InitialWindow bounds how far back the first sync of an account reaches.
	InitialWindow = 30 * 24 * time.Hour

	classifyBatchSize = 50
)

var ErrUnknownTrigger = errors.New("unknown sync trigger")

type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*model.MailAccount, error)
	MarkSyncing(ctx context.Context, id int64) error
	MarkSyncFailed(ctx context.Context, id int64, reason string) error
	// MarkSynced stores cursor, stamps last_sync_at and clears the error.
	MarkSynced(ctx context.Context, id int64, cursor string, at time.Time) error
}

type MessageStore interface {
	// SaveSyncBatch inserts msgs, ignoring ones already stored for the
	// account, and returns only the ids of rows it actually created. The jobs
	// returned by follow for those ids commit in the same transaction.
	SaveSyncBatch(ctx context.Context, accountID int64, msgs []model.Message, follow func(newIDs []int64) []outbox.Job) ([]int64, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountID int64) (string, error)
}

// Result summarises one sync run.
type Result struct {
	Fetched  int
	Inserted []int64
	Cursor   string
	Stale    bool
	Skipped  bool
}

type Orchestrator struct {
	accounts  AccountStore
	messages  MessageStore
	tokens    TokenSource
	providers *provider.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrchestrator(accounts AccountStore, messages MessageStore, tokens TokenSource, providers *provider.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		accounts:  accounts,
		messages:  messages,
		tokens:    tokens,
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
}

// Sync runs one initial, incremental or webhook-push sync. Errors are
// returned for the job substrate to retry after the account is marked error.
func (o *Orchestrator) Sync(ctx context.Context, job mqcontracts.SyncJobPayload) (*Result, error) {
	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("account_id", job.AccountID),
		zap.String("trigger", job.Type),
	)

	acct, err := o.accounts.GetAccount(ctx, job.AccountID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Info("Account gone, sync skipped")
			return &Result{Skipped: true}, nil
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acct.IsActive || acct.ReauthRequired {
		log.Info("Account inactive or awaiting reauth, sync skipped",
			zap.Bool("active", acct.IsActive),
			zap.Bool("reauth_required", acct.ReauthRequired),
		)
		return &Result{Skipped: true, Cursor: acct.SyncCursor}, nil
	}

	var cursor string
	switch job.Type {
	case mqcontracts.SyncInitial:
	case mqcontracts.SyncIncremental:
		cursor = acct.SyncCursor
	case mqcontracts.SyncWebhookPush:
		cursor = pushCursor(acct.SyncCursor, job.HistoryMarker)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, job.Type)
	}

	// 没有游标时增量同步什么也不做，等待下一个窗口或推送
	if job.Type != mqcontracts.SyncInitial && cursor == "" {
		if err := o.accounts.MarkSynced(ctx, acct.ID, "", o.now()); err != nil {
			return nil, fmt.Errorf("mark synced: %w", err)
		}
		metrics.RecordSync(job.Type, "no_cursor", 0, 0)
		log.Debug("No cursor yet, incremental sync is a no-op")
		return &Result{}, nil
	}

	if err := o.accounts.MarkSyncing(ctx, acct.ID); err != nil {
		return nil, fmt.Errorf("mark syncing: %w", err)
	}

	res, err := o.fetch(ctx, acct, job.Type, cursor)
	if err != nil {
		return nil, o.fail(ctx, log, acct.ID, job.Type, err)
	}
	if res.Stale {
		log.Warn("Sync cursor rejected by provider, full resync needed", zap.String("cursor", cursor))
	}

	traceID := job.TraceID
	inserted, err := o.messages.SaveSyncBatch(ctx, acct.ID, res.Messages, func(newIDs []int64) []outbox.Job {
		return classifyJobs(acct.UserID, newIDs, traceID)
	})
	if err != nil {
		return nil, o.fail(ctx, log, acct.ID, job.Type, fmt.Errorf("save messages: %w", err))
	}

	if err := o.accounts.MarkSynced(ctx, acct.ID, res.Cursor, o.now()); err != nil {
		return nil, o.fail(ctx, log, acct.ID, job.Type, fmt.Errorf("mark synced: %w", err))
	}

	metrics.RecordSync(job.Type, "ok", len(res.Messages), len(inserted))
	log.Info("Sync completed",
		zap.Int("fetched", len(res.Messages)),
		zap.Int("inserted", len(inserted)),
		zap.String("cursor", res.Cursor),
	)
	return &Result{
		Fetched:  len(res.Messages),
		Inserted: inserted,
		Cursor:   res.Cursor,
		Stale:    res.Stale,
	}, nil
}

// pushCursor seeds a webhook sync. A pushed history id is the mailbox's
// current position, so starting there skips the change that caused the push;
// when both markers are numeric the earlier one wins. Opaque markers fall
// back to the pushed one.
func pushCursor(stored, pushed string) string {
	if pushed == "" {
		return stored
	}
	if stored == "" {
		return pushed
	}
	s, errS := strconv.ParseUint(stored, 10, 64)
	p, errP := strconv.ParseUint(pushed, 10, 64)
	if errS != nil || errP != nil {
		return pushed
	}
	if s < p {
		return stored
	}
	return pushed
}

func (o *Orchestrator) fetch(ctx context.Context, acct *model.MailAccount, trigger, cursor string) (*provider.SyncResult, error) {
	p, err := o.providers.Get(acct.Provider)
	if err != nil {
		return nil, err
	}
	token, err := o.tokens.GetValidAccessToken(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	if trigger == mqcontracts.SyncInitial {
		return p.InitialSync(ctx, token, o.now().Add(-InitialWindow))
	}
	return p.IncrementalSync(ctx, token, cursor)
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, accountID int64, trigger string, cause error) error {
	if err := o.accounts.MarkSyncFailed(ctx, accountID, cause.Error()); err != nil {
		log.Error("Failed to record sync failure", zap.Error(err))
	}
	metrics.RecordSync(trigger, "error", 0, 0)
	log.Warn("Sync failed", zap.Error(cause))
	return cause
}

// classifyJobs splits newly inserted ids into classification jobs.
func classifyJobs(userID int64, ids []int64, traceID string) []outbox.Job {
	var jobs []outbox.Job
	for start := 0; start < len(ids); start += classifyBatchSize {
		end := min(start+classifyBatchSize, len(ids))
		jobs = append(jobs, outbox.Job{
			AggregateType: "message_batch",
			RoutingKey:    mqcontracts.RoutingKeyClassify,
			Payload: mqcontracts.ClassifyJobPayload{
				Type:       mqcontracts.JobClassify,
				MessageIDs: append([]int64(nil), ids[start:end]...),
				UserID:     userID,
				TraceID:    traceID,
			},
		})
	}
	return jobs
}
