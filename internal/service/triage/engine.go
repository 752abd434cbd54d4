package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/internal/provider"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
)

var (
	ErrNotPending    = model.ErrNotPending
	ErrUnknownAction = errors.New("unknown triage action")
	ErrEmptyDraft    = errors.New("no draft to send")
	ErrBadSnooze     = errors.New("snooze time must be in the future")
	ErrNoMessage     = errors.New("triage item has no source message")
)

// claimTTL bounds how long a crashed send or archive keeps an item claimed.
const claimTTL = 10 * time.Minute

type Store interface {
	GetItem(ctx context.Context, userID, itemID int64) (*model.TriageItem, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetAccount(ctx context.Context, id int64) (*model.MailAccount, error)
	// Transition moves a pending item to status; ErrNotPending when it was
	// no longer pending.
	Transition(ctx context.Context, itemID int64, status model.TriageStatus, snoozedUntil *time.Time, at time.Time) error
	// Claim moves a pending item to processing; ErrNotPending when another
	// caller got there first.
	Claim(ctx context.Context, itemID int64, at time.Time) error
	// Release returns a processing item to pending.
	Release(ctx context.Context, itemID int64) error
	// Complete moves a processing item to acted.
	Complete(ctx context.Context, itemID int64, at time.Time) error
	// ReleaseStaleClaims returns items claimed before the cutoff to pending.
	ReleaseStaleClaims(ctx context.Context, before time.Time) ([]int64, error)
	CountPending(ctx context.Context, userID int64) (int64, error)
	// WakeSnoozed returns due snoozed items to pending and reports whose they were.
	WakeSnoozed(ctx context.Context, now time.Time) ([]int64, error)
}

type CountCache interface {
	Get(ctx context.Context, userID int64) (int64, bool)
	Set(ctx context.Context, userID int64, n int64)
	Invalidate(ctx context.Context, userID int64)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountID int64) (string, error)
}

// ActionRequest is a user's choice on an item. Body overrides the stored
// draft for send-draft; SnoozeUntil is required for snooze.
type ActionRequest struct {
	Action      model.TriageActionKind `json:"action" binding:"required"`
	Body        string                 `json:"body"`
	SnoozeUntil *time.Time             `json:"snooze_until"`
}

type Engine struct {
	store     Store
	cache     CountCache
	tokens    TokenSource
	providers *provider.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(store Store, cache CountCache, tokens TokenSource, providers *provider.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		cache:     cache,
		tokens:    tokens,
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute validates the item is pending, performs the remote side effect
// under a claim and then transitions the item.
func (e *Engine) Execute(ctx context.Context, userID, itemID int64, req ActionRequest) (*model.TriageItem, error) {
	log := logger.WithTrace(ctx, e.logger).With(
		zap.Int64("triage_item_id", itemID),
		zap.String("action", string(req.Action)),
	)

	item, err := e.store.GetItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != model.TriageStatusPending {
		metrics.IncrementTriageAction(string(req.Action), "rejected")
		return nil, fmt.Errorf("%w: status %s", ErrNotPending, item.Status)
	}

	now := e.now()
	var snoozedUntil *time.Time

	switch req.Action {
	case model.ActionSendDraft, model.ActionArchive:
		if err := e.claimAndRun(ctx, log, item, req, now); err != nil {
			return nil, err
		}
		item.Status = model.TriageStatusActed
		item.ActedAt = &now

	case model.ActionDismiss, model.ActionSnooze:
		status := model.TriageStatusDismissed
		if req.Action == model.ActionSnooze {
			if req.SnoozeUntil == nil || !req.SnoozeUntil.After(now) {
				return nil, ErrBadSnooze
			}
			status = model.TriageStatusSnoozed
			until := req.SnoozeUntil.UTC()
			snoozedUntil = &until
		}
		if err := e.store.Transition(ctx, item.ID, status, snoozedUntil, now); err != nil {
			if errors.Is(err, ErrNotPending) {
				metrics.IncrementTriageAction(string(req.Action), "rejected")
			}
			return nil, err
		}
		item.Status = status
		item.SnoozedUntil = snoozedUntil
		if status == model.TriageStatusDismissed {
			item.ActedAt = &now
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	e.cache.Invalidate(ctx, userID)
	metrics.IncrementTriageAction(string(req.Action), "ok")
	log.Info("Triage action executed", zap.String("status", string(item.Status)))
	return item, nil
}

// claimAndRun holds the item in processing for the duration of the remote
// call, so a concurrent request for the same item is rejected before it
// reaches the provider. A failed call hands the item back as pending.
func (e *Engine) claimAndRun(ctx context.Context, log *zap.Logger, item *model.TriageItem, req ActionRequest, now time.Time) error {
	if err := e.store.Claim(ctx, item.ID, now); err != nil {
		if errors.Is(err, ErrNotPending) {
			metrics.IncrementTriageAction(string(req.Action), "rejected")
		}
		return err
	}

	var err error
	if req.Action == model.ActionSendDraft {
		err = e.sendDraft(ctx, item, req.Body)
	} else {
		err = e.archive(ctx, item)
	}
	if err != nil {
		metrics.IncrementTriageAction(string(req.Action), "error")
		// 请求可能已取消，释放用独立的 context
		if rerr := e.store.Release(context.WithoutCancel(ctx), item.ID); rerr != nil {
			log.Error("Failed to release triage claim", zap.Error(rerr))
		}
		return err
	}

	if err := e.store.Complete(context.WithoutCancel(ctx), item.ID, now); err != nil {
		// 远端已生效，保持 processing 直到过期回收
		log.Error("Failed to complete triage item after remote action", zap.Error(err))
		return fmt.Errorf("complete triage item: %w", err)
	}
	return nil
}

func (e *Engine) sendDraft(ctx context.Context, item *model.TriageItem, override string) error {
	body := strings.TrimSpace(override)
	if body == "" {
		body = strings.TrimSpace(item.DraftResponse)
	}
	if body == "" {
		return ErrEmptyDraft
	}

	msg, p, token, err := e.remote(ctx, item)
	if err != nil {
		return err
	}

	subject := msg.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	_, err = p.SendDraft(ctx, token, provider.OutgoingMessage{
		To:         []string{msg.From},
		Subject:    subject,
		Body:       body,
		ThreadID:   msg.ThreadID,
		InReplyTo:  msg.InternetMessageID,
		References: msg.InternetMessageID,
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (e *Engine) archive(ctx context.Context, item *model.TriageItem) error {
	// 没有关联邮件时只改状态
	if item.MessageID == nil {
		return nil
	}
	msg, p, token, err := e.remote(ctx, item)
	if err != nil {
		return err
	}
	if err := p.Archive(ctx, token, msg.ProviderMessageID); err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// remote resolves the source message, its provider and a fresh token.
func (e *Engine) remote(ctx context.Context, item *model.TriageItem) (*model.Message, provider.Provider, string, error) {
	if item.MessageID == nil {
		return nil, nil, "", ErrNoMessage
	}
	msg, err := e.store.GetMessage(ctx, *item.MessageID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load message: %w", err)
	}
	acct, err := e.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load account: %w", err)
	}
	p, err := e.providers.Get(acct.Provider)
	if err != nil {
		return nil, nil, "", err
	}
	token, err := e.tokens.GetValidAccessToken(ctx, acct.ID)
	if err != nil {
		return nil, nil, "", err
	}
	return msg, p, token, nil
}

// CountPending returns the user's pending item count, cached between actions.
func (e *Engine) CountPending(ctx context.Context, userID int64) (int64, error) {
	if n, ok := e.cache.Get(ctx, userID); ok {
		return n, nil
	}
	n, err := e.store.CountPending(ctx, userID)
	if err != nil {
		return 0, err
	}
	e.cache.Set(ctx, userID, n)
	return n, nil
}

// WakeSnoozed re-presents snoozed items whose time has come and frees
// claims left behind by a crashed send or archive.
func (e *Engine) WakeSnoozed(ctx context.Context) (int, error) {
	now := e.now()
	stale, err := e.store.ReleaseStaleClaims(ctx, now.Add(-claimTTL))
	if err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		e.logger.Warn("Released stale triage claims", zap.Int("count", len(stale)))
	}
	users, err := e.store.WakeSnoozed(ctx, now)
	if err != nil {
		return 0, err
	}
	users = append(users, stale...)
	seen := make(map[int64]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		e.cache.Invalidate(ctx, u)
	}
	return len(users), nil
}
