package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/provider/gmail"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

type AddressLookup interface {
	FindActiveByAddress(ctx context.Context, provider, address string) ([]model.MailAccount, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// pubsubEnvelope is the body Cloud Pub/Sub POSTs to a push subscription.
type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

const pushScope = "gmail-push"

// gmailNotification is the decoded message.data of a Gmail watch push.
type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// WebhookHandler turns provider push notifications into sync jobs.
type WebhookHandler struct {
	accounts    AddressLookup
	deduper     Deduper
	publisher   JobPublisher
	verifyToken string
	logger      *zap.Logger
}

func NewWebhookHandler(accounts AddressLookup, deduper Deduper, publisher JobPublisher, verifyToken string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		accounts:    accounts,
		deduper:     deduper,
		publisher:   publisher,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// GmailPush handles POST /api/webhooks/gmail
//
// Pub/Sub retries anything but 2xx, so malformed pushes are acknowledged
// with 400 only when retrying could never help.
func (h *WebhookHandler) GmailPush(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	if h.verifyToken != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.verifyToken)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid verification token"})
		return
	}

	var env pubsubEnvelope
	if err := c.ShouldBindJSON(&env); err != nil || env.Message.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message data"})
		return
	}
	var note gmailNotification
	if err := json.Unmarshal(data, &note); err != nil || note.EmailAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		return
	}

	// 查询失败不占用去重键，Pub/Sub 重投时还能处理
	accounts, err := h.accounts.FindActiveByAddress(ctx, gmail.ProviderName, note.EmailAddress)
	if err != nil {
		log.Error("Failed to resolve push address", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if len(accounts) == 0 {
		log.Debug("Push for unknown mailbox ignored", zap.String("email_address", note.EmailAddress))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	msgID := env.Message.MessageID
	if msgID != "" && !h.deduper.AcquireOnce(ctx, pushScope, msgID) {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	traceID := trace.FromContext(ctx)
	queued := 0
	for _, a := range accounts {
		job := syncJob(mqcontracts.SyncWebhookPush, a, note.HistoryID.String(), traceID)
		if err := h.publisher.Publish(ctx, mqcontracts.RoutingKeySync, job); err != nil {
			log.Error("Failed to enqueue push sync", zap.Int64("account_id", a.ID), zap.Error(err))
			continue
		}
		queued++
	}

	if queued == 0 {
		if msgID != "" {
			h.deduper.Release(ctx, pushScope, msgID)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	log.Info("Gmail push accepted",
		zap.String("pubsub_message_id", env.Message.MessageID),
		zap.Int("accounts", len(accounts)),
		zap.Int("queued", queued),
	)
	c.JSON(http.StatusOK, gin.H{"status": "queued", "jobs": queued})
}
