package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

type AccountStore interface {
	GetOwnedAccount(ctx context.Context, userID, id int64) (*model.MailAccount, error)
	Deactivate(ctx context.Context, userID, id int64) error
}

type AccountHandler struct {
	accounts  AccountStore
	publisher JobPublisher
	logger    *zap.Logger
}

func NewAccountHandler(accounts AccountStore, publisher JobPublisher, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, publisher: publisher, logger: logger}
}

// Sync handles POST /api/accounts/:id/sync
func (h *AccountHandler) Sync(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	acct, err := h.accounts.GetOwnedAccount(ctx, userID, id)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to load account", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	if !acct.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "account is deactivated"})
		return
	}
	if acct.ReauthRequired {
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox needs to be reconnected"})
		return
	}

	job := syncJob(mqcontracts.SyncIncremental, *acct, "", trace.FromContext(ctx))
	if err := h.publisher.Publish(ctx, mqcontracts.RoutingKeySync, job); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to enqueue sync", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to enqueue sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// Deactivate handles DELETE /api/accounts/:id
func (h *AccountHandler) Deactivate(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	err := h.accounts.Deactivate(c.Request.Context(), userID, id)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to deactivate account", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate account"})
		return
	}
	c.Status(http.StatusNoContent)
}
