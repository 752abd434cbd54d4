package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/internal/service/token"
	"mailpilot/internal/service/triage"
	"mailpilot/pkg/logger"
)

type TriageEngine interface {
	Execute(ctx context.Context, userID, itemID int64, req triage.ActionRequest) (*model.TriageItem, error)
	CountPending(ctx context.Context, userID int64) (int64, error)
}

type TriageReader interface {
	ListPending(ctx context.Context, userID int64, limit int) ([]*model.TriageItem, error)
	ListAutoHandled(ctx context.Context, userID int64, limit int) ([]model.AutoHandledRecord, error)
}

type TriageHandler struct {
	engine TriageEngine
	reader TriageReader
	logger *zap.Logger
}

func NewTriageHandler(engine TriageEngine, reader TriageReader, logger *zap.Logger) *TriageHandler {
	return &TriageHandler{engine: engine, reader: reader, logger: logger}
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

// List handles GET /api/triage
func (h *TriageHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	items, err := h.reader.ListPending(c.Request.Context(), userID, listLimit(c))
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list triage items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list items"})
		return
	}
	if items == nil {
		items = []*model.TriageItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Counts handles GET /api/triage/counts
func (h *TriageHandler) Counts(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.engine.CountPending(c.Request.Context(), userID)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to count triage items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count items"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": n})
}

// Act handles POST /api/triage/:id/actions
func (h *TriageHandler) Act(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := pathID(c)
	if !ok {
		return
	}

	var req triage.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	item, err := h.engine.Execute(c.Request.Context(), userID, itemID, req)
	if err != nil {
		status, msg := actionError(err)
		if status >= http.StatusInternalServerError {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Triage action failed",
				zap.Int64("triage_item_id", itemID),
				zap.String("action", string(req.Action)),
				zap.Error(err),
			)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     item.ID,
		"status": item.Status,
	})
}

func actionError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "item not found"
	case errors.Is(err, triage.ErrNotPending):
		return http.StatusConflict, "item is no longer pending"
	case errors.Is(err, triage.ErrUnknownAction),
		errors.Is(err, triage.ErrEmptyDraft),
		errors.Is(err, triage.ErrBadSnooze),
		errors.Is(err, triage.ErrNoMessage):
		return http.StatusUnprocessableEntity, err.Error()
	case token.IsCredentialError(err):
		return http.StatusConflict, "mailbox needs to be reconnected"
	default:
		return http.StatusBadGateway, "action failed"
	}
}

// AutoHandled handles GET /api/auto-handled
func (h *TriageHandler) AutoHandled(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	records, err := h.reader.ListAutoHandled(c.Request.Context(), userID, listLimit(c))
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list auto-handled records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if records == nil {
		records = []model.AutoHandledRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
