// Package handler holds the gin handlers of the HTTP API.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
)

// UserIDKey is where the auth middleware leaves the caller's user id.
const UserIDKey = "user_id"

type JobPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

func currentUser(c *gin.Context) (int64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	id, ok := v.(int64)
	if !ok || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func syncJob(trigger string, acct model.MailAccount, marker, traceID string) mqcontracts.SyncJobPayload {
	return mqcontracts.SyncJobPayload{
		Type:          trigger,
		AccountID:     acct.ID,
		UserID:        acct.UserID,
		HistoryMarker: marker,
		TraceID:       traceID,
	}
}
