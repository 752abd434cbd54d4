package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/internal/oauthstate"
	"mailpilot/internal/provider"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"
)

type AccountConnector interface {
	Connect(ctx context.Context, acct *model.MailAccount, traceID string) (bool, error)
}

// OAuthHandler links mailboxes through the provider's authorization flow.
type OAuthHandler struct {
	signer     *oauthstate.Signer
	providers  *provider.Registry
	accounts   AccountConnector
	successURL string
	logger     *zap.Logger
}

func NewOAuthHandler(signer *oauthstate.Signer, providers *provider.Registry, accounts AccountConnector, successURL string, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		signer:     signer,
		providers:  providers,
		accounts:   accounts,
		successURL: successURL,
		logger:     logger,
	}
}

// Connect handles GET /api/oauth/:provider/connect
func (h *OAuthHandler) Connect(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	p, err := h.providers.Get(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"auth_url": p.GetAuthURL(h.signer.Issue(userID)),
	})
}

// Callback handles GET /api/oauth/:provider/callback
func (h *OAuthHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	if reason := c.Query("error"); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied", "reason": reason})
		return
	}

	p, err := h.providers.Get(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	userID, err := h.signer.Verify(c.Query("state"))
	if err != nil {
		log.Warn("OAuth state rejected", zap.Error(err))
		msg := "invalid state"
		if errors.Is(err, oauthstate.ErrExpired) {
			msg = "state expired"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	creds, err := p.ExchangeCode(ctx, code)
	if err != nil {
		log.Warn("OAuth code exchange failed", zap.String("provider", p.Name()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed"})
		return
	}
	if creds.EmailAddress == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider returned no mailbox address"})
		return
	}

	expiry := creds.Expiry
	acct := &model.MailAccount{
		UserID:         userID,
		Provider:       p.Name(),
		EmailAddress:   creds.EmailAddress,
		AccessToken:    creds.AccessToken,
		RefreshToken:   creds.RefreshToken,
		TokenExpiresAt: &expiry,
	}
	created, err := h.accounts.Connect(ctx, acct, trace.FromContext(ctx))
	if err != nil {
		log.Error("Failed to store account", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store account"})
		return
	}

	log.Info("Mailbox connected",
		zap.Int64("user_id", userID),
		zap.Int64("account_id", acct.ID),
		zap.String("provider", acct.Provider),
		zap.Bool("created", created),
	)

	if h.successURL != "" {
		target, err := url.Parse(h.successURL)
		if err == nil {
			q := target.Query()
			q.Set("account_id", strconv.FormatInt(acct.ID, 10))
			target.RawQuery = q.Encode()
			c.Redirect(http.StatusFound, target.String())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":    acct.ID,
		"email_address": acct.EmailAddress,
		"created":       created,
	})
}
