// Package token keeps per-account provider access tokens fresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailpilot/internal/model"
	"mailpilot/internal/provider"
)

// RefreshBuffer is how close to expiry a token may get before it is refreshed.
const RefreshBuffer = 5 * time.Minute

var (
	ErrNoCredential  = errors.New("no usable credential")
	ErrRefreshFailed = errors.New("token refresh failed")
)

// IsCredentialError reports whether err means the account must be
// re-authorised before any further provider call can succeed.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrNoCredential) || errors.Is(err, ErrRefreshFailed)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*model.MailAccount, error)
	UpdateAccessToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	// MarkCredentialFailure sets sync status error with reason; reauth also
	// quarantines the account until the user reconnects.
	MarkCredentialFailure(ctx context.Context, id int64, reason string, reauth bool) error
}

type Manager struct {
	store     AccountStore
	providers *provider.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(store AccountStore, providers *provider.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
}

// GetValidAccessToken returns an access token good for at least RefreshBuffer.
// Concurrent refreshes of one account are tolerated; the last write wins.
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID int64) (string, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("%w: account %d not found", ErrNoCredential, accountID)
		}
		return "", fmt.Errorf("load account %d: %w", accountID, err)
	}
	if !acct.IsActive || acct.ReauthRequired || acct.AccessToken == "" {
		return "", fmt.Errorf("%w: account %d", ErrNoCredential, accountID)
	}

	if acct.TokenExpiresAt != nil && acct.TokenExpiresAt.After(m.now().Add(RefreshBuffer)) {
		return acct.AccessToken, nil
	}

	if acct.RefreshToken == "" {
		return "", fmt.Errorf("%w: account %d has no refresh token", ErrNoCredential, accountID)
	}

	p, err := m.providers.Get(acct.Provider)
	if err != nil {
		return "", err
	}

	creds, err := p.RefreshAccessToken(ctx, acct.RefreshToken)
	if err != nil {
		revoked := isRevoked(err)
		if markErr := m.store.MarkCredentialFailure(ctx, accountID, err.Error(), revoked); markErr != nil {
			m.logger.Error("Failed to record credential failure",
				zap.Int64("account_id", accountID),
				zap.Error(markErr),
			)
		}
		m.logger.Warn("Access token refresh failed",
			zap.Int64("account_id", accountID),
			zap.Bool("revoked", revoked),
			zap.Error(err),
		)
		if revoked {
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		// 网络抖动等临时错误交给队列重试
		return "", fmt.Errorf("refresh token for account %d: %w", accountID, err)
	}

	if err := m.store.UpdateAccessToken(ctx, accountID, creds.AccessToken, creds.RefreshToken, creds.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.logger.Debug("Access token refreshed",
		zap.Int64("account_id", accountID),
		zap.Time("expires_at", creds.Expiry),
	)
	return creds.AccessToken, nil
}

// isRevoked distinguishes a rejected grant from a transport failure.
func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
}
