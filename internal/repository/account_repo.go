package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/tokencrypt"
)

type AccountRepository struct {
	db     *pgxpool.Pool
	box    *tokencrypt.Box
	events *outbox.Repository
}

func NewAccountRepository(db *pgxpool.Pool, box *tokencrypt.Box, events *outbox.Repository) *AccountRepository {
	return &AccountRepository{db: db, box: box, events: events}
}

const accountColumns = `id, user_id, provider, email_address, access_token, refresh_token,
		token_expires_at, sync_cursor, sync_status, sync_error, last_sync_at,
		is_active, reauth_required, created_at, updated_at`

func (r *AccountRepository) scanAccount(row pgx.Row) (*model.MailAccount, error) {
	var a model.MailAccount
	var sealedAccess, sealedRefresh string
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Provider,
		&a.EmailAddress,
		&sealedAccess,
		&sealedRefresh,
		&a.TokenExpiresAt,
		&a.SyncCursor,
		&a.SyncStatus,
		&a.SyncError,
		&a.LastSyncAt,
		&a.IsActive,
		&a.ReauthRequired,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	if a.AccessToken, err = r.box.Open(sealedAccess); err != nil {
		return nil, fmt.Errorf("open access token of account %d: %w", a.ID, err)
	}
	if a.RefreshToken, err = r.box.Open(sealedRefresh); err != nil {
		return nil, fmt.Errorf("open refresh token of account %d: %w", a.ID, err)
	}
	return &a, nil
}

// GetAccount returns the account with decrypted credentials.
func (r *AccountRepository) GetAccount(ctx context.Context, id int64) (*model.MailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM mail_accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRow(ctx, query, id))
}

// GetOwnedAccount is GetAccount scoped to one user.
func (r *AccountRepository) GetOwnedAccount(ctx context.Context, userID, id int64) (*model.MailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM mail_accounts WHERE id = $1 AND user_id = $2`
	return r.scanAccount(r.db.QueryRow(ctx, query, id, userID))
}

// ListSchedulable returns active accounts not waiting for re-authorisation.
func (r *AccountRepository) ListSchedulable(ctx context.Context) ([]model.MailAccount, error) {
	query := `
		SELECT id, user_id, provider
		FROM mail_accounts
		WHERE is_active AND NOT reauth_required
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MailAccount
	for rows.Next() {
		var a model.MailAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider); err != nil {
			return nil, err
		}
		a.IsActive = true
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindActiveByAddress resolves a webhook's mailbox address to accounts.
func (r *AccountRepository) FindActiveByAddress(ctx context.Context, provider, address string) ([]model.MailAccount, error) {
	query := `
		SELECT id, user_id, provider, email_address
		FROM mail_accounts
		WHERE provider = $1 AND lower(email_address) = lower($2)
		  AND is_active AND NOT reauth_required
	`
	rows, err := r.db.Query(ctx, query, provider, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MailAccount
	for rows.Next() {
		var a model.MailAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.EmailAddress); err != nil {
			return nil, err
		}
		a.IsActive = true
		out = append(out, a)
	}
	return out, rows.Err()
}

// Connect stores fresh OAuth credentials for (user, provider, address),
// reactivating an existing row, and queues an initial sync in the same tx.
func (r *AccountRepository) Connect(ctx context.Context, acct *model.MailAccount, traceID string) (created bool, err error) {
	access, err := r.box.Seal(acct.AccessToken)
	if err != nil {
		return false, err
	}
	refresh, err := r.box.Seal(acct.RefreshToken)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO mail_accounts (user_id, provider, email_address, access_token, refresh_token, token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider, email_address) DO UPDATE SET
			access_token     = EXCLUDED.access_token,
			refresh_token    = CASE WHEN EXCLUDED.refresh_token <> '' THEN EXCLUDED.refresh_token ELSE mail_accounts.refresh_token END,
			token_expires_at = EXCLUDED.token_expires_at,
			is_active        = TRUE,
			reauth_required  = FALSE,
			sync_error       = '',
			updated_at       = NOW()
		RETURNING id, (xmax = 0)
	`

	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query,
			acct.UserID,
			acct.Provider,
			acct.EmailAddress,
			access,
			refresh,
			acct.TokenExpiresAt,
		).Scan(&acct.ID, &created); err != nil {
			return fmt.Errorf("upsert account: %w", err)
		}

		return outbox.InsertEventInTx(ctx, tx, r.events, "mail_account", &acct.ID, mqcontracts.RoutingKeySync,
			mqcontracts.SyncJobPayload{
				Type:      mqcontracts.SyncInitial,
				AccountID: acct.ID,
				UserID:    acct.UserID,
				TraceID:   traceID,
			})
	})
	return created, err
}

// UpdateAccessToken only touches credential columns; an empty refresh token
// keeps the stored one.
func (r *AccountRepository) UpdateAccessToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	access, err := r.box.Seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := r.box.Seal(refreshToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE mail_accounts
		SET access_token = $2,
		    refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token END,
		    token_expires_at = $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err = r.db.Exec(ctx, query, id, access, refresh, expiry)
	return err
}

func (r *AccountRepository) MarkCredentialFailure(ctx context.Context, id int64, reason string, reauth bool) error {
	query := `
		UPDATE mail_accounts
		SET sync_status = 'error',
		    sync_error = $2,
		    reauth_required = reauth_required OR $3,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, reason, reauth)
	return err
}

func (r *AccountRepository) MarkSyncing(ctx context.Context, id int64) error {
	query := `UPDATE mail_accounts SET sync_status = 'syncing', updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return err
}

func (r *AccountRepository) MarkSyncFailed(ctx context.Context, id int64, reason string) error {
	query := `UPDATE mail_accounts SET sync_status = 'error', sync_error = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, reason)
	return err
}

func (r *AccountRepository) MarkSynced(ctx context.Context, id int64, cursor string, at time.Time) error {
	query := `
		UPDATE mail_accounts
		SET sync_status = 'synced',
		    sync_error = '',
		    sync_cursor = CASE WHEN $2 <> '' THEN $2 ELSE sync_cursor END,
		    last_sync_at = $3,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, cursor, at)
	return err
}

// Deactivate stops all future scheduling for the account.
func (r *AccountRepository) Deactivate(ctx context.Context, userID, id int64) error {
	query := `UPDATE mail_accounts SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND user_id = $2`
	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
