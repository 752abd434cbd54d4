package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpilot/internal/model"
)

type TriageRepository struct {
	db *pgxpool.Pool
}

func NewTriageRepository(db *pgxpool.Pool) *TriageRepository {
	return &TriageRepository{db: db}
}

const triageColumns = `id, user_id, message_id, title, subtitle, is_urgent, source, actions,
		status, draft_response, snoozed_until, acted_at, created_at`

func scanTriageItem(row pgx.Row) (*model.TriageItem, error) {
	var it model.TriageItem
	var actions []byte
	err := row.Scan(
		&it.ID,
		&it.UserID,
		&it.MessageID,
		&it.Title,
		&it.Subtitle,
		&it.IsUrgent,
		&it.Source,
		&actions,
		&it.Status,
		&it.DraftResponse,
		&it.SnoozedUntil,
		&it.ActedAt,
		&it.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(actions, &it.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of triage item %d: %w", it.ID, err)
	}
	return &it, nil
}

// GetItem returns a user's item; other users' items read as not found.
func (r *TriageRepository) GetItem(ctx context.Context, userID, itemID int64) (*model.TriageItem, error) {
	query := `SELECT ` + triageColumns + ` FROM triage_items WHERE id = $1 AND user_id = $2`
	return scanTriageItem(r.db.QueryRow(ctx, query, itemID, userID))
}

func (r *TriageRepository) GetTriageItem(ctx context.Context, id int64) (*model.TriageItem, error) {
	query := `SELECT ` + triageColumns + ` FROM triage_items WHERE id = $1`
	return scanTriageItem(r.db.QueryRow(ctx, query, id))
}

// ListPending returns a user's pending items, urgent first.
func (r *TriageRepository) ListPending(ctx context.Context, userID int64, limit int) ([]*model.TriageItem, error) {
	query := `SELECT ` + triageColumns + ` FROM triage_items
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY is_urgent DESC, created_at DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TriageItem
	for rows.Next() {
		it, err := scanTriageItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Transition is a compare-and-set from pending.
func (r *TriageRepository) Transition(ctx context.Context, itemID int64, status model.TriageStatus, snoozedUntil *time.Time, at time.Time) error {
	query := `
		UPDATE triage_items
		SET status = $2,
		    snoozed_until = $3,
		    acted_at = CASE WHEN $2 IN ('acted', 'dismissed') THEN $4 ELSE acted_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, itemID, string(status), snoozedUntil, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotPending
	}
	return nil
}

// Claim is the compare-and-set from pending to processing that guards a
// remote side effect.
func (r *TriageRepository) Claim(ctx context.Context, itemID int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE triage_items SET status = 'processing', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		itemID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotPending
	}
	return nil
}

func (r *TriageRepository) Release(ctx context.Context, itemID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE triage_items SET status = 'pending', updated_at = NOW() WHERE id = $1 AND status = 'processing'`,
		itemID,
	)
	return err
}

func (r *TriageRepository) Complete(ctx context.Context, itemID int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE triage_items SET status = 'acted', acted_at = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`,
		itemID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotPending
	}
	return nil
}

// ReleaseStaleClaims hands back items whose claim outlived the cutoff.
func (r *TriageRepository) ReleaseStaleClaims(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE triage_items SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
		RETURNING user_id
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *TriageRepository) CountPending(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM triage_items WHERE user_id = $1 AND status = 'pending'`,
		userID,
	).Scan(&n)
	return n, err
}

// WakeSnoozed returns due items to pending, at most one per message and
// never next to an existing pending item for the same message.
func (r *TriageRepository) WakeSnoozed(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		UPDATE triage_items t
		SET status = 'pending', snoozed_until = NULL, updated_at = NOW()
		WHERE t.id IN (
			SELECT DISTINCT ON (COALESCE(s.message_id, -s.id)) s.id
			FROM triage_items s
			WHERE s.status = 'snoozed' AND s.snoozed_until <= $1
			  AND NOT EXISTS (
			      SELECT 1 FROM triage_items p
			      WHERE p.message_id = s.message_id AND p.status IN ('pending', 'processing')
			  )
			ORDER BY COALESCE(s.message_id, -s.id), s.snoozed_until
		)
		RETURNING t.user_id
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveDraft stores a draft only on a still-pending item.
func (r *TriageRepository) SaveDraft(ctx context.Context, itemID int64, text string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE triage_items SET draft_response = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending'`,
		itemID, text,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
