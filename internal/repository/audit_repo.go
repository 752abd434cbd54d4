package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpilot/internal/model"
)

type AuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertAutoHandled appends rec; a second call with the same dedupKey is a no-op.
func (r *AuditRepository) InsertAutoHandled(ctx context.Context, rec *model.AutoHandledRecord, dedupKey string) (bool, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO auto_handled_records (user_id, message_id, description, source, action, metadata, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id, created_at
	`
	err = r.db.QueryRow(ctx, query,
		rec.UserID,
		rec.MessageID,
		rec.Description,
		rec.Source,
		rec.Action,
		meta,
		dedupKey,
	).Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListAutoHandled returns a user's newest audit records.
func (r *AuditRepository) ListAutoHandled(ctx context.Context, userID int64, limit int) ([]model.AutoHandledRecord, error) {
	query := `
		SELECT id, user_id, message_id, description, source, action, metadata, created_at
		FROM auto_handled_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AutoHandledRecord
	for rows.Next() {
		var rec model.AutoHandledRecord
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MessageID, &rec.Description, &rec.Source, &rec.Action, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
