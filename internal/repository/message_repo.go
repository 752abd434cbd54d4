package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpilot/internal/model"
	"mailpilot/pkg/outbox"
)

type MessageRepository struct {
	db     *pgxpool.Pool
	events *outbox.Repository
}

func NewMessageRepository(db *pgxpool.Pool, events *outbox.Repository) *MessageRepository {
	return &MessageRepository{db: db, events: events}
}

// GetMessage returns a message with its bodies.
func (r *MessageRepository) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	query := `
		SELECT id, account_id, provider_message_id, thread_id, internet_message_id,
		       subject, from_address, to_addresses, cc_addresses, snippet, received_at,
		       is_read, is_starred, has_attachments, labels, category, priority, summary,
		       body_text, body_html
		FROM messages
		WHERE id = $1
	`
	var m model.Message
	err := r.db.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.AccountID,
		&m.ProviderMessageID,
		&m.ThreadID,
		&m.InternetMessageID,
		&m.Subject,
		&m.From,
		&m.To,
		&m.Cc,
		&m.Snippet,
		&m.ReceivedAt,
		&m.IsRead,
		&m.IsStarred,
		&m.HasAttachments,
		&m.Labels,
		&m.Category,
		&m.Priority,
		&m.Summary,
		&m.BodyText,
		&m.BodyHTML,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// SaveSyncBatch inserts msgs with ON CONFLICT DO NOTHING, so only ids of rows
// this call created come back. follow's jobs share the transaction.
func (r *MessageRepository) SaveSyncBatch(ctx context.Context, accountID int64, msgs []model.Message, follow func(newIDs []int64) []outbox.Job) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO messages (
			account_id, provider_message_id, thread_id, internet_message_id, subject,
			from_address, to_addresses, cc_addresses, snippet, received_at,
			is_read, is_starred, has_attachments, labels, body_text, body_html
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (account_id, provider_message_id) DO NOTHING
		RETURNING id
	`

	var inserted []int64
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue(query,
				accountID,
				m.ProviderMessageID,
				m.ThreadID,
				m.InternetMessageID,
				m.Subject,
				m.From,
				nonNil(m.To),
				nonNil(m.Cc),
				m.Snippet,
				m.ReceivedAt,
				m.IsRead,
				m.IsStarred,
				m.HasAttachments,
				nonNil(m.Labels),
				m.BodyText,
				m.BodyHTML,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range msgs {
			var id int64
			err := results.QueryRow().Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // 已存在，跳过
			}
			if err != nil {
				results.Close()
				return fmt.Errorf("insert message: %w", err)
			}
			inserted = append(inserted, id)
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}

		if len(inserted) == 0 {
			return nil
		}
		return outbox.InsertJobsInTx(ctx, tx, r.events, follow(inserted))
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ApplyClassification writes the result, inserts item unless the message
// already has a pending one, and queues follow-up jobs, all in one tx.
func (r *MessageRepository) ApplyClassification(ctx context.Context, messageID int64, res model.ClassificationResult, item *model.TriageItem, follow func(itemID int64) []outbox.Job) (int64, error) {
	var itemID int64
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE messages
			SET category = $2, priority = $3, summary = $4, classified_at = NOW()
			WHERE id = $1
		`, messageID, string(res.Category), res.Priority, res.Summary)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		if item != nil {
			actions, err := json.Marshal(item.Actions)
			if err != nil {
				return err
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO triage_items (user_id, message_id, title, subtitle, is_urgent, source, actions, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
				ON CONFLICT (message_id) WHERE status IN ('pending', 'processing') AND message_id IS NOT NULL DO NOTHING
				RETURNING id
			`, item.UserID, item.MessageID, item.Title, item.Subtitle, item.IsUrgent, item.Source, actions).Scan(&itemID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("insert triage item: %w", err)
			}
			item.ID = itemID
		}

		return outbox.InsertJobsInTx(ctx, tx, r.events, follow(itemID))
	})
	if err != nil {
		return 0, err
	}
	return itemID, nil
}
