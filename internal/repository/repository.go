// Package repository stores the pipeline's state in PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpilot/internal/model"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/tokencrypt"
)

// Store bundles every repository so one value satisfies each service's
// store interface.
type Store struct {
	*AccountRepository
	*MessageRepository
	*TriageRepository
	*AuditRepository
}

func NewStore(db *pgxpool.Pool, box *tokencrypt.Box) *Store {
	events := outbox.NewRepository(db)
	return &Store{
		AccountRepository: NewAccountRepository(db, box, events),
		MessageRepository: NewMessageRepository(db, events),
		TriageRepository:  NewTriageRepository(db),
		AuditRepository:   NewAuditRepository(db),
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func inTx(ctx context.Context, db *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
