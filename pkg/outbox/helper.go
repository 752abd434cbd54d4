package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertEventInTx encodes payload and queues it for routingKey inside tx.
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	payload interface{},
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}

	return repo.InsertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}

// Job is an event a service wants published once its own writes commit.
type Job struct {
	AggregateType string
	AggregateID   *int64
	RoutingKey    string
	Payload       interface{}
}

// InsertJobsInTx queues every job inside tx, stopping at the first failure.
func InsertJobsInTx(ctx context.Context, tx pgx.Tx, repo *Repository, jobs []Job) error {
	for _, j := range jobs {
		if err := InsertEventInTx(ctx, tx, repo, j.AggregateType, j.AggregateID, j.RoutingKey, j.Payload); err != nil {
			return err
		}
	}
	return nil
}
