package outbox

import (
	"context"
	"fmt"
)

// ReplayService hands failed outbox events back to the dispatcher.
type ReplayService struct {
	repo *Repository
}

func NewReplayService(repo *Repository) *ReplayService {
	return &ReplayService{repo: repo}
}

// ReplayEvent resets a single event regardless of its status.
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	if _, err := s.repo.GetEventByID(ctx, eventID); err != nil {
		return err
	}
	if err := s.repo.ResetEvent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to replay event %d: %w", eventID, err)
	}
	return nil
}

// ReplayFailedEvents resets up to limit failed events.
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int64, error) {
	return s.repo.ResetFailed(ctx, limit)
}
