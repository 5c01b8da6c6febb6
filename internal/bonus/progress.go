package bonus

import (
	"context"

	"bonus_service/internal/apperrors"
)

// GetProgress returns the wagering progress of one of the user's instances.
// Instances of other users are reported as not found.
func (s *Service) GetProgress(ctx context.Context, userID string, instanceID string) (*WageringProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	inst, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, classify(err, "failed to load bonus instance")
	}
	if inst.UserID != userID {
		return nil, apperrors.NotFound(apperrors.ReasonInstanceNotFound, "bonus instance not found")
	}
	return progressFor(inst), nil
}

func (s *Service) ListProgress(ctx context.Context, userID string, status string) ([]WageringProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	instances, err := s.repo.ListInstances(ctx, userID, status)
	if err != nil {
		return nil, classify(err, "failed to list bonus instances")
	}

	out := make([]WageringProgress, 0, len(instances))
	for i := range instances {
		out = append(out, *progressFor(&instances[i]))
	}
	return out, nil
}

func (s *Service) ListEvents(ctx context.Context, userID string, instanceID string, limit int) ([]BonusEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	events, err := s.repo.ListEvents(ctx, userID, instanceID, limit)
	if err != nil {
		return nil, classify(err, "failed to list bonus events")
	}
	return events, nil
}

func (s *Service) SubscribeToWageringUpdates(playerID string) <-chan WageringUpdate {
	return s.hub.Subscribe(playerID)
}

func (s *Service) UnsubscribeFromWageringUpdates(playerID string, ch <-chan WageringUpdate) {
	s.hub.Unsubscribe(playerID, ch)
}
