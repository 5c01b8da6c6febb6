package bonus

import (
	"context"

	"github.com/shopspring/decimal"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

// Forfeit is the administrative cancellation of an eligible or active
// instance. Nothing in the automated processors reaches forfeited.
func (s *Service) Forfeit(ctx context.Context, instanceID string, actor string, reason string) (*BonusInstance, error) {
	if actor == "" {
		return nil, apperrors.Validation(apperrors.ReasonInvalidRequest, "actor is required")
	}

	var (
		inst   *BonusInstance
		events eventLog
	)
	err := s.withinTx(ctx, func(repo BonusRepository) error {
		events.reset(s.now())

		locked, err := repo.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}

		now := s.now()
		before := snapshotOf(locked)
		wasActive := locked.Status == BonusStatusActive
		if err := transition(locked, BonusStatusForfeited); err != nil {
			return err
		}
		locked.LastEventAt = &now

		debited := decimal.Zero
		if wasActive {
			debited, err = s.debitRemainder(ctx, repo, locked, wallet.TxBonusForfeited, "bonus_forfeited:"+locked.ID, now)
			if err != nil {
				return err
			}
		}

		err = events.append(ctx, repo, locked.UserID, locked.ID, locked.BonusID, EventBonusForfeited, ForfeitedPayload{
			Before:        before,
			After:         snapshotOf(locked),
			DebitedAmount: debited,
			Actor:         actor,
			Reason:        reason,
		})
		if err != nil {
			return err
		}
		err = repo.AppendAudit(ctx, &AuditEntry{
			Actor:      actor,
			Action:     "forfeit",
			EntityType: "bonus_instance",
			EntityID:   locked.ID,
			Details: map[string]interface{}{
				"user_id":     locked.UserID,
				"bonus_id":    locked.BonusID,
				"from_status": before.Status,
				"debited":     debited.String(),
				"reason":      reason,
			},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if err := repo.UpdateInstance(ctx, locked); err != nil {
			return err
		}
		inst = locked
		return nil
	})
	if err != nil {
		return nil, classify(err, "failed to forfeit bonus")
	}

	metrics.RecordForfeiture()
	s.log.Warn().
		Str("instance_id", inst.ID).
		Str("user_id", inst.UserID).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Bonus forfeited")
	s.afterCommit(ctx, events.events, inst)
	return inst, nil
}
