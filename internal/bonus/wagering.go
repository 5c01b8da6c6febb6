package bonus

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

const wagerActor = "system:wager_processor"

// WagerResult reports what happened to each instance a wager touched. A
// caller that sees Failed entries can resubmit the same event; instances that
// already applied it report a duplicate.
type WagerResult struct {
	WagerID    string   `json:"wager_id"`
	Applied    []string `json:"applied"`
	Duplicates []string `json:"duplicates"`
	Skipped    []string `json:"skipped"`
	Expired    []string `json:"expired"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
}

func (r *WagerResult) HasFailures() bool {
	return len(r.Failed) > 0
}

func validateWager(ev WagerEvent) error {
	switch {
	case ev.WagerID == "":
		return apperrors.Validation(apperrors.ReasonInvalidRequest, "wager_id is required")
	case ev.UserID == "":
		return apperrors.Validation(apperrors.ReasonInvalidRequest, "user_id is required")
	case !ev.Amount.IsPositive():
		return apperrors.Validation(apperrors.ReasonInvalidRequest, "amount must be positive")
	case ev.Category == "":
		return apperrors.Validation(apperrors.ReasonInvalidRequest, "category is required")
	}
	return nil
}

// ProcessWager applies a placed or voided wager to every active instance of
// the user. Each instance is updated in its own transaction so one failure
// does not hold back the others.
func (s *Service) ProcessWager(ctx context.Context, ev WagerEvent) (*WagerResult, error) {
	if err := validateWager(ev); err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	instances, err := s.repo.ListActiveInstancesForWager(listCtx, ev.UserID)
	cancel()
	if err != nil {
		return nil, classify(err, "failed to load active bonuses")
	}

	result := &WagerResult{
		WagerID:    ev.WagerID,
		Applied:    []string{},
		Duplicates: []string{},
		Skipped:    []string{},
		Expired:    []string{},
		Completed:  []string{},
		Failed:     []string{},
	}
	for _, candidate := range instances {
		if ev.Currency != "" && candidate.Currency != ev.Currency {
			continue
		}

		outcome, completed, err := s.applyWagerWithRetry(ctx, candidate.ID, ev)
		metrics.RecordWagerContribution(outcome)
		switch outcome {
		case OutcomeApplied:
			result.Applied = append(result.Applied, candidate.ID)
			if completed {
				result.Completed = append(result.Completed, candidate.ID)
			}
		case OutcomeDuplicate:
			result.Duplicates = append(result.Duplicates, candidate.ID)
		case OutcomeSkipped:
			result.Skipped = append(result.Skipped, candidate.ID)
		case OutcomeExpired:
			result.Expired = append(result.Expired, candidate.ID)
		default:
			result.Failed = append(result.Failed, candidate.ID)
			s.log.Error().Err(err).
				Str("wager_id", ev.WagerID).
				Str("instance_id", candidate.ID).
				Msg("Failed to apply wager to bonus instance")
		}
	}

	s.log.Info().
		Str("wager_id", ev.WagerID).
		Str("user_id", ev.UserID).
		Bool("void", ev.IsVoid).
		Int("applied", len(result.Applied)).
		Int("duplicates", len(result.Duplicates)).
		Int("failed", len(result.Failed)).
		Msg("Wager processed")
	return result, nil
}

func (s *Service) applyWagerWithRetry(ctx context.Context, instanceID string, ev WagerEvent) (string, bool, error) {
	var err error
	for i := 0; i < MaxRetries; i++ {
		var (
			outcome   string
			completed bool
			inst      *BonusInstance
			events    eventLog
		)
		err = s.withinTx(ctx, func(repo BonusRepository) error {
			events.reset(s.now())
			var txErr error
			outcome, completed, inst, txErr = s.applyWager(ctx, repo, instanceID, ev, &events)
			return txErr
		})
		switch {
		case err == nil:
			if completed {
				metrics.RecordCompletion()
			}
			if outcome == OutcomeApplied || outcome == OutcomeExpired {
				s.afterCommit(ctx, events.events, inst)
			}
			return outcome, completed, nil
		case errors.Is(err, ErrDuplicateContribution):
			return OutcomeDuplicate, false, nil
		case errors.Is(err, ErrStaleInstance), errors.Is(err, wallet.ErrOptimisticLock), errors.Is(err, wallet.ErrDuplicateLedgerKey):
			time.Sleep(RetryDelay)
			continue
		}
		return OutcomeFailed, false, classify(err, "failed to apply wager")
	}
	return OutcomeFailed, false, classify(err, "failed to apply wager")
}

func contributionKey(ev WagerEvent, instanceID string) string {
	if ev.IsVoid {
		return "void:" + ev.WagerID + ":" + instanceID
	}
	return "place:" + ev.WagerID + ":" + instanceID
}

func (s *Service) applyWager(ctx context.Context, repo BonusRepository, instanceID string, ev WagerEvent, events *eventLog) (string, bool, *BonusInstance, error) {
	key := contributionKey(ev, instanceID)
	seen, err := repo.GetContribution(ctx, key)
	if err != nil {
		return "", false, nil, err
	}
	if seen != nil {
		return OutcomeDuplicate, false, nil, nil
	}

	inst, err := repo.GetInstanceForUpdate(ctx, instanceID)
	if err != nil {
		return "", false, nil, err
	}
	if inst.Status != BonusStatusActive || !inst.RemainingRollover.IsPositive() {
		return OutcomeSkipped, false, nil, nil
	}

	def, err := repo.GetDefinition(ctx, inst.BonusID)
	if err != nil {
		return "", false, nil, err
	}

	// Past its window the instance takes no more progress, even if the sweeper
	// has not reached it yet.
	now := s.now()
	if expiryDue(inst, def, now) {
		if err := s.expireLocked(ctx, repo, inst, def, wagerActor, now, events); err != nil {
			return "", false, nil, err
		}
		return OutcomeExpired, false, inst, nil
	}

	weight := def.WeightFor(ev.Category, ev.Provider, ev.GameID)
	weighted := ev.Amount.Mul(weight).Round(2)

	var contribution decimal.Decimal
	if ev.IsVoid {
		placed, err := repo.GetContribution(ctx, "place:"+ev.WagerID+":"+instanceID)
		if err != nil {
			return "", false, nil, err
		}
		// A void for a wager this instance never counted has nothing to undo.
		if placed == nil {
			return OutcomeSkipped, false, nil, nil
		}
		reversal := decimal.Min(weighted, placed.Contribution, inst.Progress)
		contribution = reversal.Neg()
	} else {
		contribution = decimal.Min(weighted, inst.RemainingRollover)
	}

	before := snapshotOf(inst)
	inst.Progress = decimal.Max(decimal.Zero, inst.Progress.Add(contribution))
	inst.RemainingRollover = decimal.Max(decimal.Zero, inst.RemainingRollover.Sub(contribution))
	inst.LastEventAt = &now

	err = repo.CreateContribution(ctx, &WagerContribution{
		ContributionKey: key,
		WagerID:         ev.WagerID,
		InstanceID:      inst.ID,
		IsVoid:          ev.IsVoid,
		Amount:          ev.Amount,
		Weight:          weight,
		Contribution:    contribution,
		CreatedAt:       now,
	})
	if err != nil {
		return "", false, nil, err
	}

	eventType := EventWagerPlaced
	if ev.IsVoid {
		eventType = EventWagerVoided
	}
	err = events.append(ctx, repo, inst.UserID, inst.ID, inst.BonusID, eventType, WagerPayload{
		WagerID:      ev.WagerID,
		Amount:       ev.Amount,
		Category:     ev.Category,
		Provider:     ev.Provider,
		GameID:       ev.GameID,
		Weight:       weight,
		Contribution: contribution,
		Before:       before,
		After:        snapshotOf(inst),
	})
	if err != nil {
		return "", false, nil, err
	}

	completed := false
	if !inst.RemainingRollover.IsPositive() && before.Status == BonusStatusActive {
		if err := s.complete(ctx, repo, inst, events, now); err != nil {
			return "", false, nil, err
		}
		completed = true
	} else {
		err = events.append(ctx, repo, inst.UserID, inst.ID, inst.BonusID, EventBonusProgressed, ProgressedPayload{
			Progress:          inst.Progress,
			RemainingRollover: inst.RemainingRollover,
			InitialRollover:   inst.InitialRollover,
		})
		if err != nil {
			return "", false, nil, err
		}
	}

	if err := repo.UpdateInstance(ctx, inst); err != nil {
		return "", false, nil, err
	}
	return OutcomeApplied, completed, inst, nil
}

// complete moves inst to completed and transfers min(granted, bonus balance)
// from the bonus wallet to the main wallet. The caller persists inst.
func (s *Service) complete(ctx context.Context, repo BonusRepository, inst *BonusInstance, events *eventLog, now time.Time) error {
	before := snapshotOf(inst)
	if err := transition(inst, BonusStatusCompleted); err != nil {
		return err
	}
	inst.LastEventAt = &now

	balance, err := bonusBalance(ctx, repo.Wallets(), inst.UserID, inst.Currency)
	if err != nil {
		return err
	}

	amount := decimal.Min(inst.GrantedAmount, balance)
	balanceAfter := balance
	if amount.IsPositive() {
		ref := "bonus_completed:" + inst.ID
		meta := map[string]interface{}{"bonus_id": inst.BonusID}
		debit, _, err := wallet.Transfer(ctx, repo.Wallets(),
			wallet.Entry{
				PlayerID:        inst.UserID,
				WalletType:      wallet.TypeBonus,
				Currency:        inst.Currency,
				TransactionType: wallet.TxBonusCompleted,
				ReferenceID:     inst.ID,
				LedgerKey:       ref + ":debit",
				Amount:          amount,
				Metadata:        meta,
				At:              now,
			},
			wallet.Entry{
				PlayerID:        inst.UserID,
				WalletType:      wallet.TypeMain,
				Currency:        inst.Currency,
				TransactionType: wallet.TxBonusCompleted,
				ReferenceID:     inst.ID,
				LedgerKey:       ref + ":credit",
				Amount:          amount,
				Metadata:        meta,
				At:              now,
			},
		)
		if err != nil {
			return err
		}
		balanceAfter = debit.BalanceAfter
	}

	s.log.Info().
		Str("user_id", inst.UserID).
		Str("instance_id", inst.ID).
		Str("transferred", amount.String()).
		Msg("Bonus wagering completed")

	return events.append(ctx, repo, inst.UserID, inst.ID, inst.BonusID, EventBonusCompleted, CompletedPayload{
		Before:            before,
		After:             snapshotOf(inst),
		TransferredAmount: amount,
		BonusBalanceAfter: balanceAfter,
	})
}

func bonusBalance(ctx context.Context, wallets wallet.WalletRepository, userID, currency string) (decimal.Decimal, error) {
	w, err := wallets.GetBalance(ctx, userID, wallet.TypeBonus, currency)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}
