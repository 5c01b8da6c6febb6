package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

const claimResultGranted = "granted"

// Claim grants a bonus to the caller after checking, in order: existence and
// activation, validity window, code, minimum deposit, per-user limit and
// cooldown. Each failed check is reported with its own reason.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "claim:"+req.UserID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Claim rate limiter unavailable, allowing")
		case !allowed:
			metrics.RecordClaim(apperrors.ReasonRateLimited)
			return nil, apperrors.Conflict(apperrors.ReasonRateLimited, "too many claim attempts, try later")
		}
	}
	return s.claim(ctx, req)
}

func (s *Service) claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	var (
		inst   *BonusInstance
		events eventLog
	)
	err := s.withinTx(ctx, func(repo BonusRepository) error {
		events.reset(s.now())
		var txErr error
		inst, txErr = s.claimTx(ctx, repo, req, &events)
		return txErr
	})
	if err != nil {
		err = classify(err, "failed to claim bonus")
		metrics.RecordClaim(apperrors.ReasonOf(err))
		s.log.Info().
			Str("user_id", req.UserID).
			Str("bonus_id", req.BonusID).
			Str("reason", apperrors.ReasonOf(err)).
			Msg("Bonus claim rejected")
		return nil, err
	}

	metrics.RecordClaim(claimResultGranted)
	s.log.Info().
		Str("user_id", req.UserID).
		Str("bonus_id", req.BonusID).
		Str("instance_id", inst.ID).
		Str("granted", inst.GrantedAmount.String()).
		Str("rollover", inst.InitialRollover.String()).
		Msg("Bonus granted")
	s.afterCommit(ctx, events.events, inst)

	return &ClaimResult{InstanceID: inst.ID, GrantedAmount: inst.GrantedAmount}, nil
}

func (s *Service) claimTx(ctx context.Context, repo BonusRepository, req ClaimRequest, events *eventLog) (*BonusInstance, error) {
	now := s.now()

	def, err := repo.GetDefinition(ctx, req.BonusID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, apperrors.Validation(apperrors.ReasonBonusInactive, "bonus is not active")
	}
	if !def.withinWindow(now) {
		return nil, apperrors.Validation(apperrors.ReasonOutsideValidity, "bonus is outside its validity window")
	}
	if def.RequiresCode && req.Code != def.Code {
		return nil, apperrors.Validation(apperrors.ReasonInvalidCode, "bonus code does not match")
	}

	if req.DepositReference != "" {
		amount, err := depositAmount(ctx, repo.Wallets(), req.UserID, def.Currency, req.DepositReference)
		if err != nil {
			return nil, err
		}
		req.DepositAmount = amount
	}
	if req.DepositAmount.LessThan(def.MinDeposit) {
		return nil, apperrors.Validation(apperrors.ReasonDepositBelowMinimum,
			fmt.Sprintf("deposit must be at least %s", def.MinDeposit.StringFixed(2)))
	}

	if err := repo.LockClaimKey(ctx, req.UserID, def.ID); err != nil {
		return nil, err
	}

	ledgerKey := ""
	if req.DepositReference != "" {
		ledgerKey = wallet.LedgerKey(wallet.TxBonusClaim, req.UserID, wallet.TypeBonus, def.Currency, def.ID+":"+req.DepositReference)
		used, err := repo.Wallets().GetTransactionByLedgerKey(ctx, ledgerKey)
		if err != nil {
			return nil, err
		}
		if used != nil {
			return nil, apperrors.Conflict(apperrors.ReasonDepositAlreadyUsed, "deposit already backed a grant of this bonus")
		}
	}

	held, err := repo.CountInstances(ctx, req.UserID, def.ID, countedStatuses)
	if err != nil {
		return nil, err
	}
	if held >= int64(def.MaxPerUser) {
		return nil, apperrors.Validation(apperrors.ReasonLimitExceeded,
			fmt.Sprintf("bonus may be claimed at most %d times", def.MaxPerUser))
	}

	if def.CooldownHours > 0 {
		latest, err := repo.LatestInstanceCreatedAt(ctx, req.UserID, def.ID, countedStatuses)
		if err != nil {
			return nil, err
		}
		cooldown := time.Duration(def.CooldownHours) * time.Hour
		if latest != nil && now.Sub(*latest) < cooldown {
			return nil, apperrors.Conflict(apperrors.ReasonCooldownActive,
				fmt.Sprintf("bonus can be claimed again after %s", latest.Add(cooldown).Format(time.RFC3339)))
		}
	}

	granted := def.GrantFor(req.DepositAmount)
	rollover := granted.Mul(def.RolloverMultiplier).Round(2)
	expiresAt := def.expiryFrom(now)

	inst, err := repo.FindInstance(ctx, req.UserID, def.ID, BonusStatusEligible)
	switch {
	case err == nil && (inst.ExpiresAt == nil || inst.ExpiresAt.After(now)):
		if err := transition(inst, BonusStatusActive); err != nil {
			return nil, err
		}
		inst.GrantedAmount = granted
		inst.InitialRollover = rollover
		inst.RemainingRollover = rollover
		inst.Progress = decimal.Zero
		inst.Currency = def.Currency
		if expiresAt != nil {
			inst.ExpiresAt = expiresAt
		}
		inst.LastEventAt = &now
		if err := repo.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
	case err == nil || errors.Is(err, ErrInstanceNotFound):
		inst = &BonusInstance{
			UserID:            req.UserID,
			BonusID:           def.ID,
			Status:            BonusStatusActive,
			GrantedAmount:     granted,
			InitialRollover:   rollover,
			RemainingRollover: rollover,
			Progress:          decimal.Zero,
			Currency:          def.Currency,
			ExpiresAt:         expiresAt,
			LastEventAt:       &now,
			CreatedAt:         now,
		}
		if err := repo.CreateInstance(ctx, inst); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if ledgerKey == "" {
		ledgerKey = "bonus_claim:" + inst.ID
	}
	if granted.IsPositive() {
		_, err := wallet.Post(ctx, repo.Wallets(), wallet.Entry{
			PlayerID:        req.UserID,
			WalletType:      wallet.TypeBonus,
			Currency:        def.Currency,
			Direction:       wallet.DirectionCredit,
			TransactionType: wallet.TxBonusClaim,
			ReferenceID:     inst.ID,
			LedgerKey:       ledgerKey,
			Amount:          granted,
			At:              now,
			Metadata: map[string]interface{}{
				"bonus_id":       def.ID,
				"bonus_type":     def.Type,
				"deposit_amount": req.DepositAmount.String(),
				"deposit_ref":    req.DepositReference,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	err = events.append(ctx, repo, req.UserID, inst.ID, def.ID, EventBonusGranted, GrantedPayload{
		GrantedAmount:   granted,
		InitialRollover: rollover,
		DepositAmount:   req.DepositAmount,
		Currency:        def.Currency,
		ExpiresAt:       inst.ExpiresAt,
		LedgerKey:       ledgerKey,
	})
	if err != nil {
		return nil, err
	}

	if s.reviewThreshold.IsPositive() && granted.GreaterThanOrEqual(s.reviewThreshold) {
		err := events.append(ctx, repo, req.UserID, inst.ID, def.ID, EventManualReviewTriggered, ReviewPayload{
			GrantedAmount: granted,
			Threshold:     s.reviewThreshold,
		})
		if err != nil {
			return nil, err
		}
		s.log.Warn().
			Str("user_id", req.UserID).
			Str("instance_id", inst.ID).
			Str("granted", granted.String()).
			Msg("Bonus grant flagged for manual review")
	}

	// Nothing to wager: release the funds straight away.
	if rollover.IsZero() {
		if err := s.complete(ctx, repo, inst, events, now); err != nil {
			return nil, err
		}
		if err := repo.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
	}

	return inst, nil
}

func (d *BonusDefinition) expiryFrom(now time.Time) *time.Time {
	if d.ValidityDays <= 0 {
		return nil
	}
	expires := now.AddDate(0, 0, d.ValidityDays)
	return &expires
}

// Offer creates an eligible instance that the user can later claim. An
// existing pending offer for the same bonus is returned as is.
func (s *Service) Offer(ctx context.Context, userID string, bonusID string, expiresAt *time.Time, actor string) (*BonusInstance, error) {
	var inst *BonusInstance
	err := s.withinTx(ctx, func(repo BonusRepository) error {
		def, err := repo.GetDefinition(ctx, bonusID)
		if err != nil {
			return err
		}
		if !def.IsActive {
			return apperrors.Validation(apperrors.ReasonBonusInactive, "bonus is not active")
		}
		if err := repo.LockClaimKey(ctx, userID, def.ID); err != nil {
			return err
		}

		existing, err := repo.FindInstance(ctx, userID, def.ID, BonusStatusEligible)
		if err == nil {
			inst = existing
			return nil
		}
		if !errors.Is(err, ErrInstanceNotFound) {
			return err
		}

		now := s.now()
		inst = &BonusInstance{
			UserID:            userID,
			BonusID:           def.ID,
			Status:            BonusStatusEligible,
			GrantedAmount:     decimal.Zero,
			InitialRollover:   decimal.Zero,
			RemainingRollover: decimal.Zero,
			Progress:          decimal.Zero,
			Currency:          def.Currency,
			ExpiresAt:         expiresAt,
			CreatedAt:         now,
		}
		if err := repo.CreateInstance(ctx, inst); err != nil {
			return err
		}
		return repo.AppendAudit(ctx, &AuditEntry{
			Actor:      actor,
			Action:     "offer",
			EntityType: "bonus_instance",
			EntityID:   inst.ID,
			Details:    map[string]interface{}{"user_id": userID, "bonus_id": def.ID},
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, classify(err, "failed to offer bonus")
	}

	s.log.Info().Str("user_id", userID).Str("bonus_id", bonusID).Str("instance_id", inst.ID).Msg("Bonus offered")
	return inst, nil
}

// AutoGrantResult is the outcome of one auto-grant definition for a deposit.
type AutoGrantResult struct {
	BonusID       string          `json:"bonus_id"`
	InstanceID    string          `json:"instance_id,omitempty"`
	GrantedAmount decimal.Decimal `json:"granted_amount"`
	Reason        string          `json:"reason,omitempty"`
}

// OnDeposit grants every active auto-grant bonus the deposit qualifies for.
// Ineligibility is reported per bonus, not as an error.
func (s *Service) OnDeposit(ctx context.Context, userID string, amount decimal.Decimal, currency string, depositRef string) ([]AutoGrantResult, error) {
	defs, err := s.ListDefinitions(ctx, true)
	if err != nil {
		return nil, err
	}

	var results []AutoGrantResult
	for _, def := range defs {
		if !def.AutoGrant || def.RequiresCode || def.Currency != currency {
			continue
		}

		res, err := s.claim(ctx, ClaimRequest{UserID: userID, BonusID: def.ID, DepositAmount: amount, DepositReference: depositRef})
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindInternal || apperrors.KindOf(err) == apperrors.KindUnavailable {
				s.log.Error().Err(err).Str("user_id", userID).Str("bonus_id", def.ID).Str("deposit_ref", depositRef).Msg("Auto-grant failed")
			}
			results = append(results, AutoGrantResult{BonusID: def.ID, Reason: apperrors.ReasonOf(err)})
			continue
		}
		results = append(results, AutoGrantResult{BonusID: def.ID, InstanceID: res.InstanceID, GrantedAmount: res.GrantedAmount})
	}
	return results, nil
}

// depositAmount reads the amount of a deposit the user posted to the main
// wallet under depositRef.
func depositAmount(ctx context.Context, wallets wallet.WalletRepository, userID, currency, depositRef string) (decimal.Decimal, error) {
	dep, err := wallets.GetTransactionByLedgerKey(ctx, wallet.LedgerKey(wallet.TxDeposit, userID, wallet.TypeMain, currency, depositRef))
	if err != nil {
		return decimal.Zero, err
	}
	if dep == nil || dep.PlayerID != userID {
		return decimal.Zero, apperrors.Validation(apperrors.ReasonDepositNotFound, "no deposit with this reference")
	}
	return dep.Amount, nil
}
