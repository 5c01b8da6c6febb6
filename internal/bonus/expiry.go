package bonus

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

const sweeperActor = "system:expiry_sweeper"

type SweepReport struct {
	Scanned   int      `json:"scanned"`
	Expired   int      `json:"expired"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Sweep expires eligible and active instances whose own expiry or whose
// definition's validity window has passed. Candidates are read in batches
// keyed by id, so instances that keep failing do not hold back the rest. It
// is safe to run repeatedly: the status is re-checked under the row lock, so
// an instance is expired and debited at most once.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	now := s.now()
	report := &SweepReport{}

	afterID := ""
	for {
		listCtx, cancel := context.WithTimeout(ctx, s.timeout)
		candidates, err := s.repo.ListExpirableInstances(listCtx, now, afterID, s.sweepBatchSize)
		cancel()
		if err != nil {
			return nil, classify(err, "failed to list expirable bonuses")
		}
		if len(candidates) == 0 {
			break
		}

		report.Scanned += len(candidates)
		s.sweepBatch(ctx, candidates, now, report)
		if len(candidates) < s.sweepBatchSize || ctx.Err() != nil {
			break
		}
		afterID = candidates[len(candidates)-1].ID
	}

	metrics.RecordSweep(report.Expired, report.Skipped, report.Failed, time.Since(started).Seconds())
	s.log.Info().
		Int("scanned", report.Scanned).
		Int("expired", report.Expired).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Expiry sweep finished")
	return report, nil
}

func (s *Service) sweepBatch(ctx context.Context, candidates []BonusInstance, now time.Time, report *SweepReport) {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for _, candidate := range candidates {
		id := candidate.ID
		g.Go(func() error {
			expired, err := s.expireOne(gctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, id)
				s.log.Error().Err(err).Str("instance_id", id).Msg("Failed to expire bonus instance")
			case expired:
				report.Expired++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) expireOne(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	var (
		inst   *BonusInstance
		events eventLog
	)
	err := s.withinTx(ctx, func(repo BonusRepository) error {
		events.reset(s.now())
		inst = nil

		locked, err := repo.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if locked.Status != BonusStatusEligible && locked.Status != BonusStatusActive {
			return nil
		}
		def, err := repo.GetDefinition(ctx, locked.BonusID)
		if err != nil {
			return err
		}
		if !expiryDue(locked, def, now) {
			return nil
		}
		if err := s.expireLocked(ctx, repo, locked, def, sweeperActor, now, &events); err != nil {
			return err
		}
		inst = locked
		return nil
	})
	if err != nil {
		return false, classify(err, "failed to expire bonus instance")
	}
	if inst == nil {
		return false, nil
	}

	s.afterCommit(ctx, events.events, inst)
	return true, nil
}

// expireLocked moves a row-locked eligible or active instance to expired,
// debits what is left of the grant and persists the instance.
func (s *Service) expireLocked(ctx context.Context, repo BonusRepository, locked *BonusInstance, def *BonusDefinition, actor string, now time.Time, events *eventLog) error {
	before := snapshotOf(locked)
	wasActive := locked.Status == BonusStatusActive
	if err := transition(locked, BonusStatusExpired); err != nil {
		return err
	}
	locked.LastEventAt = &now

	debited := decimal.Zero
	if wasActive {
		var err error
		debited, err = s.debitRemainder(ctx, repo, locked, wallet.TxBonusExpired, "bonus_expired:"+locked.ID, now)
		if err != nil {
			return err
		}
	}

	err := events.append(ctx, repo, locked.UserID, locked.ID, locked.BonusID, EventBonusExpired, ExpiredPayload{
		Before:         before,
		After:          snapshotOf(locked),
		DebitedAmount:  debited,
		ExpiresAt:      locked.ExpiresAt,
		DefinitionEnds: def.ValidTo,
	})
	if err != nil {
		return err
	}
	err = repo.AppendAudit(ctx, &AuditEntry{
		Actor:      actor,
		Action:     "expire",
		EntityType: "bonus_instance",
		EntityID:   locked.ID,
		Details: map[string]interface{}{
			"user_id":     locked.UserID,
			"bonus_id":    locked.BonusID,
			"from_status": before.Status,
			"debited":     debited.String(),
			"remaining":   locked.RemainingRollover.String(),
			"progress":    locked.Progress.String(),
		},
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	return repo.UpdateInstance(ctx, locked)
}

func expiryDue(inst *BonusInstance, def *BonusDefinition, now time.Time) bool {
	if inst.ExpiresAt != nil && now.After(*inst.ExpiresAt) {
		return true
	}
	return def.ValidTo != nil && now.After(*def.ValidTo)
}

// debitRemainder removes min(bonus balance, granted) from the bonus wallet.
// The main wallet is never touched.
func (s *Service) debitRemainder(ctx context.Context, repo BonusRepository, inst *BonusInstance, txType string, ledgerKey string, at time.Time) (decimal.Decimal, error) {
	balance, err := bonusBalance(ctx, repo.Wallets(), inst.UserID, inst.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	amount := decimal.Min(balance, inst.GrantedAmount)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	_, err = wallet.Post(ctx, repo.Wallets(), wallet.Entry{
		PlayerID:        inst.UserID,
		WalletType:      wallet.TypeBonus,
		Currency:        inst.Currency,
		Direction:       wallet.DirectionDebit,
		TransactionType: txType,
		ReferenceID:     inst.ID,
		LedgerKey:       ledgerKey,
		Amount:          amount,
		Metadata:        map[string]interface{}{"bonus_id": inst.BonusID},
		At:              at,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}
