package bonus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

const LossBonusWindow = 30 * 24 * time.Hour

var lossBonusRate = decimal.NewFromFloat(0.20)

type LossBonusQuote struct {
	UserID      string          `json:"user_id"`
	Currency    string          `json:"currency"`
	WindowStart time.Time       `json:"window_start"`
	TotalBets   decimal.Decimal `json:"total_bets"`
	TotalWins   decimal.Decimal `json:"total_wins"`
	NetResult   decimal.Decimal `json:"net_result"`
	BonusAmount decimal.Decimal `json:"bonus_amount"`
	Eligible    bool            `json:"eligible"`
	Reason      string          `json:"reason,omitempty"`
}

type LossBonusClaim struct {
	Quote         LossBonusQuote  `json:"quote"`
	TransactionID string          `json:"transaction_id"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// QuoteLossBonus computes the loss bonus the user could claim now: 20% of the
// net loss (bets minus wins on the main wallet) over the last 30 days, floored
// to a whole unit.
func (s *Service) QuoteLossBonus(ctx context.Context, userID string, currency string) (*LossBonusQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q, err := s.quoteLossBonus(ctx, s.repo, userID, currency, s.now())
	if err != nil {
		return nil, classify(err, "failed to compute loss bonus")
	}
	return q, nil
}

func (s *Service) quoteLossBonus(ctx context.Context, repo BonusRepository, userID, currency string, now time.Time) (*LossBonusQuote, error) {
	since := now.Add(-LossBonusWindow)
	q := &LossBonusQuote{
		UserID:      userID,
		Currency:    currency,
		WindowStart: since,
		TotalBets:   decimal.Zero,
		TotalWins:   decimal.Zero,
		NetResult:   decimal.Zero,
		BonusAmount: decimal.Zero,
	}

	w, err := repo.Wallets().GetBalance(ctx, userID, wallet.TypeMain, currency)
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound):
	case err != nil:
		return nil, err
	default:
		totals, err := repo.Wallets().SumByType(ctx, w.WalletID, []string{wallet.TxBet, wallet.TxWin}, since)
		if err != nil {
			return nil, err
		}
		q.TotalBets = totals[wallet.TxBet]
		q.TotalWins = totals[wallet.TxWin]
		q.NetResult = q.TotalBets.Sub(q.TotalWins)
	}

	if q.NetResult.IsPositive() {
		q.BonusAmount = q.NetResult.Mul(lossBonusRate).Floor()
	}

	claimed, err := repo.LastEventSince(ctx, userID, EventLossBonusClaimed, since)
	if err != nil {
		return nil, err
	}
	hadFirstDeposit, err := repo.HasInstanceOfType(ctx, userID, TypeFirstDeposit, countedStatuses)
	if err != nil {
		return nil, err
	}

	switch {
	case claimed != nil:
		q.Reason = apperrors.ReasonAlreadyClaimed
	case hadFirstDeposit:
		q.Reason = apperrors.ReasonNotEligible
	case !q.BonusAmount.IsPositive():
		q.Reason = apperrors.ReasonNotEligible
	default:
		q.Eligible = true
	}
	return q, nil
}

// ClaimLossBonus credits the quoted loss bonus to the main wallet through the
// ledger. One claim per trailing window; a repeat is a conflict.
func (s *Service) ClaimLossBonus(ctx context.Context, userID string, currency string) (*LossBonusClaim, error) {
	var (
		claim  *LossBonusClaim
		events eventLog
	)
	err := s.withinTx(ctx, func(repo BonusRepository) error {
		events.reset(s.now())
		if err := repo.LockClaimKey(ctx, userID, "loss_bonus"); err != nil {
			return err
		}

		now := s.now()
		q, err := s.quoteLossBonus(ctx, repo, userID, currency, now)
		if err != nil {
			return err
		}
		if !q.Eligible {
			if q.Reason == apperrors.ReasonAlreadyClaimed {
				return apperrors.Conflict(apperrors.ReasonAlreadyClaimed, "loss bonus already claimed in the last 30 days")
			}
			return apperrors.Validation(apperrors.ReasonNotEligible, "not eligible for a loss bonus")
		}

		ledgerKey := "loss_bonus:" + userID + ":" + uuid.New().String()
		tx, err := wallet.Post(ctx, repo.Wallets(), wallet.Entry{
			PlayerID:        userID,
			WalletType:      wallet.TypeMain,
			Currency:        currency,
			Direction:       wallet.DirectionCredit,
			TransactionType: wallet.TxLossBonus,
			ReferenceID:     userID,
			LedgerKey:       ledgerKey,
			Amount:          q.BonusAmount,
			At:              now,
			Metadata: map[string]interface{}{
				"net_result":   q.NetResult.String(),
				"window_start": q.WindowStart.Format(time.RFC3339),
			},
		})
		if err != nil {
			return err
		}

		err = events.append(ctx, repo, userID, "", "", EventLossBonusClaimed, LossBonusPayload{
			NetResult:     q.NetResult,
			BonusAmount:   q.BonusAmount,
			BalanceBefore: tx.BalanceBefore,
			BalanceAfter:  tx.BalanceAfter,
			LedgerKey:     ledgerKey,
		})
		if err != nil {
			return err
		}

		claim = &LossBonusClaim{
			Quote:         *q,
			TransactionID: tx.TransactionID,
			BalanceBefore: tx.BalanceBefore,
			BalanceAfter:  tx.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		err = classify(err, "failed to claim loss bonus")
		metrics.RecordLossBonusClaim(apperrors.ReasonOf(err))
		return nil, err
	}

	metrics.RecordLossBonusClaim("claimed")
	s.log.Info().
		Str("user_id", userID).
		Str("amount", claim.Quote.BonusAmount.String()).
		Str("net_result", claim.Quote.NetResult.String()).
		Msg("Loss bonus claimed")
	s.afterCommit(ctx, events.events)
	return claim, nil
}
