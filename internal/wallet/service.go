package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bonus_service/internal/metrics"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond

	DefaultCurrency = "USD"
)

// DepositHook is called once per newly posted deposit, after commit.
type DepositHook func(ctx context.Context, playerID string, amount decimal.Decimal, currency string, referenceID string)

type Service struct {
	repo      WalletRepository
	timeout   time.Duration
	log       zerolog.Logger
	onDeposit DepositHook
	now       func() time.Time
}

func NewService(repo WalletRepository, timeout time.Duration, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		repo:    repo,
		timeout: timeout,
		log:     log.With().Str("component", "wallet").Logger(),
		now:     time.Now,
	}
}

func (s *Service) SetDepositHook(hook DepositHook) {
	s.onDeposit = hook
}

// SetClock replaces the clock that stamps postings.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) GetBalance(ctx context.Context, playerID string, walletType string, currency string) (*Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.GetBalance(ctx, playerID, walletType, currency)
}

// ProcessTransaction applies a gameplay money movement. The ledger key is
// derived from the transaction type, the wallet it targets and the caller's
// reference, so a retried request returns the original result.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error) {
	direction, err := directionFor(req.TransactionType)
	if err != nil {
		return nil, err
	}
	if req.WalletType == "" {
		req.WalletType = TypeMain
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}

	req.Currency = strings.ToUpper(req.Currency)

	entry := Entry{
		PlayerID:        req.PlayerID,
		WalletType:      req.WalletType,
		Currency:        req.Currency,
		Direction:       direction,
		TransactionType: req.TransactionType,
		ReferenceID:     req.ReferenceID,
		LedgerKey:       LedgerKey(req.TransactionType, req.PlayerID, req.WalletType, req.Currency, req.ReferenceID),
		Amount:          req.Amount,
	}

	for i := 0; i < MaxRetries; i++ {
		var (
			tx       *Transaction
			replayed bool
		)
		err = s.withinTx(ctx, func(repo WalletRepository) error {
			existing, lookupErr := repo.GetTransactionByLedgerKey(ctx, entry.LedgerKey)
			if lookupErr != nil {
				return lookupErr
			}
			if existing != nil {
				tx, replayed = existing, true
				return nil
			}
			entry.At = s.now().UTC()
			var postErr error
			tx, postErr = Post(ctx, repo, entry)
			return postErr
		})
		if err == nil {
			if replayed {
				s.log.Info().
					Str("player_id", req.PlayerID).
					Str("ledger_key", entry.LedgerKey).
					Msg("Transaction already processed")
				return &TransactionResponse{
					TransactionID: tx.TransactionID,
					Balance:       tx.BalanceAfter,
					Status:        tx.Status,
				}, nil
			}
			metrics.RecordLedgerPosting(req.TransactionType, "success")
			if req.TransactionType == TxDeposit && s.onDeposit != nil {
				s.onDeposit(ctx, req.PlayerID, req.Amount, entry.Currency, req.ReferenceID)
			}
			s.log.Info().
				Str("player_id", req.PlayerID).
				Str("transaction_type", req.TransactionType).
				Str("reference_id", req.ReferenceID).
				Str("amount", req.Amount.String()).
				Str("balance", tx.BalanceAfter.String()).
				Msg("Transaction processed")
			return &TransactionResponse{
				TransactionID: tx.TransactionID,
				Balance:       tx.BalanceAfter,
				Status:        tx.Status,
			}, nil
		}
		if errors.Is(err, ErrOptimisticLock) || errors.Is(err, ErrDuplicateLedgerKey) {
			time.Sleep(RetryDelay)
			continue
		}
		metrics.RecordLedgerPosting(req.TransactionType, "failed")
		return nil, err
	}
	metrics.RecordLedgerPosting(req.TransactionType, "failed")
	return nil, err
}

func (s *Service) ListTransactions(ctx context.Context, playerID, walletType, currency string, limit, offset int) ([]Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w, err := s.repo.GetBalance(ctx, playerID, walletType, currency)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return []Transaction{}, nil
		}
		return nil, err
	}
	return s.repo.ListTransactions(ctx, w.WalletID, limit, offset)
}

// Reconcile recomputes the balance from the ledger and compares it with the
// cached wallet balance.
func (s *Service) Reconcile(ctx context.Context, playerID, walletType, currency string) (*Reconciliation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w, err := s.repo.GetBalance(ctx, playerID, walletType, currency)
	if err != nil {
		return nil, err
	}
	credits, debits, err := s.repo.SumEntries(ctx, w.WalletID)
	if err != nil {
		return nil, err
	}

	ledger := credits.Sub(debits)
	rec := &Reconciliation{
		WalletID:      w.WalletID,
		CachedBalance: w.Balance,
		Credits:       credits,
		Debits:        debits,
		LedgerBalance: ledger,
		Consistent:    ledger.Equal(w.Balance),
	}
	if !rec.Consistent {
		s.log.Error().
			Str("wallet_id", w.WalletID).
			Str("cached", w.Balance.String()).
			Str("ledger", ledger.String()).
			Msg("Wallet balance does not match ledger")
	}
	return rec, nil
}

func (s *Service) withinTx(ctx context.Context, fn func(repo WalletRepository) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Transaction(ctx, fn)
}

func directionFor(transactionType string) (string, error) {
	switch transactionType {
	case TxDeposit, TxWin:
		return DirectionCredit, nil
	case TxWithdrawal, TxBet:
		return DirectionDebit, nil
	default:
		return "", fmt.Errorf("%w: invalid transaction type %q", ErrInvalidEntry, transactionType)
	}
}
