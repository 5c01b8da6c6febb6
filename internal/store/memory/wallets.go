package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bonus_service/internal/wallet"
)

type WalletRepository struct {
	store *Store
	tx    *state
}

var _ wallet.WalletRepository = (*WalletRepository)(nil)

func (r *WalletRepository) Transaction(ctx context.Context, fn func(repo wallet.WalletRepository) error) error {
	return r.store.transaction(ctx, r.tx, func(draft *state) error {
		return fn(&WalletRepository{store: r.store, tx: draft})
	})
}

func findWallet(st *state, playerID, walletType, currency string) (wallet.Wallet, bool) {
	for _, w := range st.wallets {
		if w.PlayerID == playerID && w.WalletType == walletType && w.Currency == currency {
			return w, true
		}
	}
	return wallet.Wallet{}, false
}

func (r *WalletRepository) GetBalance(ctx context.Context, playerID string, walletType string, currency string) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := r.store.run(ctx, r.tx, func(st *state) error {
		w, ok := findWallet(st, playerID, walletType, currency)
		if !ok {
			return wallet.ErrWalletNotFound
		}
		out = &w
		return nil
	})
	return out, err
}

func (r *WalletRepository) GetWalletForUpdate(ctx context.Context, walletID string) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := r.store.run(ctx, r.tx, func(st *state) error {
		w, ok := st.wallets[walletID]
		if !ok {
			return wallet.ErrWalletNotFound
		}
		out = &w
		return nil
	})
	return out, err
}

func (r *WalletRepository) CreateWallet(ctx context.Context, playerID string, walletType string, currency string) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := r.store.run(ctx, r.tx, func(st *state) error {
		if w, ok := findWallet(st, playerID, walletType, currency); ok {
			out = &w
			return nil
		}
		now := time.Now().UTC()
		w := wallet.Wallet{
			WalletID:   uuid.New().String(),
			PlayerID:   playerID,
			WalletType: walletType,
			Currency:   currency,
			Balance:    decimal.Zero,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		st.wallets[w.WalletID] = w
		out = &w
		return nil
	})
	return out, err
}

func (r *WalletRepository) GetTransactionByLedgerKey(ctx context.Context, ledgerKey string) (*wallet.Transaction, error) {
	var out *wallet.Transaction
	err := r.store.run(ctx, r.tx, func(st *state) error {
		if i, ok := st.ledgerIndex[ledgerKey]; ok {
			t := st.transactions[i]
			out = &t
		}
		return nil
	})
	return out, err
}

func (r *WalletRepository) ApplyEntry(ctx context.Context, w *wallet.Wallet, tx *wallet.Transaction) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		stored, ok := st.wallets[w.WalletID]
		if !ok || stored.Version != w.Version {
			return wallet.ErrOptimisticLock
		}
		if _, dup := st.ledgerIndex[tx.LedgerKey]; dup {
			return wallet.ErrDuplicateLedgerKey
		}

		stored.Balance = tx.BalanceAfter
		stored.Version++
		stored.UpdatedAt = time.Now().UTC()
		st.wallets[stored.WalletID] = stored

		st.ledgerIndex[tx.LedgerKey] = len(st.transactions)
		st.transactions = append(st.transactions, *tx)

		w.Balance = stored.Balance
		w.Version = stored.Version
		return nil
	})
}

func (r *WalletRepository) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]wallet.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	out := []wallet.Transaction{}
	err := r.store.run(ctx, r.tx, func(st *state) error {
		skipped := 0
		for i := len(st.transactions) - 1; i >= 0 && len(out) < limit; i-- {
			t := st.transactions[i]
			if t.WalletID != walletID {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (r *WalletRepository) SumEntries(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	credits, debits := decimal.Zero, decimal.Zero
	err := r.store.run(ctx, r.tx, func(st *state) error {
		for _, t := range st.transactions {
			if t.WalletID != walletID {
				continue
			}
			if t.Direction == wallet.DirectionCredit {
				credits = credits.Add(t.Amount)
			} else {
				debits = debits.Add(t.Amount)
			}
		}
		return nil
	})
	return credits, debits, err
}

func (r *WalletRepository) SumByType(ctx context.Context, walletID string, types []string, since time.Time) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal, len(types))
	for _, t := range types {
		totals[t] = decimal.Zero
	}

	err := r.store.run(ctx, r.tx, func(st *state) error {
		for _, t := range st.transactions {
			if t.WalletID != walletID || t.CreatedAt.Before(since) {
				continue
			}
			if total, ok := totals[t.TransactionType]; ok {
				totals[t.TransactionType] = total.Add(t.Amount)
			}
		}
		return nil
	})
	return totals, err
}
