package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Post appends one entry to the ledger of the entry's wallet, creating the
// wallet on first use. A ledger key that was already posted returns the
// original entry unchanged. Post must run inside repo.Transaction so the balance
// update and the entry commit together.
func Post(ctx context.Context, repo WalletRepository, e Entry) (*Transaction, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	existing, err := repo.GetTransactionByLedgerKey(ctx, e.LedgerKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	w, err := repo.GetBalance(ctx, e.PlayerID, e.WalletType, e.Currency)
	if errors.Is(err, ErrWalletNotFound) {
		w, err = repo.CreateWallet(ctx, e.PlayerID, e.WalletType, e.Currency)
	}
	if err != nil {
		return nil, err
	}

	w, err = repo.GetWalletForUpdate(ctx, w.WalletID)
	if err != nil {
		return nil, err
	}

	newBalance := w.Balance.Add(e.Amount)
	if e.Direction == DirectionDebit {
		if w.Balance.LessThan(e.Amount) {
			return nil, ErrInsufficientFunds
		}
		newBalance = w.Balance.Sub(e.Amount)
	}

	createdAt := e.At
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx := &Transaction{
		TransactionID:   uuid.New().String(),
		WalletID:        w.WalletID,
		PlayerID:        e.PlayerID,
		Direction:       e.Direction,
		TransactionType: e.TransactionType,
		ReferenceID:     e.ReferenceID,
		LedgerKey:       e.LedgerKey,
		Amount:          e.Amount,
		BalanceBefore:   w.Balance,
		BalanceAfter:    newBalance,
		Metadata:        e.Metadata,
		Status:          StatusCompleted,
		CreatedAt:       createdAt,
	}

	if err := repo.ApplyEntry(ctx, w, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Transfer posts the debit and the credit of one logical movement. Both legs
// share the caller's transaction: either both commit or neither does.
func Transfer(ctx context.Context, repo WalletRepository, debit Entry, credit Entry) (*Transaction, *Transaction, error) {
	debit.Direction = DirectionDebit
	credit.Direction = DirectionCredit
	if !debit.Amount.Equal(credit.Amount) {
		return nil, nil, fmt.Errorf("%w: transfer legs differ (%s != %s)", ErrInvalidEntry, debit.Amount, credit.Amount)
	}

	out, err := Post(ctx, repo, debit)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer debit: %w", err)
	}
	in, err := Post(ctx, repo, credit)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer credit: %w", err)
	}
	return out, in, nil
}

func validateEntry(e Entry) error {
	switch {
	case e.PlayerID == "":
		return fmt.Errorf("%w: player id is required", ErrInvalidEntry)
	case e.WalletType != TypeMain && e.WalletType != TypeBonus:
		return fmt.Errorf("%w: unsupported wallet type %q", ErrInvalidEntry, e.WalletType)
	case e.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidEntry)
	case e.Direction != DirectionCredit && e.Direction != DirectionDebit:
		return fmt.Errorf("%w: unsupported direction %q", ErrInvalidEntry, e.Direction)
	case e.LedgerKey == "":
		return fmt.Errorf("%w: ledger key is required", ErrInvalidEntry)
	case !e.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	return nil
}
