package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrOptimisticLock     = errors.New("optimistic lock error")
	ErrDuplicateLedgerKey = errors.New("ledger key already posted")
	ErrInvalidEntry       = errors.New("invalid ledger entry")
)

type WalletRepository interface {
	GetBalance(ctx context.Context, playerID string, walletType string, currency string) (*Wallet, error)
	GetWalletForUpdate(ctx context.Context, walletID string) (*Wallet, error)
	CreateWallet(ctx context.Context, playerID string, walletType string, currency string) (*Wallet, error)
	GetTransactionByLedgerKey(ctx context.Context, ledgerKey string) (*Transaction, error)
	ApplyEntry(ctx context.Context, w *Wallet, tx *Transaction) error
	ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error)
	SumEntries(ctx context.Context, walletID string) (credits decimal.Decimal, debits decimal.Decimal, err error)
	SumByType(ctx context.Context, walletID string, types []string, since time.Time) (map[string]decimal.Decimal, error)
	// Transaction runs fn against a repository bound to one database transaction.
	Transaction(ctx context.Context, fn func(repo WalletRepository) error) error
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepositoryImpl(db *gorm.DB) *WalletRepositoryImpl {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) Transaction(ctx context.Context, fn func(repo WalletRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&WalletRepositoryImpl{db: tx})
	})
}

func (r *WalletRepositoryImpl) GetBalance(ctx context.Context, playerID string, walletType string, currency string) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).
		Where("player_id = ? AND wallet_type = ? AND currency = ?", playerID, walletType, currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetWalletForUpdate(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ?", walletID).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

// CreateWallet is safe to race: a concurrent creator wins and both callers
// get the same row back.
func (r *WalletRepositoryImpl) CreateWallet(ctx context.Context, playerID string, walletType string, currency string) (*Wallet, error) {
	now := time.Now()
	w := Wallet{
		WalletID:   uuid.New().String(),
		PlayerID:   playerID,
		WalletType: walletType,
		Currency:   currency,
		Balance:    decimal.Zero,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&w).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return r.GetBalance(ctx, playerID, walletType, currency)
}

func (r *WalletRepositoryImpl) GetTransactionByLedgerKey(ctx context.Context, ledgerKey string) (*Transaction, error) {
	var t Transaction
	err := r.db.WithContext(ctx).Where("ledger_key = ?", ledgerKey).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

// ApplyEntry moves the wallet to tx.BalanceAfter with a version compare-and-swap
// and appends tx. It must run inside a transaction.
func (r *WalletRepositoryImpl) ApplyEntry(ctx context.Context, w *Wallet, tx *Transaction) error {
	result := r.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":    tx.BalanceAfter,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update wallet balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateLedgerKey
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	w.Balance = tx.BalanceAfter
	w.Version++
	return nil
}

func (r *WalletRepositoryImpl) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

type ledgerTotals struct {
	Credits decimal.Decimal
	Debits  decimal.Decimal
}

func (r *WalletRepositoryImpl) SumEntries(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	var totals ledgerTotals
	err := r.db.WithContext(ctx).
		Model(&Transaction{}).
		Select(`COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE 0 END), 0) AS credits,
			COALESCE(SUM(CASE WHEN direction = 'debit' THEN amount ELSE 0 END), 0) AS debits`).
		Where("wallet_id = ?", walletID).
		Scan(&totals).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return totals.Credits, totals.Debits, nil
}

type typeTotal struct {
	TransactionType string
	Total           decimal.Decimal
}

func (r *WalletRepositoryImpl) SumByType(ctx context.Context, walletID string, types []string, since time.Time) (map[string]decimal.Decimal, error) {
	var rows []typeTotal
	err := r.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("transaction_type, COALESCE(SUM(amount), 0) AS total").
		Where("wallet_id = ? AND transaction_type IN ? AND created_at >= ?", walletID, types, since).
		Group("transaction_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions by type: %w", err)
	}

	totals := make(map[string]decimal.Decimal, len(types))
	for _, t := range types {
		totals[t] = decimal.Zero
	}
	for _, row := range rows {
		totals[row.TransactionType] = row.Total
	}
	return totals, nil
}
