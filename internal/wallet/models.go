package wallet

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TypeMain  = "main"
	TypeBonus = "bonus"
)

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Transaction types. The first four are gameplay money movements, the rest
// are postings made by the bonus processors.
const (
	TxDeposit        = "deposit"
	TxWithdrawal     = "withdrawal"
	TxBet            = "bet"
	TxWin            = "win"
	TxBonusClaim     = "bonus_claim"
	TxBonusCompleted = "bonus_completed"
	TxBonusExpired   = "bonus_expired"
	TxBonusForfeited = "bonus_forfeited"
	TxLossBonus      = "loss_bonus"
)

const StatusCompleted = "completed"

type Wallet struct {
	WalletID   string          `gorm:"column:wallet_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"wallet_id"`
	PlayerID   string          `gorm:"column:player_id;type:varchar(64);not null;uniqueIndex:ux_wallet_owner" json:"player_id"`
	WalletType string          `gorm:"column:wallet_type;type:varchar(20);not null;uniqueIndex:ux_wallet_owner" json:"wallet_type"` // "main", "bonus"
	Currency   string          `gorm:"column:currency;type:varchar(3);not null;uniqueIndex:ux_wallet_owner" json:"currency"`
	Balance    decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0" json:"balance"`
	Version    int             `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

// Transaction is an immutable ledger entry. LedgerKey identifies the logical
// operation that produced it; posting the same key twice is a no-op.
type Transaction struct {
	TransactionID   string            `gorm:"column:transaction_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"transaction_id"`
	WalletID        string            `gorm:"column:wallet_id;type:uuid;not null;index" json:"wallet_id"`
	PlayerID        string            `gorm:"column:player_id;type:varchar(64);not null;index:ix_tx_player_type" json:"player_id"`
	Direction       string            `gorm:"column:direction;type:varchar(6);not null" json:"direction"`
	TransactionType string            `gorm:"column:transaction_type;type:varchar(20);not null;index:ix_tx_player_type" json:"transaction_type"`
	ReferenceID     string            `gorm:"column:reference_id;type:varchar(255);not null" json:"reference_id"`
	LedgerKey       string            `gorm:"column:ledger_key;type:varchar(255);not null;uniqueIndex" json:"ledger_key"`
	Amount          decimal.Decimal   `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	BalanceBefore   decimal.Decimal   `gorm:"column:balance_before;type:numeric(20,2);not null" json:"balance_before"`
	BalanceAfter    decimal.Decimal   `gorm:"column:balance_after;type:numeric(20,2);not null" json:"balance_after"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Status          string            `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt       time.Time         `gorm:"column:created_at;not null;default:now();index:ix_tx_player_type" json:"occurred_at"`
}

func (Transaction) TableName() string {
	return "wallet_transactions"
}

// Signed returns the entry amount with the sign of its direction.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Entry describes one posting to a wallet.
type Entry struct {
	PlayerID        string
	WalletType      string
	Currency        string
	Direction       string
	TransactionType string
	ReferenceID     string
	LedgerKey       string
	Amount          decimal.Decimal
	Metadata        map[string]interface{}
	// At stamps the posting. Zero means the wall clock.
	At time.Time
}

// LedgerKey scopes a caller reference to the player, wallet and currency it
// was posted for, so two players may reuse the same reference.
func LedgerKey(transactionType, playerID, walletType, currency, referenceID string) string {
	return strings.Join([]string{transactionType, playerID, walletType, strings.ToUpper(currency), referenceID}, ":")
}

type TransactionRequest struct {
	PlayerID        string          `json:"player_id"`
	WalletType      string          `json:"wallet_type"`
	TransactionType string          `json:"transaction_type" binding:"required,oneof=deposit withdrawal bet win"`
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	ReferenceID     string          `json:"reference_id" binding:"required"`
	Currency        string          `json:"currency"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
}

// Reconciliation compares a wallet's cached balance with its ledger.
type Reconciliation struct {
	WalletID      string          `json:"wallet_id"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	Credits       decimal.Decimal `json:"credits"`
	Debits        decimal.Decimal `json:"debits"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Consistent    bool            `json:"consistent"`
}
