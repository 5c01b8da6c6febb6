package bonus

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	BonusStatusEligible  = "eligible"
	BonusStatusActive    = "active"
	BonusStatusCompleted = "completed"
	BonusStatusForfeited = "forfeited"
	BonusStatusExpired   = "expired"
)

const (
	TypeFirstDeposit = "FIRST_DEPOSIT"
	TypeReload       = "RELOAD"
	TypeCashback     = "CASHBACK"
	TypeFreebet      = "FREEBET"
)

const (
	AmountPercent = "percent"
	AmountFixed   = "fixed"
)

const (
	GameTypeSlots      = "slots"
	GameTypeTableGames = "table_games"
	GameTypeLiveCasino = "live_casino"
)

// BonusDefinition is a catalog entry managed by administrators.
type BonusDefinition struct {
	ID                 string                                         `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"id"`
	Code               string                                         `gorm:"column:code;type:varchar(64);index" json:"code,omitempty"`
	Name               string                                         `gorm:"column:name;type:varchar(120);not null" json:"name"`
	Type               string                                         `gorm:"column:type;type:varchar(20);not null" json:"type"`
	AmountType         string                                         `gorm:"column:amount_type;type:varchar(10);not null" json:"amount_type"`
	AmountValue        decimal.Decimal                                `gorm:"column:amount_value;type:numeric(20,2);not null" json:"amount_value"`
	MaxCap             decimal.NullDecimal                            `gorm:"column:max_cap;type:numeric(20,2)" json:"max_cap"`
	MinDeposit         decimal.Decimal                                `gorm:"column:min_deposit;type:numeric(20,2);not null" json:"min_deposit"`
	RolloverMultiplier decimal.Decimal                                `gorm:"column:rollover_multiplier;type:numeric(10,2);not null" json:"rollover_multiplier"`
	AutoGrant          bool                                           `gorm:"column:auto_grant;not null" json:"auto_grant"`
	RequiresCode       bool                                           `gorm:"column:requires_code;not null" json:"requires_code"`
	ValidFrom          *time.Time                                     `gorm:"column:valid_from" json:"valid_from,omitempty"`
	ValidTo            *time.Time                                     `gorm:"column:valid_to" json:"valid_to,omitempty"`
	MaxPerUser         int                                            `gorm:"column:max_per_user;not null" json:"max_per_user"`
	CooldownHours      int                                            `gorm:"column:cooldown_hours;not null" json:"cooldown_hours"`
	ValidityDays       int                                            `gorm:"column:validity_days;not null" json:"validity_days"`
	Currency           string                                         `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	IsActive           bool                                           `gorm:"column:is_active;not null;index" json:"is_active"`
	CategoryWeights    datatypes.JSONType[map[string]decimal.Decimal] `gorm:"column:category_weights" json:"category_weights"`
	GameBlacklist      datatypes.JSONSlice[string]                    `gorm:"column:game_blacklist" json:"game_blacklist"`
	CreatedAt          time.Time                                      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt          time.Time                                      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

// BonusInstance is one user's claim of a definition. Every contribution moves
// the same amount between RemainingRollover and Progress, so their sum stays
// at InitialRollover.
type BonusInstance struct {
	ID                string          `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"id"`
	UserID            string          `gorm:"column:user_id;type:varchar(64);not null;index:ix_instance_user_bonus" json:"user_id"`
	BonusID           string          `gorm:"column:bonus_id;type:uuid;not null;index:ix_instance_user_bonus" json:"bonus_id"`
	Status            string          `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	GrantedAmount     decimal.Decimal `gorm:"column:granted_amount;type:numeric(20,2);not null" json:"granted_amount"`
	InitialRollover   decimal.Decimal `gorm:"column:initial_rollover;type:numeric(20,2);not null" json:"initial_rollover"`
	RemainingRollover decimal.Decimal `gorm:"column:remaining_rollover;type:numeric(20,2);not null" json:"remaining_rollover"`
	Progress          decimal.Decimal `gorm:"column:progress;type:numeric(20,2);not null" json:"progress"`
	Currency          string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	ExpiresAt         *time.Time      `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	LastEventAt       *time.Time      `gorm:"column:last_event_at" json:"last_event_at,omitempty"`
	Version           int             `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt         time.Time       `gorm:"column:created_at;not null;default:now();index:ix_instance_user_bonus" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

// WagerContribution records that one wager (or its void) has been applied to
// one instance. ContributionKey is unique and is the replay guard.
type WagerContribution struct {
	ID              string          `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	ContributionKey string          `gorm:"column:contribution_key;type:varchar(255);not null;uniqueIndex"`
	WagerID         string          `gorm:"column:wager_id;type:varchar(255);not null;index"`
	InstanceID      string          `gorm:"column:instance_id;type:uuid;not null;index"`
	IsVoid          bool            `gorm:"column:is_void;not null"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	Weight          decimal.Decimal `gorm:"column:weight;type:numeric(10,4);not null"`
	Contribution    decimal.Decimal `gorm:"column:contribution;type:numeric(20,2);not null"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null;default:now()"`
}

// BonusEvent is an append-only audit record of a domain transition.
type BonusEvent struct {
	ID         string         `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"id"`
	UserID     string         `gorm:"column:user_id;type:varchar(64);not null;index:ix_event_user_type" json:"user_id"`
	InstanceID string         `gorm:"column:instance_id;type:varchar(64);index" json:"instance_id,omitempty"`
	BonusID    string         `gorm:"column:bonus_id;type:varchar(64)" json:"bonus_id,omitempty"`
	Type       string         `gorm:"column:type;type:varchar(40);not null;index:ix_event_user_type" json:"type"`
	Payload    datatypes.JSON `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;default:now();index:ix_event_user_type" json:"created_at"`
}

// AuditEntry is an operator-facing record of a state change.
type AuditEntry struct {
	ID         string            `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"id"`
	Actor      string            `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	Action     string            `gorm:"column:action;type:varchar(40);not null" json:"action"`
	EntityType string            `gorm:"column:entity_type;type:varchar(40);not null" json:"entity_type"`
	EntityID   string            `gorm:"column:entity_id;type:varchar(64);not null;index" json:"entity_id"`
	Details    datatypes.JSONMap `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "bonus_audit_log"
}

// WagerEvent is a stake placed or voided by gameplay.
type WagerEvent struct {
	WagerID  string          `json:"wager_id" binding:"required"`
	UserID   string          `json:"user_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Category string          `json:"category" binding:"required"`
	Provider string          `json:"provider"`
	GameID   string          `json:"game_id,omitempty"`
	IsVoid   bool            `json:"is_void"`
	Currency string          `json:"currency"`
}

// ClaimRequest asks for a grant. When DepositReference is set the deposit
// amount is read from the user's main wallet ledger and DepositAmount is
// ignored; each deposit backs at most one claim per bonus.
type ClaimRequest struct {
	UserID           string
	BonusID          string
	DepositAmount    decimal.Decimal
	DepositReference string
	Code             string
}

type ClaimResult struct {
	InstanceID    string          `json:"instance_id"`
	GrantedAmount decimal.Decimal `json:"granted_amount"`
}

type WageringProgress struct {
	PlayerBonusID      string          `json:"player_bonus_id"`
	BonusID            string          `json:"bonus_id"`
	Status             string          `json:"status"`
	WageringRequired   decimal.Decimal `json:"wagering_required"`
	WageringCompleted  decimal.Decimal `json:"wagering_completed"`
	RemainingRollover  decimal.Decimal `json:"remaining_rollover"`
	PercentageComplete float64         `json:"percentage_complete"`
	Completed          bool            `json:"completed"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
}

type WageringUpdate struct {
	PlayerBonusID      string          `json:"player_bonus_id"`
	PlayerID           string          `json:"player_id"`
	EventType          string          `json:"event_type"`
	Status             string          `json:"status"`
	WageringCompleted  decimal.Decimal `json:"wagering_completed"`
	WageringRequired   decimal.Decimal `json:"wagering_required"`
	PercentageComplete float64         `json:"percentage_complete"`
	Completed          bool            `json:"completed"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Models lists the tables owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{
		&BonusDefinition{},
		&BonusInstance{},
		&WagerContribution{},
		&BonusEvent{},
		&AuditEntry{},
	}
}
