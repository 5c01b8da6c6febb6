package bonus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	EventBonusGranted          = "bonus_granted"
	EventWagerPlaced           = "wager_placed"
	EventWagerVoided           = "wager_voided"
	EventBonusProgressed       = "bonus_progressed"
	EventBonusCompleted        = "bonus_completed"
	EventBonusForfeited        = "bonus_forfeited"
	EventBonusExpired          = "bonus_expired"
	EventManualReviewTriggered = "manual_review_triggered"
	EventLossBonusClaimed      = "loss_bonus_claimed"
)

// Snapshot is the mutable part of an instance captured before and after a
// transition.
type Snapshot struct {
	Status            string          `json:"status"`
	Progress          decimal.Decimal `json:"progress"`
	RemainingRollover decimal.Decimal `json:"remaining_rollover"`
}

func snapshotOf(inst *BonusInstance) Snapshot {
	return Snapshot{
		Status:            inst.Status,
		Progress:          inst.Progress,
		RemainingRollover: inst.RemainingRollover,
	}
}

type GrantedPayload struct {
	GrantedAmount   decimal.Decimal        `json:"granted_amount"`
	InitialRollover decimal.Decimal        `json:"initial_rollover"`
	DepositAmount   decimal.Decimal        `json:"deposit_amount"`
	Currency        string                 `json:"currency"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	LedgerKey       string                 `json:"ledger_key"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

type WagerPayload struct {
	WagerID      string                 `json:"wager_id"`
	Amount       decimal.Decimal        `json:"amount"`
	Category     string                 `json:"category"`
	Provider     string                 `json:"provider,omitempty"`
	GameID       string                 `json:"game_id,omitempty"`
	Weight       decimal.Decimal        `json:"weight"`
	Contribution decimal.Decimal        `json:"contribution"`
	Before       Snapshot               `json:"before"`
	After        Snapshot               `json:"after"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

type ProgressedPayload struct {
	Progress          decimal.Decimal        `json:"progress"`
	RemainingRollover decimal.Decimal        `json:"remaining_rollover"`
	InitialRollover   decimal.Decimal        `json:"initial_rollover"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

type CompletedPayload struct {
	Before            Snapshot               `json:"before"`
	After             Snapshot               `json:"after"`
	TransferredAmount decimal.Decimal        `json:"transferred_amount"`
	BonusBalanceAfter decimal.Decimal        `json:"bonus_balance_after"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

type ExpiredPayload struct {
	Before         Snapshot               `json:"before"`
	After          Snapshot               `json:"after"`
	DebitedAmount  decimal.Decimal        `json:"debited_amount"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	DefinitionEnds *time.Time             `json:"definition_valid_to,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

type ForfeitedPayload struct {
	Before        Snapshot               `json:"before"`
	After         Snapshot               `json:"after"`
	DebitedAmount decimal.Decimal        `json:"debited_amount"`
	Actor         string                 `json:"actor"`
	Reason        string                 `json:"reason"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

type ReviewPayload struct {
	GrantedAmount decimal.Decimal        `json:"granted_amount"`
	Threshold     decimal.Decimal        `json:"threshold"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

type LossBonusPayload struct {
	NetResult     decimal.Decimal        `json:"net_result"`
	BonusAmount   decimal.Decimal        `json:"bonus_amount"`
	BalanceBefore decimal.Decimal        `json:"balance_before"`
	BalanceAfter  decimal.Decimal        `json:"balance_after"`
	LedgerKey     string                 `json:"ledger_key"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// newEvent builds an unsaved event with payload encoded as json.
func newEvent(userID, instanceID, bonusID, eventType string, payload interface{}, at time.Time) (*BonusEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &BonusEvent{
		UserID:     userID,
		InstanceID: instanceID,
		BonusID:    bonusID,
		Type:       eventType,
		Payload:    datatypes.JSON(raw),
		CreatedAt:  at,
	}, nil
}

// DecodePayload returns the typed payload of e.
func DecodePayload(e *BonusEvent) (interface{}, error) {
	var target interface{}
	switch e.Type {
	case EventBonusGranted:
		target = &GrantedPayload{}
	case EventWagerPlaced, EventWagerVoided:
		target = &WagerPayload{}
	case EventBonusProgressed:
		target = &ProgressedPayload{}
	case EventBonusCompleted:
		target = &CompletedPayload{}
	case EventBonusExpired:
		target = &ExpiredPayload{}
	case EventBonusForfeited:
		target = &ForfeitedPayload{}
	case EventManualReviewTriggered:
		target = &ReviewPayload{}
	case EventLossBonusClaimed:
		target = &LossBonusPayload{}
	default:
		m := map[string]interface{}{}
		target = &m
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return target, nil
}
