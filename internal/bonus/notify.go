package bonus

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const subscriberBuffer = 10

type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan WageringUpdate
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string][]chan WageringUpdate),
	}
}

func (h *NotificationHub) Subscribe(playerID string) <-chan WageringUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan WageringUpdate, subscriberBuffer)
	h.subscribers[playerID] = append(h.subscribers[playerID], ch)
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (h *NotificationHub) Unsubscribe(playerID string, ch <-chan WageringUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[playerID]
	for i, sub := range subs {
		if sub == ch {
			close(sub)
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, playerID)
		return
	}
	h.subscribers[playerID] = subs
}

func (h *NotificationHub) Notify(playerID string, update WageringUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[playerID] {
		select {
		case ch <- update:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *NotificationHub) SubscriberCount(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[playerID])
}

func percentComplete(inst *BonusInstance) float64 {
	if inst.InitialRollover.IsZero() {
		if inst.Status == BonusStatusCompleted {
			return 100
		}
		return 0
	}
	return inst.Progress.Div(inst.InitialRollover).
		Mul(decimal.NewFromInt(100)).
		InexactFloat64()
}

func updateFor(inst *BonusInstance, eventType string, at time.Time) WageringUpdate {
	return WageringUpdate{
		PlayerBonusID:      inst.ID,
		PlayerID:           inst.UserID,
		EventType:          eventType,
		Status:             inst.Status,
		WageringCompleted:  inst.Progress,
		WageringRequired:   inst.InitialRollover,
		PercentageComplete: percentComplete(inst),
		Completed:          inst.Status == BonusStatusCompleted,
		Timestamp:          at,
	}
}

func progressFor(inst *BonusInstance) *WageringProgress {
	return &WageringProgress{
		PlayerBonusID:      inst.ID,
		BonusID:            inst.BonusID,
		Status:             inst.Status,
		WageringRequired:   inst.InitialRollover,
		WageringCompleted:  inst.Progress,
		RemainingRollover:  inst.RemainingRollover,
		PercentageComplete: percentComplete(inst),
		Completed:          inst.Status == BonusStatusCompleted,
		ExpiresAt:          inst.ExpiresAt,
	}
}
