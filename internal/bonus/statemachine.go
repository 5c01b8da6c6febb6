package bonus

import "github.com/samber/lo"

var transitions = map[string][]string{
	BonusStatusEligible: {BonusStatusActive, BonusStatusExpired, BonusStatusForfeited},
	BonusStatusActive:   {BonusStatusCompleted, BonusStatusForfeited, BonusStatusExpired},
}

// CanTransition reports whether an instance may move from one status to
// another. Completed, forfeited and expired are terminal.
func CanTransition(from, to string) bool {
	return lo.Contains(transitions[from], to)
}

func IsTerminal(status string) bool {
	switch status {
	case BonusStatusCompleted, BonusStatusForfeited, BonusStatusExpired:
		return true
	}
	return false
}

// countedStatuses are the statuses that count against max_per_user.
var countedStatuses = []string{
	BonusStatusActive,
	BonusStatusCompleted,
	BonusStatusForfeited,
	BonusStatusExpired,
}

func transition(inst *BonusInstance, to string) error {
	if !CanTransition(inst.Status, to) {
		return invalidTransition(inst.Status, to)
	}
	inst.Status = to
	return nil
}
