package bonus

import (
	"errors"
	"fmt"

	"bonus_service/internal/apperrors"
)

var (
	ErrDefinitionNotFound    = errors.New("bonus definition not found")
	ErrInstanceNotFound      = errors.New("bonus instance not found")
	ErrStaleInstance         = errors.New("bonus instance was modified concurrently")
	ErrDuplicateContribution = errors.New("wager contribution already recorded")
	ErrDuplicateCode         = errors.New("bonus code already in use")
)

func invalidTransition(from, to string) error {
	return apperrors.Conflict(apperrors.ReasonInvalidTransition,
		fmt.Sprintf("cannot move bonus instance from %s to %s", from, to))
}

// classify turns a repository or ledger error into a caller-visible error.
// AppErrors pass through unchanged.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrDefinitionNotFound):
		return apperrors.Validation(apperrors.ReasonBonusNotFound, "bonus not found")
	case errors.Is(err, ErrInstanceNotFound):
		return apperrors.NotFound(apperrors.ReasonInstanceNotFound, "bonus instance not found")
	case errors.Is(err, ErrDuplicateCode):
		return apperrors.Conflict(apperrors.ReasonDefinitionCodeInUse, "bonus code already in use")
	case errors.Is(err, ErrStaleInstance):
		return apperrors.Wrap(err, apperrors.KindUnavailable, apperrors.ReasonConcurrentClaim, "bonus instance is busy, retry")
	}
	return apperrors.Storage(err, message)
}
