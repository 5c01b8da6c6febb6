package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers: "fix your input" versus "try later"
// versus "something broke".
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Reason codes reported to callers.
const (
	ReasonBonusNotFound         = "bonus_not_found"
	ReasonBonusInactive         = "bonus_inactive"
	ReasonOutsideValidity       = "outside_validity_window"
	ReasonInvalidCode           = "invalid_code"
	ReasonDepositBelowMinimum   = "deposit_below_minimum"
	ReasonDepositNotFound       = "deposit_not_found"
	ReasonDepositAlreadyUsed    = "deposit_already_used"
	ReasonLimitExceeded         = "limit_exceeded"
	ReasonCooldownActive        = "cooldown_active"
	ReasonAlreadyClaimed        = "already_claimed"
	ReasonConcurrentClaim       = "concurrent_claim"
	ReasonNotEligible           = "not_eligible"
	ReasonInvalidTransition     = "invalid_transition"
	ReasonInstanceNotFound      = "instance_not_found"
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonInvalidRequest        = "invalid_request"
	ReasonInvalidDefinition     = "invalid_definition"
	ReasonRateLimited           = "rate_limited"
	ReasonStorageUnavailable    = "storage_unavailable"
	ReasonInternal              = "internal_error"
	ReasonUnauthorized          = "unauthorized"
	ReasonForbidden             = "forbidden"
	ReasonWalletNotFound        = "wallet_not_found"
	ReasonDefinitionCodeInUse   = "code_in_use"
	ReasonUnsupportedWalletType = "unsupported_wallet_type"
)

// AppError is an error with a caller-visible kind and reason code.
type AppError struct {
	Kind    Kind   `json:"-"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s [%v]", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Reason, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on kind and reason so callers can compare against a template.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func New(kind Kind, reason, message string) *AppError {
	return &AppError{Kind: kind, Reason: reason, Message: message}
}

func Wrap(err error, kind Kind, reason, message string) *AppError {
	return &AppError{Kind: kind, Reason: reason, Message: message, Err: err}
}

func Validation(reason, message string) *AppError {
	return New(KindValidation, reason, message)
}

func Conflict(reason, message string) *AppError {
	return New(KindConflict, reason, message)
}

func NotFound(reason, message string) *AppError {
	return New(KindNotFound, reason, message)
}

// Storage wraps a persistence failure. Deadline and cancellation errors are
// reported as retryable unavailability, never as success.
func Storage(err error, message string) *AppError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(err, KindUnavailable, ReasonStorageUnavailable, message)
	}
	return Wrap(err, KindInternal, ReasonInternal, message)
}

// As extracts the AppError from err, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal when err carries none.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason code of err, ReasonInternal when it carries none.
func ReasonOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Reason
	}
	return ReasonInternal
}

// IsRetryable reports whether the unit of work may be retried as-is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	if ReasonOf(err) == ReasonRateLimited {
		return http.StatusTooManyRequests
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response returns a body suitable for a JSON error response.
func Response(err error) map[string]interface{} {
	if appErr, ok := As(err); ok {
		return map[string]interface{}{
			"kind":    appErr.Kind.String(),
			"reason":  appErr.Reason,
			"message": appErr.Message,
		}
	}
	return map[string]interface{}{
		"kind":    KindInternal.String(),
		"reason":  ReasonInternal,
		"message": "internal server error",
	}
}
