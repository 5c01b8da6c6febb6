package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindAndStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"validation", Validation(ReasonInvalidCode, "bad code"), KindValidation, http.StatusUnprocessableEntity},
		{"conflict", Conflict(ReasonCooldownActive, "later"), KindConflict, http.StatusConflict},
		{"not found", NotFound(ReasonBonusNotFound, "missing"), KindNotFound, http.StatusNotFound},
		{"rate limited", Conflict(ReasonRateLimited, "slow down"), KindConflict, http.StatusTooManyRequests},
		{"plain error", errors.New("boom"), KindInternal, http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("claim: %w", Conflict(ReasonAlreadyClaimed, "x")), KindConflict, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestStorageTimeoutIsRetryable(t *testing.T) {
	err := Storage(fmt.Errorf("query: %w", context.DeadlineExceeded), "load instance")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ReasonStorageUnavailable, ReasonOf(err))

	err = Storage(errors.New("syntax error"), "load instance")
	assert.False(t, IsRetryable(err))
}

func TestErrorsIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("outer: %w", Validation(ReasonDepositBelowMinimum, "deposit 10 below 50"))
	assert.True(t, errors.Is(err, Validation(ReasonDepositBelowMinimum, "")))
	assert.False(t, errors.Is(err, Validation(ReasonInvalidCode, "")))
}

func TestResponseBody(t *testing.T) {
	body := Response(Conflict(ReasonCooldownActive, "cooldown active"))
	require.Equal(t, "conflict", body["kind"])
	require.Equal(t, ReasonCooldownActive, body["reason"])

	body = Response(errors.New("db exploded"))
	require.Equal(t, "internal server error", body["message"])
}
