package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	plain := New(ErrCodeSessionNotFound, "session not found")
	assert.Equal(t, "SESSION_NOT_FOUND: session not found", plain.Error())

	wrapped := Wrap(errors.New("boom"), ErrCodeProviderAPI, "send failed")
	assert.Equal(t, "PROVIDER_API: send failed: boom", wrapped.Error())
	assert.Equal(t, "boom", errors.Unwrap(wrapped).Error())
}

func TestAs_FindsWrappedAppError(t *testing.T) {
	inner := NewCapacityError(3)
	outer := fmt.Errorf("create session: %w", inner)

	appErr, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSessionCapacity, appErr.Code)
	assert.Equal(t, ErrCodeSessionCapacity, GetCode(outer))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestHasCode_WalksCauses(t *testing.T) {
	inner := New(ErrCodeConflict, "duplicate")
	outer := NewDatabaseError("insert conversation", inner)

	assert.True(t, HasCode(outer, ErrCodeConflict))
	assert.True(t, HasCode(outer, ErrCodeDatabaseQuery))
	assert.False(t, HasCode(outer, ErrCodeTimeout))
	assert.False(t, HasCode(nil, ErrCodeConflict))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error is transient", errors.New("reset by peer"), false},
		{"deadline exceeded is transient", fmt.Errorf("send: %w", context.DeadlineExceeded), false},
		{"send rejected", NewSendRejectedError("whatsapp", "invalid recipient"), true},
		{"provider 400", NewAPIError("meta", "/me/messages", http.StatusBadRequest, errors.New("bad")), true},
		{"provider 503", NewAPIError("meta", "/me/messages", http.StatusServiceUnavailable, errors.New("down")), false},
		{"provider 429", NewAPIError("waha", "/api/sendText", http.StatusTooManyRequests, errors.New("slow down")), false},
		{"transport", NewTransportError("waha", "/api/sendText", errors.New("dial")), false},
		{"timeout code", NewTimeoutError("send", "30s"), false},
		{"validation", NewValidationError("to", "", "required"), true},
		{"revoked credentials", NewAuthError("token expired"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(WrapRetryable(errors.New("x"), ErrCodeDatabaseQuery, "q")))
	assert.False(t, IsRetryable(New(ErrCodeDatabaseQuery, "q")))
	assert.False(t, IsRetryable(errors.New("x")))
}

func TestWithContextAndUserMessage(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad").WithContext("field", "to").WithUserMessage("Recipient is required")
	assert.Equal(t, "to", err.Context["field"])
	assert.Equal(t, "Recipient is required", GetUserMessage(err))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("x")))
}
