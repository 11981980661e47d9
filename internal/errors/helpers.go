package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewAPIError creates an error for a provider HTTP call. 5xx, 429 and 408
// responses are retryable; any other status is a permanent rejection.
func NewAPIError(provider, endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	appErr := Wrap(err, ErrCodeProviderAPI, fmt.Sprintf("%s API call failed", provider)).
		WithContext("provider", provider).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable
	return appErr
}

// NewTransportError wraps a network failure talking to a provider.
func NewTransportError(provider, endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeProviderAPI, fmt.Sprintf("%s request failed", provider)).
		WithContext("provider", provider).
		WithContext("endpoint", endpoint)
}

// NewSendRejectedError marks a send as permanently failed, e.g. an invalid
// recipient or an unsupported message type.
func NewSendRejectedError(provider, reason string) *AppError {
	return New(ErrCodeSendRejected, reason).
		WithContext("provider", provider).
		WithUserMessage("The provider rejected the message")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window).
		WithUserMessage("Too many requests, please try again later")
}

// NewMediaError creates a media processing error
func NewMediaError(operation, mediaType string, err error) *AppError {
	return Wrap(err, ErrCodeMediaDownload, fmt.Sprintf("media %s failed", operation)).
		WithContext("operation", operation).
		WithContext("media_type", mediaType).
		WithUserMessage("Media processing failed")
}

// NewCapacityError is returned when the process-wide session cap is reached.
func NewCapacityError(limit int) *AppError {
	return New(ErrCodeSessionCapacity, "session capacity exceeded").
		WithContext("limit", limit).
		WithUserMessage("The maximum number of sessions has been reached")
}

// NewSessionNotFoundError reports an unknown session key.
func NewSessionNotFoundError(sessionKey string) *AppError {
	return New(ErrCodeSessionNotFound, "session not found").
		WithContext("session_key", sessionKey).
		WithUserMessage("Session not found")
}

// NewSessionNotConnectedError is returned when enqueueing for a session that does not exist.
func NewSessionNotConnectedError(sessionKey string) *AppError {
	return New(ErrCodeSessionNotConnected, "session not connected").
		WithContext("session_key", sessionKey).
		WithUserMessage("Session is not connected")
}

// NewSessionInitError reports a provider initialisation failure; the session is left in error.
func NewSessionInitError(sessionKey string, err error) *AppError {
	return Wrap(err, ErrCodeSessionInit, "session initialisation failed").
		WithContext("session_key", sessionKey).
		WithUserMessage("Could not initialise the session")
}

// NewInvalidTransitionError reports a state change outside the session state machine.
func NewInvalidTransitionError(sessionKey, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("invalid session transition %s -> %s", from, to)).
		WithContext("session_key", sessionKey).
		WithContext("from", from).
		WithContext("to", to)
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeSessionNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit, ErrCodeSessionCapacity:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeSessionNotConnected, ErrCodeInvalidTransition, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeSendRejected:
		return http.StatusUnprocessableEntity
	case ErrCodeSessionInit, ErrCodeProviderAPI, ErrCodeMediaDownload:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" && k != "credentials" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
