package logging

// Standard field names. Use these exact keys so log queries work across packages.
const (
	// Core identifiers
	LogFieldTenant         = "tenant_id"
	LogFieldSessionKey     = "session_key"
	LogFieldPlatform       = "platform"
	LogFieldMessageID      = "message_id"
	LogFieldConversationID = "conversation_id"
	LogFieldRecipient      = "recipient"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldEvent     = "event"
	LogFieldMethod    = "method"

	// Session lifecycle
	LogFieldFromStatus = "from_status"
	LogFieldToStatus   = "to_status"

	// Message and queue fields
	LogFieldMessageType = "message_type"
	LogFieldDirection   = "direction"
	LogFieldPriority    = "priority"
	LogFieldQueueDepth  = "queue_depth"
	LogFieldRetryCount  = "retry_count"
	LogFieldDelay       = "delay_ms"

	// Performance
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Request correlation
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"
	LogFieldService   = "service"

	// Errors
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Level usage:
//
//	DEBUG  per-message flow, raw webhook payload summaries (sanitized)
//	INFO   session transitions, startup/shutdown, configuration loaded
//	WARN   retryable send failures, dropped webhook events, degraded media
//	ERROR  terminal send failures, persistence failures, provider init errors
