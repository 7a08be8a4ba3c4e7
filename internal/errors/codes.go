package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation errors (request input violates field constraints)
const (
	ErrCodeMissingField     ErrorCode = "missing_field"
	ErrCodeInvalidField     ErrorCode = "invalid_field"
	ErrCodeInvalidAmount    ErrorCode = "invalid_amount"
	ErrCodeInvalidCurrency  ErrorCode = "invalid_currency"
	ErrCodeInvalidTimeRange ErrorCode = "invalid_time_range"
	ErrCodeSessionTooShort  ErrorCode = "session_too_short"
	ErrCodeInvalidTimezone  ErrorCode = "invalid_timezone"
	ErrCodeInvalidRole      ErrorCode = "invalid_role"
)

// State rejections (command not permitted in the booking's current state)
const (
	ErrCodeStateRejected      ErrorCode = "state_rejected"
	ErrCodeAlreadyCancelled   ErrorCode = "already_cancelled"
	ErrCodeAlreadyEnded       ErrorCode = "already_ended"
	ErrCodeAlreadyExpired     ErrorCode = "already_expired"
	ErrCodePaymentNotCaptured ErrorCode = "payment_not_captured"
	ErrCodeDisputeNotOpen     ErrorCode = "dispute_not_open"
	ErrCodeDisputeAlreadyOpen ErrorCode = "dispute_already_open"
)

// Concurrency / resource conflicts
const (
	ErrCodeOptimisticLockConflict ErrorCode = "optimistic_lock_conflict"
	ErrCodeTimeConflict           ErrorCode = "time_conflict"
	ErrCodeSlotUnavailable        ErrorCode = "slot_unavailable"
	ErrCodeInsufficientFunds      ErrorCode = "insufficient_funds"
	ErrCodeRefundExceedsPayment   ErrorCode = "refund_exceeds_payment"
)

// Resource errors
const (
	ErrCodeBookingNotFound ErrorCode = "booking_not_found"
	ErrCodePaymentNotFound ErrorCode = "payment_not_found"
	ErrCodeRefundNotFound  ErrorCode = "refund_not_found"
	ErrCodePackageNotFound ErrorCode = "package_not_found"
	ErrCodeIntentNotFound  ErrorCode = "intent_not_found"
)

// Webhook errors
const (
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeDuplicateEvent   ErrorCode = "duplicate_event"
	ErrCodeStaleEvent       ErrorCode = "stale_event"
)

// External service errors
const (
	ErrCodeProviderError       ErrorCode = "provider_error"
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"
	ErrCodeNetworkError        ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError      ErrorCode = "internal_error"
	ErrCodeDatabaseError      ErrorCode = "database_error"
	ErrCodeConfigError        ErrorCode = "config_error"
	ErrCodeInvariantViolation ErrorCode = "invariant_violation"
)

// Rate limiting / lockout
const (
	ErrCodeRateLimited    ErrorCode = "rate_limited"
	ErrCodeAccountLocked  ErrorCode = "account_locked"
	ErrCodeTooManyRetries ErrorCode = "too_many_retries"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient contention or provider issues, not
// validation failures or state rejections.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeOptimisticLockConflict,
		ErrCodeProviderUnavailable,
		ErrCodeNetworkError,
		ErrCodeTooManyRetries:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidCurrency,
		ErrCodeInvalidTimeRange,
		ErrCodeSessionTooShort,
		ErrCodeInvalidTimezone,
		ErrCodeInvalidRole,
		ErrCodeInvalidSignature:
		return 400

	// 402 Payment Required - funds and refund sizing failures
	case ErrCodeInsufficientFunds,
		ErrCodeRefundExceedsPayment:
		return 402

	// 404 Not Found
	case ErrCodeBookingNotFound,
		ErrCodePaymentNotFound,
		ErrCodeRefundNotFound,
		ErrCodePackageNotFound,
		ErrCodeIntentNotFound:
		return 404

	// 409 Conflict - state rejections and contention
	case ErrCodeStateRejected,
		ErrCodeAlreadyCancelled,
		ErrCodeAlreadyEnded,
		ErrCodeAlreadyExpired,
		ErrCodePaymentNotCaptured,
		ErrCodeDisputeNotOpen,
		ErrCodeDisputeAlreadyOpen,
		ErrCodeOptimisticLockConflict,
		ErrCodeTimeConflict,
		ErrCodeSlotUnavailable,
		ErrCodeTooManyRetries:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimited,
		ErrCodeAccountLocked:
		return 429

	// 502 Bad Gateway - external service errors
	case ErrCodeProviderError,
		ErrCodeProviderUnavailable,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
