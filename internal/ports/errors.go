package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Retryable transport errors
	ErrNetwork     = errors.New("exchange network error")
	ErrTimeout     = fmt.Errorf("%w: operation timed out", ErrNetwork)
	ErrRateLimited = fmt.Errorf("%w: API rate limit exceeded", ErrNetwork)

	// Exchange Specific Errors
	ErrOrderRejected        = errors.New("order rejected by exchange")
	ErrMinNotional          = fmt.Errorf("%w: below minimum order notional", ErrOrderRejected)
	ErrInsufficientFunds    = fmt.Errorf("%w: insufficient funds for operation", ErrOrderRejected)
	ErrInvalidSymbol        = errors.New("invalid or delisted symbol")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")

	// Core errors
	ErrLockAcquisition    = errors.New("failed to acquire file lock")
	ErrRiskBlocked        = errors.New("blocked by risk controller")
	ErrInvariantViolation = errors.New("position invariant violated")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrInsertFailed = errors.New("database insert failed")
)

// IsRetryable reports whether err is a transient transport failure worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
