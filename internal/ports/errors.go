package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// core can classify failures with errors.Is without knowing the exchange SDK.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Market Data Errors
	ErrDataIntegrity = errors.New("implausible or malformed candle data")
	ErrFeedStale     = errors.New("market data feed is stale")
	ErrFeedClosed    = errors.New("market data feed disconnected")

	// Exchange Errors — transient (retried by the order executor)
	ErrExchangeUnavailable = errors.New("exchange API is unavailable")
	ErrConnectionFailed    = errors.New("failed to connect to the exchange")
	ErrRateLimited         = errors.New("API rate limit exceeded")

	// Exchange Errors — fatal (no retry; position moves to failed)
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderRejected        = errors.New("order rejected by the exchange")
	ErrOrderNotFound        = errors.New("order not found on the exchange")

	// ErrOrderStateUnknown means a submitted order could not be confirmed or
	// ruled out on the exchange before the attempt budget ran out. The caller
	// may hold an untracked fill and must not treat the order as missed.
	ErrOrderStateUnknown = errors.New("order state unresolved after submission")

	// Database Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// IsTransient reports whether an exchange error is worth retrying with
// backoff. Everything else is surfaced immediately.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable)
}

// IsAmbiguous reports whether the outcome of a submitted order is unknown
// after the error: the request may or may not have reached the exchange, so
// order status must be queried before resubmitting.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}
