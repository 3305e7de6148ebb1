package outbox

import "errors"

var (
	ErrStoreRequired   = errors.New("outbox store is required")
	ErrSenderRequired  = errors.New("outbox sender is required")
	ErrDrainerRequired = errors.New("outbox drainer is required")
	ErrClaimFailed     = errors.New("outbox claim failed")
	ErrSendFailed      = errors.New("outbox send failed")
	ErrCommitFailed    = errors.New("outbox commit failed")
	// ErrMalformedEntry marks database state that retrying cannot fix, such as
	// a missing column or a row without a routing key.
	ErrMalformedEntry = errors.New("outbox entry is malformed")
	ErrSchemaInvalid  = errors.New("invalid outbox schema")
)

// IsRetryable reports whether a drain error is expected to clear on a later
// attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, ErrMalformedEntry) && !errors.Is(err, ErrSchemaInvalid)
}
