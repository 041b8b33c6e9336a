package domain

import "errors"

var (
	// ErrInvalidMessage is returned for empty or whitespace-only text. It
	// is raised locally and never reaches the store.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidTicket is returned when a ticket id is empty.
	ErrInvalidTicket = errors.New("invalid ticket id")

	// ErrStoreUnavailable wraps transient transport failures. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSeedContention is the expected outcome for the loser of a
	// concurrent seed. It is swallowed by the seed policy.
	ErrSeedContention = errors.New("seed contention")

	// ErrSubscriptionLost signals that a live stream dropped and must be
	// re-established from the last cursor.
	ErrSubscriptionLost = errors.New("subscription lost")

	// ErrChannelDiscarded is returned when using a handle after its last
	// reference was closed.
	ErrChannelDiscarded = errors.New("channel discarded")

	// ErrSendDenied is returned when the send policy rejects a message.
	ErrSendDenied = errors.New("send denied")

	// ErrNotFound is returned for unknown local ids or subscribers.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrSubscriptionLost)
}
