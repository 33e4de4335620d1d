package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrRateLimitExceeded           = errors.New("rate limit exceeded")
	ErrInsufficientInventory       = errors.New("insufficient inventory")
	ErrPaymentIntentCreationFailed = errors.New("payment intent creation failed")
	ErrPaymentOutcomeUnknown       = errors.New("payment intent outcome unknown")

	// ErrStaleTransition is returned when an event does not apply to the
	// order's current status. Callers treat it as a no-op.
	ErrStaleTransition = errors.New("stale transition")
	// ErrAlreadyApplied is returned when the order already sits in the
	// status the event would move it to.
	ErrAlreadyApplied = errors.New("transition already applied")

	ErrDuplicateWebhookEvent = errors.New("duplicate webhook event")
)
