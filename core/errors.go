package core

import "errors"

// Sentinel error kinds from spec.md §7. Components wrap these with
// fmt.Errorf("...: %w", ErrX) or pkg/utils.Wrap so callers can branch
// with errors.Is rather than string matching.
var (
	// ErrDuplicateBlock is returned by Store.Insert when a block with the
	// same id already exists. Callers treat this as idempotent, not fatal.
	ErrDuplicateBlock = errors.New("flowchain: duplicate block")

	// ErrStore wraps underlying persistence I/O failures. Fatal for the
	// current operation; the chain_lock is released only after logging.
	ErrStore = errors.New("flowchain: store error")

	// ErrSignatureInvalid is returned when a signature fails verification.
	// The message carrying it is dropped silently: no persistence, no reply.
	ErrSignatureInvalid = errors.New("flowchain: signature invalid")

	// ErrTimeout is returned when a requester's wait for a signed response
	// exceeds the configured request timeout.
	ErrTimeout = errors.New("flowchain: signature request timed out")

	// ErrNoCandidate is returned by the Scheduler when discovery cannot
	// resolve a live peer for an over-threshold accumulator.
	ErrNoCandidate = errors.New("flowchain: no candidate peer available")

	// ErrLockBusy names the responder-path condition where the local chain
	// lock is already held by an outgoing initiation. Expected
	// back-pressure, not a failure: the responder drops such a request
	// with a debug log and does not return this error.
	ErrLockBusy = errors.New("flowchain: chain lock busy")

	// ErrRequesterHalfModified is returned when a counter-signed response's
	// requester-signable prefix does not match what was originally sent.
	ErrRequesterHalfModified = errors.New("flowchain: requester half modified in response")
)
