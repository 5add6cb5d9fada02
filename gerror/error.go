// Package gerror centralizes the sentinel errors surfaced across the
// settlement core, compared against with errors.Is.
package gerror

import "errors"

var (
	// ErrNotFound is returned when a requested order, filler, batch or
	// account could not be located.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned on caller input that fails validation.
	ErrInvalid = errors.New("invalid input")

	// ErrConflict is returned when an optimistic compare-and-swap on a
	// row's updated_at loses a race.
	ErrConflict = errors.New("conflict: stale version")

	// ErrIllegalTransition is returned when a requested (kind, from, to)
	// triple is not in the order state machine table.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrIllegalState is returned when an operation is invoked against a
	// component that is not in the state required to perform it (for
	// example finalizing a batch that is not Building).
	ErrIllegalState = errors.New("illegal state for operation")

	// ErrInsufficientCapacity is returned when a filler's available
	// balance cannot cover a requested lock.
	ErrInsufficientCapacity = errors.New("insufficient filler capacity")

	// ErrForbidden is returned when a caller-supplied identity does not
	// match the owner recorded on the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrCancelled is returned when a caller-supplied deadline expires at
	// a suspension point.
	ErrCancelled = errors.New("operation cancelled")

	// ErrBusy is returned when start_batch is called while another batch
	// is already Building.
	ErrBusy = errors.New("batch worker busy")

	// ErrProverUnavailable is a transient error: the prover could not be
	// reached and the caller should retry with backoff.
	ErrProverUnavailable = errors.New("prover unavailable")

	// ErrProverRejected is a fatal error for the batch under proof: the
	// prover ran and rejected the witness.
	ErrProverRejected = errors.New("prover rejected witness")

	// ErrNegativeBalance signals a fatal invariant violation: applying a
	// set of deltas would drive an account balance below zero.
	ErrNegativeBalance = errors.New("account balance would go negative")
)

// Fatal wraps an unexpected invariant violation. Callers that encounter a
// Fatal error must not silently discard the event: the batch (or order)
// that triggered it is marked Failed and an alert is raised; the process
// itself keeps running.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return "fatal: " + f.Err.Error() }

func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal wraps err as a Fatal invariant violation.
func NewFatal(err error) error {
	return &Fatal{Err: err}
}
