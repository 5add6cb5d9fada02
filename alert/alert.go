// Package alert implements the operator-alert hook raised on fatal
// invariant violations, so money-moving events are never silently
// discarded. It is deliberately minimal: one interface, one log-backed
// default implementation. A real deployment swaps in a Sink that pages
// someone.
package alert

import (
	"context"

	"github.com/offramp-labs/settlement-core/log"
)

// Event is a single operator-facing alert, raised by the batch builder
// when the account store refuses a batch's deltas with
// gerror.ErrNegativeBalance.
type Event struct {
	Component string
	BatchID   uint32
	Err       error
}

// Sink receives alert Events. Implementations must not block the caller
// for long: the batch worker raises an alert on its own failure path and
// must still return promptly to the caller.
type Sink interface {
	Raise(ctx context.Context, e Event)
}

// LogSink is the default Sink: it logs at error level and does nothing
// else. The process keeps running past a fatal error; only the affected
// batch is marked Failed.
type LogSink struct{}

// Raise implements Sink.
func (LogSink) Raise(_ context.Context, e Event) {
	log.Errorf("ALERT[%s]: batch %d: %v", e.Component, e.BatchID, e.Err)
}

// NoOp discards every alert, used in tests that don't assert on alerting.
type NoOp struct{}

// Raise implements Sink.
func (NoOp) Raise(context.Context, Event) {}
