package orders

import "github.com/offramp-labs/settlement-core/domain"

type transitionKey struct {
	kind domain.Kind
	from domain.Status
	to   domain.Status
}

// legalTransitions is the exhaustive (kind, from, to) table. Only
// BridgeIn orders traverse Pending through MarkPaid; Transfer and
// BridgeOut are created directly in Settled by the batch builder (see
// CreateSettled) and never appear on the left side of a transition here.
var legalTransitions = map[transitionKey]bool{
	{domain.BridgeIn, domain.Pending, domain.Discovery}: true,
	{domain.BridgeIn, domain.Discovery, domain.Locked}:  true,
	{domain.BridgeIn, domain.Locked, domain.MarkPaid}:   true,
	{domain.BridgeIn, domain.MarkPaid, domain.Settled}:  true,

	// Reclaim path: a Locked order that is not proved within
	// LockTimeout returns to Discovery.
	{domain.BridgeIn, domain.Locked, domain.Discovery}: true,

	// Fatal-error path, available from every non-terminal BridgeIn state.
	{domain.BridgeIn, domain.Pending, domain.Failed}:   true,
	{domain.BridgeIn, domain.Discovery, domain.Failed}: true,
	{domain.BridgeIn, domain.Locked, domain.Failed}:    true,
	{domain.BridgeIn, domain.MarkPaid, domain.Failed}:  true,

	// A batch that fails after selecting MarkPaid orders reverts them so
	// they can be selected again by a later batch.
	{domain.BridgeIn, domain.MarkPaid, domain.MarkPaid}: true,
}

// CanTransition reports whether the (kind, from, to) triple is a legal
// move in the state machine. Callers that find a case missing here
// should add it explicitly rather than falling through to a permissive
// default; the table carries no wildcard entries.
func CanTransition(kind domain.Kind, from, to domain.Status) bool {
	return legalTransitions[transitionKey{kind, from, to}]
}

// IsTerminal reports whether status is a terminal state (Settled or
// Failed), from which no further transition is legal for any kind.
func IsTerminal(status domain.Status) bool {
	return status == domain.Settled || status == domain.Failed
}
