// Package proof implements the proof binding: one contract, two
// implementations. The core treats the
// proof as opaque bytes; the only failure kinds it distinguishes are
// gerror.ErrProverUnavailable (transient, retry) and
// gerror.ErrProverRejected (fatal for the batch under proof).
package proof

import (
	"math/big"

	"github.com/offramp-labs/settlement-core/domain"
)

// PublicInputs are the batch id and four roots a proof attests to
// transition between.
type PublicInputs struct {
	BatchID        uint32
	PrevStateRoot  [32]byte
	PrevOrdersRoot [32]byte
	NewStateRoot   [32]byte
	NewOrdersRoot  [32]byte
}

// OrderWitness is the witness-side description of one order leaf
// contributed to a batch.
type OrderWitness struct {
	OrderID [16]byte
	Kind    domain.Kind
	From    [20]byte
	To      [20]byte
	TokenID *big.Int
	Amount  *big.Int
}

// AccountWitness is the witness-side description of one account leaf.
type AccountWitness struct {
	Address [20]byte
	TokenID *big.Int
	Balance *big.Int
}

// BatchWitness is the full private input the production prover binding
// marshals and hands to the external prover.
type BatchWitness struct {
	PublicInputs PublicInputs
	Orders       []OrderWitness
	PrevAccounts []AccountWitness
	NewAccounts  []AccountWitness
}
