// Package domain holds the entity types shared across every component of
// the settlement core, so that merkle, accounts, orders, fillerledger,
// matching, batch, proof and chainadapter can all depend on one
// definition of "what an Order is" without importing each other.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind identifies what an order represents on the settlement ledger.
type Kind uint8

const (
	// BridgeIn is a seller's deposit awaiting a fiat payment from a filler.
	BridgeIn Kind = 0
	// BridgeOut is a synthetic, claimable leaf authorizing a filler to
	// withdraw tokens on-chain. Created only by the batch builder.
	BridgeOut Kind = 1
	// Transfer is a synthetic, non-claimable leaf moving off-chain
	// balance from seller to filler. Created only by the batch builder.
	Transfer Kind = 2
)

func (k Kind) String() string {
	switch k {
	case BridgeIn:
		return "BridgeIn"
	case BridgeOut:
		return "BridgeOut"
	case Transfer:
		return "Transfer"
	default:
		return "Unknown"
	}
}

// Status is a position in the order state machine.
type Status uint8

const (
	// Pending is the initial state of a BridgeIn order just after
	// deposit ingestion.
	Pending Status = iota
	// Discovery is a BridgeIn order eligible for filler locking.
	Discovery
	// Locked is a BridgeIn order claimed by exactly one filler.
	Locked
	// MarkPaid is a BridgeIn order whose filler has submitted a payment
	// proof; it is now eligible for batch selection.
	MarkPaid
	// Settled is the terminal state for every order kind once a batch
	// that includes it has been sealed.
	Settled
	// Failed is a terminal state reached only via a fatal error.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Discovery:
		return "Discovery"
	case Locked:
		return "Locked"
	case MarkPaid:
		return "MarkPaid"
	case Settled:
		return "Settled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ZeroAddress is the all-zero 20-byte address encoded as the "from" of a
// BridgeOut leaf. The on-chain verifier's test vectors expect address(0)
// here, not the recipient.
var ZeroAddress = common.Address{}

// Order is the single entity type spanning all three kinds. Not every
// field is meaningful for every kind: FillerID,
// LockedAmount and BankingHash are only ever set on BridgeIn orders.
type Order struct {
	ID              uuid.UUID
	Kind            Kind
	Status          Status
	FromAddress     common.Address
	ToAddress       common.Address
	TokenID         *big.Int
	Amount          *big.Int
	BankingHash     [32]byte
	FillerID        *string
	LockedAmount    *big.Int
	BatchID         *uint32
	OnChainOrderID  *uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the construction invariants of a fresh order,
// independent of its current state-machine position.
func (o *Order) Validate() error {
	if o.Amount == nil || o.Amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if o.TokenID == nil || o.TokenID.Sign() == 0 {
		return errInvalidTokenID
	}
	if o.Kind == BridgeIn && o.BankingHash == [32]byte{} {
		return errMissingBankingHash
	}
	return nil
}
