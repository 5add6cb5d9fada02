package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountKey identifies an account row: an address scoped to one token.
type AccountKey struct {
	Address common.Address
	TokenID *big.Int
}

// Account is a single off-chain balance row. Accounts are created lazily
// on first credit and never destroyed.
type Account struct {
	Key     AccountKey
	Balance *big.Int
}

// Delta is a signed balance change to apply to one account. Positive
// deltas credit, negative deltas debit.
type Delta struct {
	Address common.Address
	TokenID *big.Int
	Amount  *big.Int // may be negative
}
