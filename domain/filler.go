package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PayoutWallet is one entry of a filler's payout-split configuration.
// Splitting across wallets at claim time is the filler's on-chain
// responsibility; the core only validates percentages.
type PayoutWallet struct {
	Address    common.Address
	Percentage uint8
}

// TokenBalance holds the total/locked split of a filler's balance for
// one token_id. Available is always derived, never stored.
type TokenBalance struct {
	Total  *big.Int
	Locked *big.Int
}

// Available returns Total - Locked.
func (b TokenBalance) Available() *big.Int {
	return new(big.Int).Sub(b.Total, b.Locked)
}

// Filler is a long-lived identity that delivers fiat and later claims
// tokens.
type Filler struct {
	ID             string
	Balances       map[string]TokenBalance // keyed by TokenID.String()
	CompletedJobs  uint64
	Wallets        []PayoutWallet
	OperationalAddr common.Address // where Transfer orders credit this filler off-chain
	PayoutAddr      common.Address // where BridgeOut orders resolve on-chain
}

// ValidateWallets reports whether the set of percentages sums to exactly
// 0 (no split configured) or 100.
func ValidateWallets(wallets []PayoutWallet) bool {
	var sum int
	for _, w := range wallets {
		sum += int(w.Percentage)
	}
	return sum == 0 || sum == 100
}
