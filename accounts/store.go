// Package accounts implements the account state store: a keyed map
// (address, token_id) -> balance that applies balance deltas atomically
// and exposes a deterministic snapshot root for the Merkle commitment
// layer to consume.
package accounts

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/merkle"
)

// Store is the narrow interface the batch builder and RPC handlers depend
// on. The in-memory Memory type below satisfies it for tests and for
// single-process deployments run without a database; the
// Postgres-backed implementation in db/pgstorage satisfies the same
// interface for durability across restarts.
type Store interface {
	// Get returns the current balance for (address, token_id), defaulting
	// to zero for unknown keys.
	Get(ctx context.Context, address common.Address, tokenID *big.Int) (*big.Int, error)

	// Apply applies every delta atomically: if any resulting balance
	// would be negative, no delta is applied and gerror.ErrNegativeBalance
	// is returned. On success it returns the new state root.
	Apply(ctx context.Context, deltas []domain.Delta) (merkle.Hash, error)

	// Snapshot returns the canonical, sorted account-leaf sequence and
	// the state-tree root of those leaves. The root returned here equals
	// the root returned by the Apply call immediately preceding it.
	Snapshot(ctx context.Context) (merkle.Hash, []domain.Account, error)
}

type key struct {
	address common.Address
	tokenID string
}

// Memory is an in-process, mutex-serialized implementation of Store.
type Memory struct {
	mu       sync.Mutex
	balances map[key]*big.Int
}

// NewMemory creates an empty account state store.
func NewMemory() *Memory {
	return &Memory{balances: make(map[key]*big.Int)}
}

func toKey(address common.Address, tokenID *big.Int) key {
	return key{address: address, tokenID: tokenID.String()}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, address common.Address, tokenID *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(address, tokenID), nil
}

func (m *Memory) getLocked(address common.Address, tokenID *big.Int) *big.Int {
	if bal, ok := m.balances[toKey(address, tokenID)]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Apply implements Store.
func (m *Memory) Apply(_ context.Context, deltas []domain.Delta) (merkle.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Compute the resulting balances into a scratch map first so a
	// negative-balance failure leaves the store untouched.
	scratch := make(map[key]*big.Int, len(deltas))
	for _, d := range deltas {
		k := toKey(d.Address, d.TokenID)
		cur, ok := scratch[k]
		if !ok {
			cur = m.getLocked(d.Address, d.TokenID)
		}
		next := new(big.Int).Add(cur, d.Amount)
		if next.Sign() < 0 {
			return merkle.Hash{}, gerror.ErrNegativeBalance
		}
		scratch[k] = next
	}

	for k, v := range scratch {
		m.balances[k] = v
	}

	return m.rootLocked(), nil
}

// Snapshot implements Store.
func (m *Memory) Snapshot(_ context.Context) (merkle.Hash, []domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootLocked(), m.leavesLocked(), nil
}

func (m *Memory) rootLocked() merkle.Hash {
	leaves := m.leavesLocked()
	hashes := make([]merkle.Hash, len(leaves))
	for i, a := range leaves {
		hashes[i] = merkle.AccountLeaf(a.Key.Address, a.Key.TokenID, a.Balance)
	}
	return merkle.Build(hashes).Root()
}

// leavesLocked returns accounts sorted ascending by (address, token_id)
// lexicographic byte order, the canonical leaf ordering of the state
// tree.
func (m *Memory) leavesLocked() []domain.Account {
	accounts := make([]domain.Account, 0, len(m.balances))
	for k, v := range m.balances {
		tokenID, _ := new(big.Int).SetString(k.tokenID, 10)
		accounts = append(accounts, domain.Account{
			Key:     domain.AccountKey{Address: k.address, TokenID: tokenID},
			Balance: new(big.Int).Set(v),
		})
	}
	sort.Slice(accounts, func(i, j int) bool {
		ai, aj := accounts[i].Key, accounts[j].Key
		if c := compareAddress(ai.Address, aj.Address); c != 0 {
			return c < 0
		}
		return ai.TokenID.Cmp(aj.TokenID) < 0
	})
	return accounts
}

func compareAddress(a, b common.Address) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
