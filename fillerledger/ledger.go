// Package fillerledger implements per-filler total/available/locked
// balance accounting and payout wallet configuration, with
// lock/unlock/credit/debit as a single atomic accounting primitive per
// filler row.
package fillerledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
)

// Snapshot is the read-only view returned by Read and served by the
// get_filler_balance RPC.
type Snapshot struct {
	FillerID           string
	Total              map[string]*big.Int // keyed by token_id string
	Available          map[string]*big.Int
	Locked             map[string]*big.Int
	CompletedJobs      uint64
	Wallets            []domain.PayoutWallet
	OperationalAddress common.Address
	PayoutAddress      common.Address
}

// Store is the narrow interface the matching engine and batch builder
// depend on. Every method is atomic over one filler row.
type Store interface {
	// Lock moves amount from available to locked, failing
	// gerror.ErrInsufficientCapacity if available < amount.
	Lock(ctx context.Context, fillerID string, tokenID *big.Int, amount *big.Int) error

	// Unlock is the inverse of Lock, used on timeout or failure.
	Unlock(ctx context.Context, fillerID string, tokenID *big.Int, amount *big.Int) error

	// Credit increases both total and available, called when a filler's
	// Transfer/BridgeOut is sealed in a batch.
	Credit(ctx context.Context, fillerID string, tokenID *big.Int, amount *big.Int) error

	// Debit decreases available for operational corrections only; it
	// does not touch locked.
	Debit(ctx context.Context, fillerID string, tokenID *big.Int, amount *big.Int) error

	// Read returns a filler's current accounting snapshot.
	Read(ctx context.Context, fillerID string) (Snapshot, error)

	// EnsureFiller creates a filler row with zero balances if one does
	// not already exist, so lock/credit can be called against a brand
	// new filler identity.
	EnsureFiller(ctx context.Context, fillerID string) error

	// ReplaceWallets overwrites a filler's payout wallet set, validating
	// that percentages sum to 0 or 100.
	ReplaceWallets(ctx context.Context, fillerID string, wallets []domain.PayoutWallet) error

	// IncrementCompletedJobs bumps the filler's completed-job counter,
	// called once per order a filler takes to Settled.
	IncrementCompletedJobs(ctx context.Context, fillerID string) error

	// SetAddresses records the two addresses the batch builder credits
	// synthetic orders to: OperationalAddress receives off-chain Transfer
	// credits, PayoutAddress is where a BridgeOut leaf resolves on-chain.
	SetAddresses(ctx context.Context, fillerID string, operational, payout common.Address) error
}

type row struct {
	total              map[string]*big.Int
	locked             map[string]*big.Int
	completedJobs      uint64
	wallets            []domain.PayoutWallet
	operationalAddress common.Address
	payoutAddress      common.Address
}

func newRow() *row {
	return &row{total: make(map[string]*big.Int), locked: make(map[string]*big.Int)}
}

func (r *row) totalOf(tokenID string) *big.Int {
	if v, ok := r.total[tokenID]; ok {
		return v
	}
	return big.NewInt(0)
}

func (r *row) lockedOf(tokenID string) *big.Int {
	if v, ok := r.locked[tokenID]; ok {
		return v
	}
	return big.NewInt(0)
}

func (r *row) availableOf(tokenID string) *big.Int {
	return new(big.Int).Sub(r.totalOf(tokenID), r.lockedOf(tokenID))
}

// Memory is an in-process implementation of Store, serialized per
// fillerID via a per-key mutex.
type Memory struct {
	mu    sync.Mutex // guards the rows map and per-row locks map itself
	locks map[string]*sync.Mutex
	rows  map[string]*row
}

// NewMemory creates an empty filler ledger.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*sync.Mutex), rows: make(map[string]*row)}
}

func (m *Memory) lockFor(fillerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[fillerID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[fillerID] = l
	}
	return l
}

func (m *Memory) rowFor(fillerID string) *row {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fillerID]
	if !ok {
		r = newRow()
		m.rows[fillerID] = r
	}
	return r
}

// EnsureFiller implements Store.
func (m *Memory) EnsureFiller(_ context.Context, fillerID string) error {
	m.rowFor(fillerID)
	return nil
}

// Lock implements Store.
func (m *Memory) Lock(_ context.Context, fillerID string, tokenID, amount *big.Int) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	tk := tokenID.String()
	if r.availableOf(tk).Cmp(amount) < 0 {
		return gerror.ErrInsufficientCapacity
	}
	r.locked[tk] = new(big.Int).Add(r.lockedOf(tk), amount)
	return nil
}

// Unlock implements Store.
func (m *Memory) Unlock(_ context.Context, fillerID string, tokenID, amount *big.Int) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	tk := tokenID.String()
	next := new(big.Int).Sub(r.lockedOf(tk), amount)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	r.locked[tk] = next
	return nil
}

// Credit implements Store.
func (m *Memory) Credit(_ context.Context, fillerID string, tokenID, amount *big.Int) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	tk := tokenID.String()
	r.total[tk] = new(big.Int).Add(r.totalOf(tk), amount)
	return nil
}

// Debit implements Store.
func (m *Memory) Debit(_ context.Context, fillerID string, tokenID, amount *big.Int) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	tk := tokenID.String()
	if r.availableOf(tk).Cmp(amount) < 0 {
		return gerror.ErrInsufficientCapacity
	}
	r.total[tk] = new(big.Int).Sub(r.totalOf(tk), amount)
	return nil
}

// IncrementCompletedJobs implements Store.
func (m *Memory) IncrementCompletedJobs(_ context.Context, fillerID string) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	r.completedJobs++
	return nil
}

// SetAddresses implements Store.
func (m *Memory) SetAddresses(_ context.Context, fillerID string, operational, payout common.Address) error {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	r.operationalAddress = operational
	r.payoutAddress = payout
	return nil
}

// ReplaceWallets implements Store.
func (m *Memory) ReplaceWallets(_ context.Context, fillerID string, wallets []domain.PayoutWallet) error {
	if !domain.ValidateWallets(wallets) {
		return gerror.ErrInvalid
	}
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	r := m.rowFor(fillerID)
	r.wallets = append([]domain.PayoutWallet(nil), wallets...)
	return nil
}

// Read implements Store.
func (m *Memory) Read(_ context.Context, fillerID string) (Snapshot, error) {
	l := m.lockFor(fillerID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	r, ok := m.rows[fillerID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, gerror.ErrNotFound
	}

	snap := Snapshot{
		FillerID:           fillerID,
		Total:              make(map[string]*big.Int, len(r.total)),
		Available:          make(map[string]*big.Int, len(r.total)),
		Locked:             make(map[string]*big.Int, len(r.locked)),
		CompletedJobs:      r.completedJobs,
		Wallets:            append([]domain.PayoutWallet(nil), r.wallets...),
		OperationalAddress: r.operationalAddress,
		PayoutAddress:      r.payoutAddress,
	}
	for tk, v := range r.total {
		snap.Total[tk] = new(big.Int).Set(v)
		snap.Available[tk] = r.availableOf(tk)
		snap.Locked[tk] = new(big.Int).Set(r.lockedOf(tk))
	}
	for tk, v := range r.locked {
		snap.Locked[tk] = new(big.Int).Set(v)
	}
	return snap, nil
}
