// Package batch implements the batch builder. It opens a batch, selects
// MarkPaid BridgeIn orders, derives their synthetic Transfer and
// BridgeOut counterparts, applies the resulting account deltas, commits
// an orders tree, requests a proof, and seals the batch atomically.
package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
)

// SealedOrder is one leaf's worth of bookkeeping persisted alongside a
// sealed batch, sufficient to reconstruct the orders-tree leaf and its
// inclusion proof for get_claim_proof without re-deriving the batch.
type SealedOrder struct {
	OrderID        uuid.UUID
	OnChainOrderID uint64
	Kind           domain.Kind
	From           [20]byte
	To             [20]byte
	TokenID        []byte // big.Int bytes, big-endian
	Amount         []byte
	LeafIndex      int
}

// Store persists Batch rows and the sealed per-order leaf bookkeeping
// needed to answer get_claim_proof after a restart. Memory below is the
// in-process implementation; a Postgres-backed implementation satisfies
// the same interface for durable deployments.
type Store interface {
	// Create persists a freshly opened Building batch. Fails
	// gerror.ErrConflict if batch_id already exists.
	Create(ctx context.Context, b *domain.Batch) error

	// Get returns the batch by id, or gerror.ErrNotFound.
	Get(ctx context.Context, batchID uint32) (*domain.Batch, error)

	// GetBuilding returns the sole Building batch, or gerror.ErrNotFound
	// if none is open.
	GetBuilding(ctx context.Context) (*domain.Batch, error)

	// LatestSealed returns the highest-batch_id row whose seal step
	// committed (status Submitting, Submitted, or Failed with a sealed_at
	// stamp), or the implicit all-zero genesis batch if none has ever
	// sealed. A batch that failed before its seal never becomes the
	// chain head.
	LatestSealed(ctx context.Context) (*domain.Batch, error)

	// HighestBatchID returns the highest batch_id ever created, sealed or
	// not, or 0 if no batch exists. Failed rows keep their ids; a new
	// batch always allocates past them.
	HighestBatchID(ctx context.Context) (uint32, error)

	// Update overwrites a persisted batch row in place (status, roots,
	// proof, order ids).
	Update(ctx context.Context, b *domain.Batch) error

	// ListByStatus returns every batch in the given status, ordered by
	// batch_id ascending. Used by the chain submitter to drain sealed
	// (Submitting) batches.
	ListByStatus(ctx context.Context, status domain.BatchStatus) ([]*domain.Batch, error)

	// SaveSealedOrders records the leaf bookkeeping for a batch at seal
	// time.
	SaveSealedOrders(ctx context.Context, batchID uint32, orders []SealedOrder) error

	// SealedOrders returns the leaf bookkeeping previously saved for
	// batchID, in leaf order.
	SealedOrders(ctx context.Context, batchID uint32) ([]SealedOrder, error)

	// SealedOrderByOnChainID looks up one sealed order's bookkeeping by
	// its (on_chain_order_id, kind) within batchID, or gerror.ErrNotFound.
	// kind disambiguates the BridgeIn/Transfer/BridgeOut triple that
	// shares one on_chain_order_id.
	SealedOrderByOnChainID(ctx context.Context, batchID uint32, onChainOrderID uint64, kind domain.Kind) (SealedOrder, error)
}

// Memory is an in-process implementation of Store, serialized by a
// single mutex. A correct if coarse stand-in for the single-row Postgres
// transactions a durable deployment uses; there are no concurrent batch
// builds to contend with.
type Memory struct {
	mu           sync.Mutex
	batches      map[uint32]*domain.Batch
	sealedOrders map[uint32][]SealedOrder
}

// NewMemory creates an empty batch store.
func NewMemory() *Memory {
	return &Memory{
		batches:      make(map[uint32]*domain.Batch),
		sealedOrders: make(map[uint32][]SealedOrder),
	}
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	cp := *b
	cp.OrderIDs = append([]string(nil), b.OrderIDs...)
	return &cp
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.BatchID]; exists {
		return gerror.ErrConflict
	}
	m.batches[b.BatchID] = cloneBatch(b)
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, batchID uint32) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	return cloneBatch(b), nil
}

// GetBuilding implements Store.
func (m *Memory) GetBuilding(_ context.Context) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.Status == domain.Building {
			return cloneBatch(b), nil
		}
	}
	return nil, gerror.ErrNotFound
}

func sealCommitted(b *domain.Batch) bool {
	switch b.Status {
	case domain.Submitting, domain.Submitted:
		return true
	case domain.BatchFailed:
		return b.SealedAt != nil
	default:
		return false
	}
}

// LatestSealed implements Store.
func (m *Memory) LatestSealed(_ context.Context) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Batch
	for _, b := range m.batches {
		if !sealCommitted(b) {
			continue
		}
		if latest == nil || b.BatchID > latest.BatchID {
			latest = b
		}
	}
	if latest == nil {
		return &domain.Batch{
			BatchID:       0,
			NewStateRoot:  domain.GenesisStateRoot,
			NewOrdersRoot: domain.GenesisOrdersRoot,
			Status:        domain.Submitted,
		}, nil
	}
	return cloneBatch(latest), nil
}

// HighestBatchID implements Store.
func (m *Memory) HighestBatchID(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var highest uint32
	for id := range m.batches {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.BatchID]; !exists {
		return gerror.ErrNotFound
	}
	m.batches[b.BatchID] = cloneBatch(b)
	return nil
}

// ListByStatus implements Store.
func (m *Memory) ListByStatus(_ context.Context, status domain.BatchStatus) ([]*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Batch
	for _, b := range m.batches {
		if b.Status == status {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

// SaveSealedOrders implements Store.
func (m *Memory) SaveSealedOrders(_ context.Context, batchID uint32, orders []SealedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealedOrders[batchID] = append([]SealedOrder(nil), orders...)
	return nil
}

// SealedOrders implements Store.
func (m *Memory) SealedOrders(_ context.Context, batchID uint32) ([]SealedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.sealedOrders[batchID]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	return append([]SealedOrder(nil), out...), nil
}

// SealedOrderByOnChainID implements Store.
func (m *Memory) SealedOrderByOnChainID(_ context.Context, batchID uint32, onChainOrderID uint64, kind domain.Kind) (SealedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.sealedOrders[batchID] {
		if o.OnChainOrderID == onChainOrderID && o.Kind == kind {
			return o, nil
		}
	}
	return SealedOrder{}, gerror.ErrNotFound
}
