// Package orders implements the order store and state machine: a
// persistent store of orders and their state-machine transitions, with
// idempotent queries by id/status/filler.
package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
)

// Store is the narrow interface the matching engine, batch builder and
// RPC handlers depend on.
type Store interface {
	// Create persists a freshly validated BridgeIn order in Pending.
	Create(ctx context.Context, o *domain.Order) error

	// Get returns the order by id, or gerror.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)

	// ListByKindStatus returns up to limit orders of the given (kind,
	// status), ordered by CreatedAt ascending. limit <= 0 means
	// unbounded.
	ListByKindStatus(ctx context.Context, kind domain.Kind, status domain.Status, limit int) ([]*domain.Order, error)

	// ListByFiller returns every order currently assigned to fillerID in
	// the given status.
	ListByFiller(ctx context.Context, fillerID string, status domain.Status) ([]*domain.Order, error)

	// CompareAndTransition attempts to move the order to `to`, failing
	// with gerror.ErrConflict if expectedUpdatedAt does not match the
	// row's current UpdatedAt, gerror.ErrNotFound if id is unknown, and
	// gerror.ErrIllegalTransition if (kind, current status, to) is not in
	// the state machine table. mutate is applied to the in-memory copy
	// before it is persisted, so callers can stamp FillerID,
	// LockedAmount, BatchID etc. as part of the same atomic write.
	CompareAndTransition(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, to domain.Status, mutate func(*domain.Order)) (*domain.Order, error)

	// CreateSettled persists a synthetic Transfer or BridgeOut order
	// directly in the Settled state; these kinds skip the BridgeIn
	// lifecycle entirely.
	CreateSettled(ctx context.Context, o *domain.Order) error
}

// Memory is an in-process implementation of Store, serialized by a
// single mutex. Per-order mutations stay linearizable via the CAS on
// UpdatedAt; the mutex only coarsens it.
type Memory struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
}

// NewMemory creates an empty order store.
func NewMemory() *Memory {
	return &Memory{orders: make(map[uuid.UUID]*domain.Order)}
}

func clone(o *domain.Order) *domain.Order {
	cp := *o
	return &cp
}

// Create implements Store. Only BridgeIn orders enter the lifecycle at
// Pending; synthetic kinds are created Settled via CreateSettled.
func (m *Memory) Create(_ context.Context, o *domain.Order) error {
	if err := o.Validate(); err != nil {
		return gerror.ErrInvalid
	}
	if o.Kind != domain.BridgeIn {
		return gerror.ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return gerror.ErrConflict
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Status = domain.Pending
	m.orders[o.ID] = clone(o)
	return nil
}

// CreateSettled implements Store.
func (m *Memory) CreateSettled(_ context.Context, o *domain.Order) error {
	if err := o.Validate(); err != nil {
		return gerror.ErrInvalid
	}
	if o.Kind == domain.BridgeIn {
		return gerror.ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return gerror.ErrConflict
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Status = domain.Settled
	m.orders[o.ID] = clone(o)
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	return clone(o), nil
}

// ListByKindStatus implements Store.
func (m *Memory) ListByKindStatus(_ context.Context, kind domain.Kind, status domain.Status, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Order
	for _, o := range m.orders {
		if o.Kind == kind && o.Status == status {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByFiller implements Store.
func (m *Memory) ListByFiller(_ context.Context, fillerID string, status domain.Status) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Order
	for _, o := range m.orders {
		if o.FillerID != nil && *o.FillerID == fillerID && o.Status == status {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CompareAndTransition implements Store.
func (m *Memory) CompareAndTransition(_ context.Context, id uuid.UUID, expectedUpdatedAt time.Time, to domain.Status, mutate func(*domain.Order)) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	if !o.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, gerror.ErrConflict
	}
	if !CanTransition(o.Kind, o.Status, to) {
		return nil, gerror.ErrIllegalTransition
	}

	next := clone(o)
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	next.UpdatedAt = time.Now().UTC()
	m.orders[id] = next
	return clone(next), nil
}
