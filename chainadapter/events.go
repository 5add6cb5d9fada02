// Package chainadapter bridges the settlement core to the chain:
// inbound deposit-event ingestion into create_bridge_in with
// tx_hash+log_index dedup, and outbound proof submission with retry and
// confirmation tracking.
package chainadapter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/gerror"
)

// EventKey identifies one inbound chain log uniquely.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// EventStore is the processed_chain_events set: event keys already
// turned into a BridgeIn order, so at-least-once delivery from the event
// source never produces more than one order per deposit.
type EventStore interface {
	// MarkProcessed atomically records key as seen. It returns
	// gerror.ErrConflict if key was already recorded, so the caller knows
	// to skip creating a duplicate order.
	MarkProcessed(ctx context.Context, key EventKey) error
}

// MemoryEventStore is an in-process EventStore, serialized by a single
// mutex.
type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[EventKey]struct{}
}

// NewMemoryEventStore creates an empty processed-events set.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[EventKey]struct{})}
}

// MarkProcessed implements EventStore.
func (m *MemoryEventStore) MarkProcessed(_ context.Context, key EventKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[key]; exists {
		return gerror.ErrConflict
	}
	m.seen[key] = struct{}{}
	return nil
}
