// Package matching implements the matching engine: the
// Discovery-promotion background task and the RPC-driven locking and
// payment-proof operations.
package matching

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/offramp-labs/settlement-core/metrics"
	"github.com/offramp-labs/settlement-core/orders"
)

// Config holds the matching engine's two operator-configured timers.
type Config struct {
	DiscoveryInterval time.Duration
	LockTimeout       time.Duration
}

// Engine runs the discovery-promotion task and serves the locking and
// payment-proof RPCs. Exactly one Engine's discovery loop runs per
// process.
type Engine struct {
	orderStore orders.Store
	ledger     fillerledger.Store
	publisher  events.Publisher
	cfg        Config
}

// NewEngine builds a matching engine over the given stores.
func NewEngine(orderStore orders.Store, ledger fillerledger.Store, publisher events.Publisher, cfg Config) *Engine {
	if publisher == nil {
		publisher = events.NoOp{}
	}
	return &Engine{orderStore: orderStore, ledger: ledger, publisher: publisher, cfg: cfg}
}

// Run starts the discovery-promotion ticker and blocks until ctx is
// cancelled. Intended to be launched as its own goroutine from cmd.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PromoteDiscovery(ctx); err != nil {
				log.Errorf("matching: discovery promotion tick failed: %v", err)
			}
			if err := e.ReclaimTimedOutLocks(ctx); err != nil {
				log.Errorf("matching: lock reclaim tick failed: %v", err)
			}
		}
	}
}

// PromoteDiscovery scans every Pending BridgeIn order and promotes it to
// Discovery. Orders that fail the CAS (a concurrent writer already moved
// them) are skipped, not retried; the next tick will simply not find
// them in Pending anymore.
func (e *Engine) PromoteDiscovery(ctx context.Context) error {
	pending, err := e.orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.Pending, 0)
	if err != nil {
		return err
	}
	for _, o := range pending {
		updated, err := e.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.Discovery, nil)
		if err != nil {
			log.Debugf("matching: skip promoting order %s: %v", o.ID, err)
			continue
		}
		e.publisher.Publish(ctx, events.OrderDiscovered, updated)
	}
	return nil
}

// ReclaimTimedOutLocks returns Locked orders older than LockTimeout to
// Discovery and unlocks the filler's ledger.
func (e *Engine) ReclaimTimedOutLocks(ctx context.Context) error {
	locked, err := e.orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.Locked, 0)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-e.cfg.LockTimeout)
	for _, o := range locked {
		if o.UpdatedAt.After(cutoff) {
			continue
		}
		fillerID := ""
		if o.FillerID != nil {
			fillerID = *o.FillerID
		}
		lockedAmount := o.LockedAmount
		updated, err := e.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.Discovery, func(next *domain.Order) {
			next.FillerID = nil
			next.LockedAmount = nil
		})
		if err != nil {
			log.Debugf("matching: skip reclaiming order %s: %v", o.ID, err)
			continue
		}
		if fillerID != "" && lockedAmount != nil {
			if err := e.ledger.Unlock(ctx, fillerID, o.TokenID, lockedAmount); err != nil {
				log.Errorf("matching: reclaimed order %s but failed to unlock filler %s: %v", o.ID, fillerID, err)
			}
			e.publishFillerGauges(ctx, fillerID, o.TokenID)
		}
		e.publisher.Publish(ctx, events.OrderDiscovered, updated)
	}
	return nil
}

// MarkDiscovery is an operator-triggered promotion of a single Pending
// BridgeIn order to Discovery, ahead of the next discovery-promotion
// tick.
func (e *Engine) MarkDiscovery(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	o, err := e.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := e.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.Discovery, nil)
	if err != nil {
		return nil, err
	}
	e.publisher.Publish(ctx, events.OrderDiscovered, updated)
	return updated, nil
}

// LockOrder claims a Discovery order for a filler. amount must equal
// the order's full amount; partial fills are not supported.
func (e *Engine) LockOrder(ctx context.Context, orderID uuid.UUID, fillerID string, amount *big.Int) (*domain.Order, error) {
	o, err := e.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Kind != domain.BridgeIn || o.Status != domain.Discovery {
		return nil, gerror.ErrIllegalTransition
	}
	if amount == nil || amount.Cmp(o.Amount) != 0 {
		return nil, gerror.ErrInvalid
	}

	if err := e.ledger.Lock(ctx, fillerID, o.TokenID, amount); err != nil {
		return nil, err
	}

	updated, err := e.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.Locked, func(next *domain.Order) {
		next.FillerID = &fillerID
		next.LockedAmount = new(big.Int).Set(amount)
	})
	if err != nil {
		// Compensate: the ledger lock succeeded but the transition lost
		// the race. First writer wins.
		if unlockErr := e.ledger.Unlock(ctx, fillerID, o.TokenID, amount); unlockErr != nil {
			log.Errorf("matching: failed to compensate lock after failed transition for order %s: %v", o.ID, unlockErr)
		}
		return nil, err
	}

	e.publishFillerGauges(ctx, fillerID, o.TokenID)
	e.publisher.Publish(ctx, events.OrderLocked, updated)
	return updated, nil
}

// publishFillerGauges refreshes the filler's available/locked gauges for
// one token after a ledger mutation. Best-effort: a read failure only
// skips the sample.
func (e *Engine) publishFillerGauges(ctx context.Context, fillerID string, tokenID *big.Int) {
	snap, err := e.ledger.Read(ctx, fillerID)
	if err != nil {
		return
	}
	tk := tokenID.String()
	available, locked := new(big.Float), new(big.Float)
	if v := snap.Available[tk]; v != nil {
		available.SetInt(v)
	}
	if v := snap.Locked[tk]; v != nil {
		locked.SetInt(v)
	}
	af, _ := available.Float64()
	lf, _ := locked.Float64()
	metrics.FillerBalance(fillerID, tk, af, lf)
}

// SubmitPaymentProof lets the filler that holds the lock commit a
// banking-hash attestation of an off-band fiat payment. The hash is not
// verified against any external source; it is a commitment an external
// dispute process can later challenge.
func (e *Engine) SubmitPaymentProof(ctx context.Context, orderID uuid.UUID, fillerID string, bankingHash [32]byte) (*domain.Order, error) {
	o, err := e.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.Locked {
		return nil, gerror.ErrIllegalTransition
	}
	if o.FillerID == nil || *o.FillerID != fillerID {
		return nil, gerror.ErrForbidden
	}

	updated, err := e.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.MarkPaid, func(next *domain.Order) {
		next.BankingHash = bankingHash
	})
	if err != nil {
		return nil, err
	}
	e.publisher.Publish(ctx, events.OrderPaid, updated)
	return updated, nil
}
