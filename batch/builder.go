package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/alert"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/offramp-labs/settlement-core/merkle"
	"github.com/offramp-labs/settlement-core/metrics"
	"github.com/offramp-labs/settlement-core/orders"
	"github.com/offramp-labs/settlement-core/proof"
)

// Config tunes the builder.
type Config struct {
	// MaxOrdersPerBatch bounds how many MarkPaid BridgeIn orders a single
	// finalize_batch call selects. Defaults to 100.
	MaxOrdersPerBatch int
}

// Builder implements start_batch / finalize_batch / get_claim_proof.
//
// mu serializes StartBatch and FinalizeBatch: it is held for the
// entirety of each call, so no second start or finalize can interleave.
// It is released between start_batch and seal; in that window the
// Building row itself keeps a second batch from opening, since
// StartBatch fails gerror.ErrBusy while one exists. It is not held by
// any other component, so it never
// participates in a cross-lock wait with the order store, account store
// or filler ledger's own per-row locks.
type Builder struct {
	mu sync.Mutex

	batchStore   Store
	orderStore   orders.Store
	accountStore accounts.Store
	ledger       fillerledger.Store
	prover       proof.Prover
	publisher    events.Publisher
	alertSink    alert.Sink

	cfg Config

	// nextOnChainOrderID allocates on_chain_order_ids, strictly
	// increasing and unique across all batches ever produced. The
	// single-batch-worker model makes an in-memory counter correct; a
	// durable deployment seeds it from the highest on_chain_order_id
	// ever persisted at startup.
	nextOnChainOrderID uint64
}

// NewBuilder wires the batch builder to its dependencies.
func NewBuilder(batchStore Store, orderStore orders.Store, accountStore accounts.Store, ledger fillerledger.Store, prover proof.Prover, publisher events.Publisher, cfg Config, startingOnChainOrderID uint64) *Builder {
	if cfg.MaxOrdersPerBatch <= 0 {
		cfg.MaxOrdersPerBatch = 100
	}
	if publisher == nil {
		publisher = events.NoOp{}
	}
	return &Builder{
		batchStore:         batchStore,
		orderStore:         orderStore,
		accountStore:       accountStore,
		ledger:             ledger,
		prover:             prover,
		publisher:          publisher,
		alertSink:          alert.LogSink{},
		cfg:                cfg,
		nextOnChainOrderID: startingOnChainOrderID,
	}
}

// SetAlertSink overrides the operator-alert sink raised on fatal
// invariant violations. Defaults to alert.LogSink.
func (b *Builder) SetAlertSink(sink alert.Sink) {
	if sink == nil {
		sink = alert.NoOp{}
	}
	b.alertSink = sink
}

// StartBatch opens a new Building batch chained onto the last sealed
// batch's roots. It fails gerror.ErrBusy if a batch is already Building.
func (b *Builder) StartBatch(ctx context.Context) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.batchStore.GetBuilding(ctx); err == nil {
		return 0, gerror.ErrBusy
	}

	latest, err := b.batchStore.LatestSealed(ctx)
	if err != nil {
		return 0, err
	}
	highest, err := b.batchStore.HighestBatchID(ctx)
	if err != nil {
		return 0, err
	}
	if latest.BatchID > highest {
		highest = latest.BatchID
	}

	// Failed rows keep their ids, so allocation skips past every batch
	// ever created while the prev roots chain from the true head.
	newBatch := &domain.Batch{
		BatchID:        highest + 1,
		PrevBatchID:    latest.BatchID,
		PrevStateRoot:  latest.NewStateRoot,
		PrevOrdersRoot: latest.NewOrdersRoot,
		Status:         domain.Building,
		CreatedAt:      time.Now().UTC(),
	}
	if err := b.batchStore.Create(ctx, newBatch); err != nil {
		return 0, err
	}
	return newBatch.BatchID, nil
}

// sellerLeaf bundles one seller order with the two synthetic orders
// derived from it, in the leaf order the orders tree requires:
// [BridgeIn, Transfer, BridgeOut].
type sellerLeaf struct {
	seller   *domain.Order
	transfer *domain.Order
	bridge   *domain.Order
}

// FinalizeBatch selects up to MaxOrdersPerBatch MarkPaid seller orders
// (oldest first), derives their
// synthetic Transfer/BridgeOut counterparts, applies account deltas,
// commits both trees, requests a proof and seals the batch. It must be
// called against the currently Building batch.
func (b *Builder) FinalizeBatch(ctx context.Context, batchID uint32) (*domain.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	started := time.Now()

	batchRow, err := b.batchStore.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batchRow.Status != domain.Building {
		return nil, gerror.ErrIllegalState
	}

	// Step 1: select and stamp.
	sellerOrders, err := b.orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.MarkPaid, b.cfg.MaxOrdersPerBatch)
	if err != nil {
		return nil, err
	}

	stamped := make([]*domain.Order, 0, len(sellerOrders))
	for _, o := range sellerOrders {
		id := batchID
		updated, err := b.orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.MarkPaid, func(order *domain.Order) {
			order.BatchID = &id
		})
		if err != nil {
			b.compensate(ctx, stamped, nil, batchRow)
			return nil, fmt.Errorf("batch: stamping order %s: %w", o.ID, err)
		}
		stamped = append(stamped, updated)
	}

	// Steps 2-3: assign on-chain order ids, derive synthetic orders.
	leaves := make([]sellerLeaf, 0, len(stamped))
	for _, o := range stamped {
		onChainID := b.nextOnChainOrderID
		b.nextOnChainOrderID++

		fillerID := ""
		if o.FillerID != nil {
			fillerID = *o.FillerID
		}
		snap, err := b.ledger.Read(ctx, fillerID)
		if err != nil {
			b.compensate(ctx, stamped, nil, batchRow)
			return nil, fmt.Errorf("batch: reading filler %s: %w", fillerID, err)
		}

		cpOnChain := onChainID
		cpBatch := batchID
		sellerCopy := clonePtr(o)
		sellerCopy.OnChainOrderID = &cpOnChain

		transfer := &domain.Order{
			ID:          uuid.New(),
			Kind:        domain.Transfer,
			FromAddress: o.FromAddress,
			ToAddress:   snap.OperationalAddress,
			TokenID:     o.TokenID,
			Amount:      o.Amount,
			BatchID:     &cpBatch,
		}
		transfer.OnChainOrderID = &cpOnChain

		bridgeOut := &domain.Order{
			ID:          uuid.New(),
			Kind:        domain.BridgeOut,
			FromAddress: domain.ZeroAddress,
			ToAddress:   snap.PayoutAddress,
			TokenID:     o.TokenID,
			Amount:      o.Amount,
			BatchID:     &cpBatch,
		}
		bridgeOut.OnChainOrderID = &cpOnChain

		leaves = append(leaves, sellerLeaf{seller: sellerCopy, transfer: transfer, bridge: bridgeOut})
	}

	sort.Slice(leaves, func(i, j int) bool {
		return *leaves[i].seller.OnChainOrderID < *leaves[j].seller.OnChainOrderID
	})

	// Step 4: account deltas. Net effect on the filler's own operational
	// balance is zero (Transfer credits it, BridgeOut debits it by the
	// same amount); seller loses A, the BridgeOut's payout address gains
	// A.
	deltas := make([]domain.Delta, 0, len(leaves)*3)
	for _, l := range leaves {
		deltas = append(deltas,
			domain.Delta{Address: l.seller.FromAddress, TokenID: l.seller.TokenID, Amount: new(big.Int).Neg(l.seller.Amount)},
			domain.Delta{Address: l.transfer.ToAddress, TokenID: l.seller.TokenID, Amount: new(big.Int).Set(l.seller.Amount)},
			domain.Delta{Address: l.transfer.ToAddress, TokenID: l.seller.TokenID, Amount: new(big.Int).Neg(l.seller.Amount)},
			domain.Delta{Address: l.bridge.ToAddress, TokenID: l.seller.TokenID, Amount: new(big.Int).Set(l.seller.Amount)},
		)
	}

	_, prevAccounts, err := b.accountStore.Snapshot(ctx)
	if err != nil {
		b.compensate(ctx, stamped, nil, batchRow)
		return nil, err
	}

	newStateRoot, err := b.accountStore.Apply(ctx, deltas)
	if err != nil {
		if errors.Is(err, gerror.ErrNegativeBalance) {
			b.alertSink.Raise(ctx, alert.Event{Component: "batch.apply", BatchID: batchID, Err: err})
		}
		b.compensate(ctx, stamped, nil, batchRow)
		return nil, err
	}
	_, newAccounts, err := b.accountStore.Snapshot(ctx)
	if err != nil {
		b.compensate(ctx, stamped, deltas, batchRow)
		return nil, err
	}

	// Step 5: build the orders tree.
	leafHashes := make([]merkle.Hash, 0, len(leaves)*3)
	sealedRecords := make([]SealedOrder, 0, len(leaves)*3)
	appendLeaf := func(o *domain.Order) {
		h := merkle.OrderLeaf(batchID, [16]byte(o.ID), o.Kind, o.FromAddress, o.ToAddress, o.TokenID, o.Amount)
		leafHashes = append(leafHashes, h)
		sealedRecords = append(sealedRecords, SealedOrder{
			OrderID:        o.ID,
			OnChainOrderID: *o.OnChainOrderID,
			Kind:           o.Kind,
			From:           o.FromAddress,
			To:             o.ToAddress,
			TokenID:        o.TokenID.Bytes(),
			Amount:         o.Amount.Bytes(),
			LeafIndex:      len(leafHashes) - 1,
		})
	}
	for _, l := range leaves {
		appendLeaf(l.seller)
		appendLeaf(l.transfer)
		appendLeaf(l.bridge)
	}
	newOrdersRoot := merkle.Build(leafHashes).Root()

	// Step 7: request proof.
	witness := proof.BatchWitness{
		PublicInputs: proof.PublicInputs{
			BatchID:        batchID,
			PrevStateRoot:  batchRow.PrevStateRoot,
			PrevOrdersRoot: batchRow.PrevOrdersRoot,
			NewStateRoot:   newStateRoot,
			NewOrdersRoot:  newOrdersRoot,
		},
		Orders:       toOrderWitnesses(leaves),
		PrevAccounts: toAccountWitnesses(prevAccounts),
		NewAccounts:  toAccountWitnesses(newAccounts),
	}

	proofBytes, err := b.prover.Prove(ctx, witness)
	if err != nil {
		// Any failure before the seal, including a transient
		// ProverUnavailable, compensates the whole attempt. Retrying
		// means calling start_batch again, not resuming this batch_id.
		result := "unavailable"
		if errors.Is(err, gerror.ErrProverRejected) {
			result = "rejected"
		}
		metrics.ProofRequested(result)
		b.compensate(ctx, stamped, deltas, batchRow)
		return nil, err
	}
	metrics.ProofRequested("ok")

	// Step 8: seal.
	batchRow.NewStateRoot = newStateRoot
	batchRow.NewOrdersRoot = [32]byte(newOrdersRoot)
	batchRow.Proof = proofBytes
	batchRow.Status = domain.Submitting
	sealedAt := time.Now().UTC()
	batchRow.SealedAt = &sealedAt
	orderIDs := make([]string, 0, len(sealedRecords))
	for _, r := range sealedRecords {
		orderIDs = append(orderIDs, r.OrderID.String())
	}
	batchRow.OrderIDs = orderIDs

	if err := b.batchStore.Update(ctx, batchRow); err != nil {
		b.compensate(ctx, stamped, deltas, batchRow)
		return nil, err
	}
	if err := b.batchStore.SaveSealedOrders(ctx, batchID, sealedRecords); err != nil {
		b.compensate(ctx, stamped, deltas, batchRow)
		return nil, err
	}

	for _, l := range leaves {
		onChainID := *l.seller.OnChainOrderID
		if _, err := b.orderStore.CompareAndTransition(ctx, l.seller.ID, l.seller.UpdatedAt, domain.Settled, func(order *domain.Order) {
			order.OnChainOrderID = &onChainID
		}); err != nil {
			log.Errorf("batch: sealing seller order %s after commit point: %v", l.seller.ID, err)
			continue
		}
		if err := b.orderStore.CreateSettled(ctx, l.transfer); err != nil {
			log.Errorf("batch: creating settled transfer order for %s: %v", l.seller.ID, err)
		}
		if err := b.orderStore.CreateSettled(ctx, l.bridge); err != nil {
			log.Errorf("batch: creating settled bridgeout order for %s: %v", l.seller.ID, err)
		}

		fillerID := ""
		if l.seller.FillerID != nil {
			fillerID = *l.seller.FillerID
		}
		lockedAmount := l.seller.Amount
		if l.seller.LockedAmount != nil {
			lockedAmount = l.seller.LockedAmount
		}
		if err := b.ledger.Unlock(ctx, fillerID, l.seller.TokenID, lockedAmount); err != nil {
			log.Errorf("batch: releasing filler %s lock after seal: %v", fillerID, err)
		}
		// The sealed Transfer/BridgeOut pair entitles the filler to the
		// seller's amount; total and available both grow by it.
		if err := b.ledger.Credit(ctx, fillerID, l.seller.TokenID, l.seller.Amount); err != nil {
			log.Errorf("batch: crediting filler %s after seal: %v", fillerID, err)
		}
		if err := b.ledger.IncrementCompletedJobs(ctx, fillerID); err != nil {
			log.Errorf("batch: incrementing completed jobs for filler %s: %v", fillerID, err)
		}

		metrics.OrderSettled(domain.BridgeIn.String())
		b.publisher.Publish(ctx, events.OrderSettled, l.seller)
	}

	metrics.BatchSealed()
	metrics.BatchFinalizeDuration(time.Since(started))
	b.publisher.Publish(ctx, events.BatchSealed, batchRow)
	return batchRow, nil
}

// compensate reverts everything finalize_batch did before the failure
// point: stamped orders return to MarkPaid with batch_id cleared, any
// applied account deltas are undone, and the batch row is marked Failed.
func (b *Builder) compensate(ctx context.Context, stamped []*domain.Order, appliedDeltas []domain.Delta, batchRow *domain.Batch) {
	for _, o := range stamped {
		current, err := b.orderStore.Get(ctx, o.ID)
		if err != nil {
			log.Errorf("batch: compensating order %s: re-reading: %v", o.ID, err)
			continue
		}
		if _, err := b.orderStore.CompareAndTransition(ctx, o.ID, current.UpdatedAt, domain.MarkPaid, func(order *domain.Order) {
			order.BatchID = nil
		}); err != nil {
			log.Errorf("batch: compensating order %s: %v", o.ID, err)
		}
	}

	if len(appliedDeltas) > 0 {
		// Undo in reverse order: every intermediate balance is then one the
		// forward application already passed through, so none goes negative.
		inverse := make([]domain.Delta, len(appliedDeltas))
		for i, d := range appliedDeltas {
			inverse[len(appliedDeltas)-1-i] = domain.Delta{Address: d.Address, TokenID: d.TokenID, Amount: new(big.Int).Neg(d.Amount)}
		}
		if _, err := b.accountStore.Apply(ctx, inverse); err != nil {
			log.Errorf("batch: reverting account deltas for batch %d: %v", batchRow.BatchID, err)
		}
	}

	batchRow.Status = domain.BatchFailed
	if err := b.batchStore.Update(ctx, batchRow); err != nil {
		log.Errorf("batch: marking batch %d failed: %v", batchRow.BatchID, err)
	}
	metrics.BatchFailed("compensated")
	b.publisher.Publish(ctx, events.BatchFailed, batchRow)
}

func clonePtr(o *domain.Order) *domain.Order {
	cp := *o
	return &cp
}

func toOrderWitnesses(leaves []sellerLeaf) []proof.OrderWitness {
	out := make([]proof.OrderWitness, 0, len(leaves)*3)
	add := func(o *domain.Order) {
		out = append(out, proof.OrderWitness{
			OrderID: [16]byte(o.ID),
			Kind:    o.Kind,
			From:    o.FromAddress,
			To:      o.ToAddress,
			TokenID: o.TokenID,
			Amount:  o.Amount,
		})
	}
	for _, l := range leaves {
		add(l.seller)
		add(l.transfer)
		add(l.bridge)
	}
	return out
}

func toAccountWitnesses(accs []domain.Account) []proof.AccountWitness {
	out := make([]proof.AccountWitness, 0, len(accs))
	for _, a := range accs {
		out = append(out, proof.AccountWitness{
			Address: a.Key.Address,
			TokenID: a.Key.TokenID,
			Balance: a.Balance,
		})
	}
	return out
}

// ClaimProof is the inclusion proof a filler needs to submit an on-chain
// claim against a sealed BridgeOut leaf.
type ClaimProof struct {
	BatchID        uint32
	OrderID        uuid.UUID
	OnChainOrderID uint64
	From           common.Address
	To             common.Address
	TokenID        *big.Int
	Amount         *big.Int
	Leaf           merkle.Hash
	Path           []merkle.Hash
	Root           merkle.Hash
}

// GetClaimProof reconstructs a sealed BridgeOut leaf and its inclusion
// path against the batch's orders root. It fails gerror.ErrNotFound
// unless onChainOrderID names a sealed BridgeOut leaf within batchID.
func (b *Builder) GetClaimProof(ctx context.Context, batchID uint32, onChainOrderID uint64) (*ClaimProof, error) {
	target, err := b.batchStore.SealedOrderByOnChainID(ctx, batchID, onChainOrderID, domain.BridgeOut)
	if err != nil {
		return nil, err
	}

	records, err := b.batchStore.SealedOrders(ctx, batchID)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LeafIndex < records[j].LeafIndex })

	leafHashes := make([]merkle.Hash, len(records))
	for i, r := range records {
		leafHashes[i] = merkle.OrderLeaf(batchID, [16]byte(r.OrderID), r.Kind, r.From, r.To, new(big.Int).SetBytes(r.TokenID), new(big.Int).SetBytes(r.Amount))
	}

	tree := merkle.Build(leafHashes)
	path, err := tree.Proof(target.LeafIndex)
	if err != nil {
		return nil, err
	}

	return &ClaimProof{
		BatchID:        batchID,
		OrderID:        target.OrderID,
		OnChainOrderID: target.OnChainOrderID,
		From:           target.From,
		To:             target.To,
		TokenID:        new(big.Int).SetBytes(target.TokenID),
		Amount:         new(big.Int).SetBytes(target.Amount),
		Leaf:           leafHashes[target.LeafIndex],
		Path:           path,
		Root:           tree.Root(),
	}, nil
}
