package batch

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/merkle"
	"github.com/offramp-labs/settlement-core/orders"
	"github.com/offramp-labs/settlement-core/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func merkleVerify(c *ClaimProof) bool {
	return merkle.Verify(c.Leaf, c.Path, c.Root)
}

type failingProver struct{ err error }

func (f failingProver) Prove(context.Context, proof.BatchWitness) ([]byte, error) {
	return nil, f.err
}

func newTestBuilder(t *testing.T, prover proof.Prover) (*Builder, orders.Store, accounts.Store, fillerledger.Store, Store) {
	t.Helper()
	orderStore := orders.NewMemory()
	accountStore := accounts.NewMemory()
	ledger := fillerledger.NewMemory()
	batchStore := NewMemory()
	if prover == nil {
		prover = proof.MVP{}
	}
	b := NewBuilder(batchStore, orderStore, accountStore, ledger, prover, events.NewFake(), Config{MaxOrdersPerBatch: 10}, 1)
	return b, orderStore, accountStore, ledger, batchStore
}

// markPaidSeller creates a BridgeIn order and drives it to MarkPaid,
// minting the seller's off-chain balance and locking fillerID's ledger
// for amount along the way.
func markPaidSeller(t *testing.T, ctx context.Context, orderStore orders.Store, accountStore accounts.Store, ledger fillerledger.Store, fillerID string, seller, operational, payout common.Address, tokenID, amount int64) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:          uuid.New(),
		Kind:        domain.BridgeIn,
		FromAddress: seller,
		ToAddress:   common.Address{},
		TokenID:     big.NewInt(tokenID),
		Amount:      big.NewInt(amount),
		BankingHash: [32]byte{1},
	}
	require.NoError(t, orderStore.Create(ctx, o))
	_, err := accountStore.Apply(ctx, []domain.Delta{{Address: seller, TokenID: o.TokenID, Amount: o.Amount}})
	require.NoError(t, err)

	require.NoError(t, ledger.EnsureFiller(ctx, fillerID))
	require.NoError(t, ledger.SetAddresses(ctx, fillerID, operational, payout))
	require.NoError(t, ledger.Credit(ctx, fillerID, o.TokenID, big.NewInt(amount*10)))
	require.NoError(t, ledger.Lock(ctx, fillerID, o.TokenID, o.Amount))

	updated, err := orderStore.CompareAndTransition(ctx, o.ID, o.UpdatedAt, domain.Discovery, nil)
	require.NoError(t, err)
	updated, err = orderStore.CompareAndTransition(ctx, updated.ID, updated.UpdatedAt, domain.Locked, func(next *domain.Order) {
		next.FillerID = &fillerID
		next.LockedAmount = new(big.Int).Set(o.Amount)
	})
	require.NoError(t, err)
	updated, err = orderStore.CompareAndTransition(ctx, updated.ID, updated.UpdatedAt, domain.MarkPaid, func(next *domain.Order) {
		next.BankingHash = [32]byte{2}
	})
	require.NoError(t, err)
	return updated
}

func TestStartBatchAllocatesMonotonicIDsAndRejectsConcurrentBuild(t *testing.T) {
	ctx := context.Background()
	b, _, _, _, _ := newTestBuilder(t, nil)

	id, err := b.StartBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	_, err = b.StartBatch(ctx)
	assert.ErrorIs(t, err, gerror.ErrBusy)
}

func TestFinalizeBatchSettlesSellerAndCreatesSyntheticOrders(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, nil)

	seller := common.HexToAddress("0x1111")
	operational := common.HexToAddress("0x2222")
	payout := common.HexToAddress("0x3333")
	tokenID, amount := int64(7), int64(100)

	sellerOrder := markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, operational, payout, tokenID, amount)

	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)

	sealed, err := b.FinalizeBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.Submitting, sealed.Status)
	assert.NotEmpty(t, sealed.Proof)
	assert.Len(t, sealed.OrderIDs, 3)

	settledSeller, err := orderStore.Get(ctx, sellerOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Settled, settledSeller.Status)
	require.NotNil(t, settledSeller.BatchID)
	assert.Equal(t, batchID, *settledSeller.BatchID)
	require.NotNil(t, settledSeller.OnChainOrderID)

	transfers, err := orderStore.ListByKindStatus(ctx, domain.Transfer, domain.Settled, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, seller, transfers[0].FromAddress)
	assert.Equal(t, operational, transfers[0].ToAddress)

	bridgeOuts, err := orderStore.ListByKindStatus(ctx, domain.BridgeOut, domain.Settled, 0)
	require.NoError(t, err)
	require.Len(t, bridgeOuts, 1)
	assert.Equal(t, domain.ZeroAddress, bridgeOuts[0].FromAddress)
	assert.Equal(t, payout, bridgeOuts[0].ToAddress)

	sellerBalance, err := accountStore.Get(ctx, seller, big.NewInt(tokenID))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), sellerBalance)

	payoutBalance, err := accountStore.Get(ctx, payout, big.NewInt(tokenID))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(amount), payoutBalance)

	operationalBalance, err := accountStore.Get(ctx, operational, big.NewInt(tokenID))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), operationalBalance, "transfer credit and bridgeout debit cancel on the filler's own operational balance")

	snap, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), snap.Locked[sellerOrder.TokenID.String()])
	// Seeded with amount*10, credited the handled amount at seal.
	assert.Equal(t, big.NewInt(amount*10+amount), snap.Total[sellerOrder.TokenID.String()])
	assert.Equal(t, uint64(1), snap.CompletedJobs)
}

func TestFinalizeBatchRejectsUnknownBatchID(t *testing.T) {
	ctx := context.Background()
	b, _, _, _, _ := newTestBuilder(t, nil)
	_, err := b.FinalizeBatch(ctx, 99)
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}

func TestFinalizeBatchCompensatesOnProverRejection(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, batchStore := newTestBuilder(t, failingProver{err: gerror.ErrProverRejected})

	seller := common.HexToAddress("0x4444")
	operational := common.HexToAddress("0x5555")
	payout := common.HexToAddress("0x6666")
	sellerOrder := markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, operational, payout, 3, 50)

	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)

	_, err = b.FinalizeBatch(ctx, batchID)
	assert.ErrorIs(t, err, gerror.ErrProverRejected)

	reverted, err := orderStore.Get(ctx, sellerOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarkPaid, reverted.Status)
	assert.Nil(t, reverted.BatchID)

	sellerBalance, err := accountStore.Get(ctx, seller, sellerOrder.TokenID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), sellerBalance, "seller debit must be reverted alongside the order stamp")

	failedBatch, err := batchStore.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, failedBatch.Status)
}

func TestStartBatchAfterFailureAllocatesNextID(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, failingProver{err: gerror.ErrProverUnavailable})

	seller := common.HexToAddress("0x7777")
	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, common.HexToAddress("0x8888"), common.HexToAddress("0x9999"), 1, 10)

	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	_, err = b.FinalizeBatch(ctx, batchID)
	assert.ErrorIs(t, err, gerror.ErrProverUnavailable)

	nextID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, batchID+1, nextID)

	// The failed batch never sealed, so the new batch still chains from
	// genesis, not from the failed row.
	next, err := b.batchStore.Get(ctx, nextID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next.PrevBatchID)
	assert.Equal(t, domain.GenesisStateRoot, next.PrevStateRoot)
	assert.Equal(t, domain.GenesisOrdersRoot, next.PrevOrdersRoot)
}

func TestGetClaimProofRoundTripsAgainstSealedOrdersRoot(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, nil)

	seller := common.HexToAddress("0xaaaa")
	operational := common.HexToAddress("0xbbbb")
	payout := common.HexToAddress("0xcccc")
	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, operational, payout, 9, 250)

	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	sealed, err := b.FinalizeBatch(ctx, batchID)
	require.NoError(t, err)

	bridgeOuts, err := orderStore.ListByKindStatus(ctx, domain.BridgeOut, domain.Settled, 0)
	require.NoError(t, err)
	require.Len(t, bridgeOuts, 1)
	onChainID := *bridgeOuts[0].OnChainOrderID

	claim, err := b.GetClaimProof(ctx, batchID, onChainID)
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroAddress, claim.From)
	assert.Equal(t, payout, claim.To)
	assert.True(t, merkleVerify(claim), "returned path must verify against the sealed orders root")
	assert.Equal(t, [32]byte(claim.Root), sealed.NewOrdersRoot)
}

func TestGetClaimProofRejectsUnknownOnChainOrderID(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, nil)

	seller := common.HexToAddress("0xdddd")
	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, common.HexToAddress("0xeeee"), common.HexToAddress("0xffff"), 2, 20)
	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	_, err = b.FinalizeBatch(ctx, batchID)
	require.NoError(t, err)

	_, err = b.GetClaimProof(ctx, batchID, 999999)
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}
