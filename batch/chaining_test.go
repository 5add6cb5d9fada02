package batch

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialBatchesChainRoots(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, nil)

	seller := common.HexToAddress("0x0101")
	operational := common.HexToAddress("0x0202")
	payout := common.HexToAddress("0x0303")

	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, operational, payout, 1, 100)
	firstID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	first, err := b.FinalizeBatch(ctx, firstID)
	require.NoError(t, err)

	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", seller, operational, payout, 1, 40)
	secondID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	second, err := b.FinalizeBatch(ctx, secondID)
	require.NoError(t, err)

	assert.Equal(t, first.BatchID+1, second.BatchID)
	assert.Equal(t, first.BatchID, second.PrevBatchID)
	assert.Equal(t, first.NewStateRoot, second.PrevStateRoot)
	assert.Equal(t, first.NewOrdersRoot, second.PrevOrdersRoot)
	assert.NotEqual(t, second.PrevOrdersRoot, second.NewOrdersRoot)
}

func TestMultiOrderBatchConservesValuePerToken(t *testing.T) {
	ctx := context.Background()
	b, orderStore, accountStore, ledger, _ := newTestBuilder(t, nil)

	operational1 := common.HexToAddress("0xf101")
	operational2 := common.HexToAddress("0xf201")
	payout1 := common.HexToAddress("0xf102")
	payout2 := common.HexToAddress("0xf202")
	tokenID := int64(1)

	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", common.HexToAddress("0xa1"), operational1, payout1, tokenID, 100)
	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f1", common.HexToAddress("0xa2"), operational1, payout1, tokenID, 250)
	markPaidSeller(t, ctx, orderStore, accountStore, ledger, "f2", common.HexToAddress("0xa3"), operational2, payout2, tokenID, 50)

	sumBalances := func() *big.Int {
		_, leaves, err := accountStore.Snapshot(ctx)
		require.NoError(t, err)
		sum := big.NewInt(0)
		for _, acc := range leaves {
			require.True(t, acc.Balance.Sign() >= 0, "no balance may go negative")
			sum.Add(sum, acc.Balance)
		}
		return sum
	}
	totalDeposited := big.NewInt(400)
	require.Equal(t, totalDeposited, sumBalances())

	batchID, err := b.StartBatch(ctx)
	require.NoError(t, err)
	sealed, err := b.FinalizeBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, sealed.OrderIDs, 9)

	// The batch's deltas net to zero within the token: the total supply is
	// unchanged, it has only moved from sellers to payout addresses.
	assert.Equal(t, totalDeposited, sumBalances())

	p1, err := accountStore.Get(ctx, payout1, big.NewInt(tokenID))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(350), p1)
	p2, err := accountStore.Get(ctx, payout2, big.NewInt(tokenID))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), p2)

	tk := big.NewInt(tokenID).String()
	f1, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f1.CompletedJobs)
	assert.Equal(t, big.NewInt(0), f1.Locked[tk])
	// Seeded with 100*10 + 250*10, credited 100+250 at seal.
	assert.Equal(t, big.NewInt(3850), f1.Total[tk])

	f2, err := ledger.Read(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f2.CompletedJobs)
	// Seeded with 50*10, credited 50 at seal.
	assert.Equal(t, big.NewInt(550), f2.Total[tk])
}
