package fillerledger

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockMovesAvailableToLocked(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	tokenID := big.NewInt(1)
	require.NoError(t, ledger.Credit(ctx, "f1", tokenID, big.NewInt(1000)))

	require.NoError(t, ledger.Lock(ctx, "f1", tokenID, big.NewInt(100)))

	snap, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), snap.Total[tokenID.String()])
	assert.Equal(t, big.NewInt(100), snap.Locked[tokenID.String()])
	assert.Equal(t, big.NewInt(900), snap.Available[tokenID.String()])
}

func TestLockFailsWhenInsufficientCapacity(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	tokenID := big.NewInt(1)
	require.NoError(t, ledger.Credit(ctx, "f1", tokenID, big.NewInt(50)))

	err := ledger.Lock(ctx, "f1", tokenID, big.NewInt(100))
	assert.ErrorIs(t, err, gerror.ErrInsufficientCapacity)
}

func TestUnlockIsInverseOfLock(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	tokenID := big.NewInt(1)
	require.NoError(t, ledger.Credit(ctx, "f1", tokenID, big.NewInt(1000)))
	require.NoError(t, ledger.Lock(ctx, "f1", tokenID, big.NewInt(100)))
	require.NoError(t, ledger.Unlock(ctx, "f1", tokenID, big.NewInt(100)))

	snap, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), snap.Locked[tokenID.String()])
	assert.Equal(t, big.NewInt(1000), snap.Available[tokenID.String()])
}

func TestAccountingIdentityHoldsAfterCreditLockUnlock(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	tokenID := big.NewInt(1)
	require.NoError(t, ledger.Credit(ctx, "f1", tokenID, big.NewInt(500)))
	require.NoError(t, ledger.Lock(ctx, "f1", tokenID, big.NewInt(200)))

	snap, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	total := snap.Total[tokenID.String()]
	available := snap.Available[tokenID.String()]
	locked := snap.Locked[tokenID.String()]
	assert.Equal(t, total, new(big.Int).Add(available, locked))
}

func TestReplaceWalletsRejectsBadPercentages(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	require.NoError(t, ledger.EnsureFiller(ctx, "f1"))

	err := ledger.ReplaceWallets(ctx, "f1", []domain.PayoutWallet{{Percentage: 40}, {Percentage: 40}})
	assert.ErrorIs(t, err, gerror.ErrInvalid)

	err = ledger.ReplaceWallets(ctx, "f1", []domain.PayoutWallet{{Percentage: 60}, {Percentage: 40}})
	assert.NoError(t, err)
}

func TestSetAddressesIsReadableViaSnapshot(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	require.NoError(t, ledger.EnsureFiller(ctx, "f1"))

	operational := common.HexToAddress("0xaaaa")
	payout := common.HexToAddress("0xbbbb")
	require.NoError(t, ledger.SetAddresses(ctx, "f1", operational, payout))

	snap, err := ledger.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, operational, snap.OperationalAddress)
	assert.Equal(t, payout, snap.PayoutAddress)
}

func TestConcurrentLocksOnSameFillerAreSerialized(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemory()
	tokenID := big.NewInt(1)
	require.NoError(t, ledger.Credit(ctx, "f1", tokenID, big.NewInt(100)))

	var wg sync.WaitGroup
	successes := 0
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ledger.Lock(ctx, "f1", tokenID, big.NewInt(100)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "only one of two competing full-balance locks should succeed")
}
