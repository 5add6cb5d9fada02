package chainadapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogFilterer struct {
	logs []types.Log
	err  error
}

func (f *fakeLogFilterer) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, f.err
}

func slot32(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func depositLog(txHash common.Hash, logIndex uint, blockNumber uint64, from common.Address, tokenID, amount *big.Int, bankingHash [32]byte) types.Log {
	data := append(append(slot32(tokenID), slot32(amount)...), bankingHash[:]...)
	return types.Log{
		TxHash:      txHash,
		Index:       logIndex,
		BlockNumber: blockNumber,
		Topics:      []common.Hash{depositedEventSignature, common.BytesToHash(from.Bytes())},
		Data:        data,
	}
}

func TestWatcherIngestsDepositAsBridgeInOrder(t *testing.T) {
	ctx := context.Background()
	orderStore := orders.NewMemory()
	accountStore := accounts.NewMemory()
	eventStore := NewMemoryEventStore()

	from := common.HexToAddress("0x1234")
	tokenID := big.NewInt(5)
	amount := big.NewInt(1000)
	var bankingHash [32]byte
	bankingHash[0] = 0xAB

	log := depositLog(common.HexToHash("0xaaaa"), 0, 10, from, tokenID, amount, bankingHash)
	filterer := &fakeLogFilterer{logs: []types.Log{log}}

	w := NewWatcher(filterer, common.HexToAddress("0xbeef"), orderStore, accountStore, eventStore, nil, 0, 0)
	require.NoError(t, w.Poll(ctx))

	created, err := orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.Pending, 0)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, from, created[0].FromAddress)
	assert.Equal(t, tokenID, created[0].TokenID)
	assert.Equal(t, amount, created[0].Amount)
	assert.Equal(t, bankingHash, created[0].BankingHash)
	assert.Equal(t, uint64(10), w.lastBlock)

	minted, err := accountStore.Get(ctx, from, tokenID)
	require.NoError(t, err)
	assert.Equal(t, amount, minted, "the deposit must mint the seller's off-chain balance")
}

type failingEventStore struct{ err error }

func (f *failingEventStore) MarkProcessed(context.Context, EventKey) error { return f.err }

func TestWatcherTransientStoreErrorIsNotADuplicate(t *testing.T) {
	ctx := context.Background()
	orderStore := orders.NewMemory()
	accountStore := accounts.NewMemory()
	eventStore := &failingEventStore{err: errors.New("connection refused")}

	from := common.HexToAddress("0x9abc")
	log := depositLog(common.HexToHash("0xcccc"), 1, 30, from, big.NewInt(1), big.NewInt(1), [32]byte{1})
	filterer := &fakeLogFilterer{logs: []types.Log{log}}

	w := NewWatcher(filterer, common.HexToAddress("0xbeef"), orderStore, accountStore, eventStore, nil, 0, 0)
	require.Error(t, w.Poll(ctx))

	created, err := orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.Pending, 0)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, uint64(0), w.lastBlock, "a failed ingest must not advance lastBlock, the deposit is retried next poll")
}

func TestWatcherDeduplicatesRepeatedDelivery(t *testing.T) {
	ctx := context.Background()
	orderStore := orders.NewMemory()
	accountStore := accounts.NewMemory()
	eventStore := NewMemoryEventStore()

	from := common.HexToAddress("0x5678")
	log := depositLog(common.HexToHash("0xbbbb"), 2, 20, from, big.NewInt(1), big.NewInt(1), [32]byte{1})
	filterer := &fakeLogFilterer{logs: []types.Log{log, log}}

	w := NewWatcher(filterer, common.HexToAddress("0xbeef"), orderStore, accountStore, eventStore, nil, 0, 0)
	require.NoError(t, w.Poll(ctx))

	created, err := orderStore.ListByKindStatus(ctx, domain.BridgeIn, domain.Pending, 0)
	require.NoError(t, err)
	assert.Len(t, created, 1, "redelivering the same tx_hash+log_index must not create a second order")

	minted, err := accountStore.Get(ctx, from, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), minted, "the duplicate delivery must not credit the seller twice")
}
