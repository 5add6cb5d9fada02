package chainadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/batch"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient rpc timeout")

type fakeTxSender struct {
	submitErr    error
	txHash       common.Hash
	confirmed    bool
	confirmedErr error
	submitCalls  int
}

func (f *fakeTxSender) SubmitProof(context.Context, *domain.Batch) (common.Hash, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return f.txHash, nil
}

func (f *fakeTxSender) Confirmed(context.Context, common.Hash) (bool, error) {
	return f.confirmed, f.confirmedErr
}

func newSubmittingBatch(t *testing.T, store *batch.Memory, id uint32) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &domain.Batch{BatchID: id, Status: domain.Submitting}))
}

func TestSubmitterSubmitsAndConfirmsInTwoDrains(t *testing.T) {
	ctx := context.Background()
	store := batch.NewMemory()
	newSubmittingBatch(t, store, 1)

	sender := &fakeTxSender{txHash: common.HexToHash("0xaaaa"), confirmed: true}
	s := NewSubmitter(store, sender, 0, time.Second)

	require.NoError(t, s.Drain(ctx))
	b, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Submitting, b.Status, "first drain only submits, confirmation happens on a later drain")

	require.NoError(t, s.Drain(ctx))
	b, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Submitted, b.Status)
}

func TestSubmitterMarksBatchFailedOnRevertedSubmit(t *testing.T) {
	ctx := context.Background()
	store := batch.NewMemory()
	newSubmittingBatch(t, store, 2)

	sender := &fakeTxSender{submitErr: ErrReverted}
	s := NewSubmitter(store, sender, 0, time.Second)
	require.NoError(t, s.Drain(ctx))

	b, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.Status)
}

func TestSubmitterMarksBatchFailedOnRevertedConfirmation(t *testing.T) {
	ctx := context.Background()
	store := batch.NewMemory()
	newSubmittingBatch(t, store, 3)

	sender := &fakeTxSender{txHash: common.HexToHash("0xbbbb"), confirmedErr: ErrReverted}
	s := NewSubmitter(store, sender, 0, time.Second)

	require.NoError(t, s.Drain(ctx))
	require.NoError(t, s.Drain(ctx))

	b, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.Status)
}

func TestSubmitterKeepsBatchSubmittingOnTransientSubmitError(t *testing.T) {
	ctx := context.Background()
	store := batch.NewMemory()
	newSubmittingBatch(t, store, 4)

	sender := &fakeTxSender{submitErr: errTransient}
	s := NewSubmitter(store, sender, 0, time.Second)
	require.NoError(t, s.Drain(ctx))

	b, err := store.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.Submitting, b.Status, "a transient submit error must not fail the batch")
	assert.Equal(t, 1, sender.submitCalls)
}
