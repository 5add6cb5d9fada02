package chainadapter

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/log"
)

// ErrReverted is returned by a TxSender when a submission permanently
// fails on-chain, as distinct from a transient error worth retrying.
// The submitter marks the batch Failed on it.
var ErrReverted = errors.New("chainadapter: submission reverted")

// TxSender sends and tracks the submitProof transaction. The production
// implementation signs with the operator key and polls a receipt; tests
// supply a fake.
type TxSender interface {
	// SubmitProof constructs and sends the submitProof transaction using
	// the same public-input encoding the prover was given, returning the
	// transaction hash.
	SubmitProof(ctx context.Context, b *domain.Batch) (common.Hash, error)

	// Confirmed reports whether txHash has reached the confirmation
	// depth the deployment requires. A false, nil-error result means
	// "still pending, check again later".
	Confirmed(ctx context.Context, txHash common.Hash) (bool, error)
}

// Submitter drains Submitting batches and pushes them on-chain. Exactly
// one Submitter runs per process.
type Submitter struct {
	batchStore Store
	sender     TxSender

	pollInterval time.Duration
	maxBackoff   time.Duration

	pending map[uint32]pendingSubmission
}

// Store is the narrow slice of batch.Store the submitter depends on.
type Store interface {
	ListByStatus(ctx context.Context, status domain.BatchStatus) ([]*domain.Batch, error)
	Update(ctx context.Context, b *domain.Batch) error
}

type pendingSubmission struct {
	txHash  common.Hash
	attempt int
	nextTry time.Time
}

// NewSubmitter wires a Submitter to a batch store and transaction sender.
func NewSubmitter(batchStore Store, sender TxSender, pollInterval, maxBackoff time.Duration) *Submitter {
	return &Submitter{
		batchStore:   batchStore,
		sender:       sender,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
		pending:      make(map[uint32]pendingSubmission),
	}
}

// Run drains on pollInterval until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Drain(ctx); err != nil {
				log.Errorf("chainadapter: submitter drain failed: %v", err)
			}
		}
	}
}

// Drain advances every Submitting batch one step: submit if unsent, poll
// for confirmation if already sent, and retry with exponential backoff
// (capped at maxBackoff) on transient submission errors.
func (s *Submitter) Drain(ctx context.Context) error {
	batches, err := s.batchStore.ListByStatus(ctx, domain.Submitting)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, b := range batches {
		pend, tracked := s.pending[b.BatchID]

		if !tracked {
			txHash, err := s.sender.SubmitProof(ctx, b)
			if err != nil {
				if errors.Is(err, ErrReverted) {
					s.failBatch(ctx, b)
					continue
				}
				log.Errorf("chainadapter: submit_proof for batch %d failed, will retry: %v", b.BatchID, err)
				s.pending[b.BatchID] = pendingSubmission{attempt: 1, nextTry: now.Add(s.backoff(1))}
				continue
			}
			s.pending[b.BatchID] = pendingSubmission{txHash: txHash, attempt: 1, nextTry: now}
			continue
		}

		if pend.txHash == (common.Hash{}) {
			// A prior attempt never got a tx hash; retry submission once
			// its backoff has elapsed.
			if now.Before(pend.nextTry) {
				continue
			}
			txHash, err := s.sender.SubmitProof(ctx, b)
			if err != nil {
				if errors.Is(err, ErrReverted) {
					s.failBatch(ctx, b)
					delete(s.pending, b.BatchID)
					continue
				}
				pend.attempt++
				pend.nextTry = now.Add(s.backoff(pend.attempt))
				s.pending[b.BatchID] = pend
				continue
			}
			pend.txHash = txHash
			s.pending[b.BatchID] = pend
			continue
		}

		confirmed, err := s.sender.Confirmed(ctx, pend.txHash)
		if err != nil {
			if errors.Is(err, ErrReverted) {
				s.failBatch(ctx, b)
				delete(s.pending, b.BatchID)
				continue
			}
			log.Errorf("chainadapter: confirmation check for batch %d failed: %v", b.BatchID, err)
			continue
		}
		if !confirmed {
			continue
		}

		b.Status = domain.Submitted
		if err := s.batchStore.Update(ctx, b); err != nil {
			log.Errorf("chainadapter: marking batch %d submitted: %v", b.BatchID, err)
			continue
		}
		delete(s.pending, b.BatchID)
	}
	return nil
}

func (s *Submitter) failBatch(ctx context.Context, b *domain.Batch) {
	b.Status = domain.BatchFailed
	if err := s.batchStore.Update(ctx, b); err != nil {
		log.Errorf("chainadapter: marking batch %d failed after revert: %v", b.BatchID, err)
	}
}

func (s *Submitter) backoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return d
}
