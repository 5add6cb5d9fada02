package chainadapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/offramp-labs/settlement-core/metrics"
	"github.com/offramp-labs/settlement-core/orders"
)

// depositedEventSignature is the bridge contract's deposit event:
// Deposited(from, token_id, amount, banking_hash), with from indexed.
var depositedEventSignature = crypto.Keccak256Hash([]byte("Deposited(address,uint256,uint256,bytes32)"))

// LogFilterer is the narrow slice of the eth client the watcher needs,
// kept narrow so tests can supply a fake without an RPC endpoint.
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// Watcher polls the bridge contract for Deposited events and turns each
// into an idempotent create_bridge_in call. Exactly one Watcher runs per
// process.
type Watcher struct {
	client        LogFilterer
	bridgeAddress common.Address
	orderStore    orders.Store
	accountStore  accounts.Store
	eventStore    EventStore
	publisher     events.Publisher
	pollInterval  time.Duration

	lastBlock uint64
}

// NewWatcher builds a Watcher starting its scan at fromBlock (exclusive).
func NewWatcher(client LogFilterer, bridgeAddress common.Address, orderStore orders.Store, accountStore accounts.Store, eventStore EventStore, publisher events.Publisher, pollInterval time.Duration, fromBlock uint64) *Watcher {
	if publisher == nil {
		publisher = events.NoOp{}
	}
	return &Watcher{
		client:        client,
		bridgeAddress: bridgeAddress,
		orderStore:    orderStore,
		accountStore:  accountStore,
		eventStore:    eventStore,
		publisher:     publisher,
		pollInterval:  pollInterval,
		lastBlock:     fromBlock,
	}
}

// Run polls on pollInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				log.Errorf("chainadapter: poll failed: %v", err)
			}
		}
	}
}

// Poll fetches every Deposited log since the last processed block and
// ingests it. Chain-event consumption is totally ordered by
// (block_number, log_index); FilterLogs already returns logs in that
// order.
func (w *Watcher) Poll(ctx context.Context) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		Addresses: []common.Address{w.bridgeAddress},
		Topics:    [][]common.Hash{{depositedEventSignature}},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("chainadapter: filter logs: %w", err)
	}

	for _, l := range logs {
		if err := w.ingest(ctx, l); err != nil {
			// Stop here so lastBlock does not advance past the failed
			// log; the next poll re-reads it, and dedup makes the
			// replay of already-ingested logs harmless. An earlier log of
			// the same block may already have moved lastBlock onto it, so
			// step back to re-read that block.
			if l.BlockNumber > 0 && l.BlockNumber <= w.lastBlock {
				w.lastBlock = l.BlockNumber - 1
			}
			return fmt.Errorf("chainadapter: ingest log %s#%d: %w", l.TxHash, l.Index, err)
		}
		if l.BlockNumber > w.lastBlock {
			w.lastBlock = l.BlockNumber
		}
	}
	return nil
}

func (w *Watcher) ingest(ctx context.Context, l types.Log) error {
	key := EventKey{TxHash: l.TxHash, LogIndex: l.Index}
	if err := w.eventStore.MarkProcessed(ctx, key); err != nil {
		if errors.Is(err, gerror.ErrConflict) {
			// Already seen: at-least-once delivery is expected,
			// idempotence is this ingest's job.
			metrics.ChainEventConsumed("duplicate")
			return nil
		}
		return fmt.Errorf("mark processed: %w", err)
	}

	from, tokenID, amount, bankingHash, err := decodeDeposited(l)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	order := &domain.Order{
		ID:          uuid.New(),
		Kind:        domain.BridgeIn,
		FromAddress: from,
		TokenID:     tokenID,
		Amount:      amount,
		BankingHash: bankingHash,
	}
	if err := w.orderStore.Create(ctx, order); err != nil {
		return fmt.Errorf("create_bridge_in: %w", err)
	}
	metrics.ChainEventConsumed("new")
	metrics.OrderCreated(domain.BridgeIn.String())

	// The deposit mints the seller's off-chain balance; the batch builder
	// debits it again when the order settles.
	if _, err := w.accountStore.Apply(ctx, []domain.Delta{{Address: from, TokenID: tokenID, Amount: amount}}); err != nil {
		return fmt.Errorf("credit depositor: %w", err)
	}

	w.publisher.Publish(ctx, events.OrderCreated, order)
	return nil
}

// decodeDeposited unpacks a Deposited log's indexed `from` topic and its
// three 32-byte-slot data fields, mirroring the fixed-width big-endian
// slot encoding merkle.OrderLeaf uses.
func decodeDeposited(l types.Log) (from common.Address, tokenID, amount *big.Int, bankingHash [32]byte, err error) {
	if len(l.Topics) < 2 {
		return from, nil, nil, bankingHash, fmt.Errorf("missing indexed from topic")
	}
	from = common.BytesToAddress(l.Topics[1].Bytes())

	const slotLen = 32
	if len(l.Data) < 3*slotLen {
		return from, nil, nil, bankingHash, fmt.Errorf("short event data: %d bytes", len(l.Data))
	}
	tokenID = new(big.Int).SetBytes(l.Data[0:slotLen])
	amount = new(big.Int).SetBytes(l.Data[slotLen : 2*slotLen])
	copy(bankingHash[:], l.Data[2*slotLen:3*slotLen])
	return from, tokenID, amount, bankingHash, nil
}
