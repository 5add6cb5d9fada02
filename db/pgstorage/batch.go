package pgstorage

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/offramp-labs/settlement-core/batch"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
)

// Batch is the Postgres-backed batch.Store.
type Batch struct {
	db *pgxpool.Pool
}

// NewBatch wraps db as a batch.Store.
func NewBatch(db *pgxpool.Pool) *Batch {
	return &Batch{db: db}
}

func nullableProof(p []byte) interface{} {
	if p == nil {
		return nil
	}
	return p
}

const insertBatchSQL = `
INSERT INTO settlement.batches
	(batch_id, prev_batch_id, prev_state_root, prev_orders_root, new_state_root, new_orders_root,
	 proof, status, order_ids, created_at, sealed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

func batchArgs(b *domain.Batch) []interface{} {
	return []interface{}{
		b.BatchID, b.PrevBatchID, b.PrevStateRoot[:], b.PrevOrdersRoot[:], b.NewStateRoot[:], b.NewOrdersRoot[:],
		nullableProof(b.Proof), b.Status, b.OrderIDs, b.CreatedAt, b.SealedAt,
	}
}

// Create implements batch.Store.
func (s *Batch) Create(ctx context.Context, b *domain.Batch) error {
	_, err := s.db.Exec(ctx, insertBatchSQL, batchArgs(b)...)
	if isUniqueViolation(err) {
		return gerror.ErrConflict
	}
	return err
}

const selectBatchSQL = `
SELECT batch_id, prev_batch_id, prev_state_root, prev_orders_root, new_state_root, new_orders_root,
       proof, status, order_ids, created_at, sealed_at
FROM settlement.batches`

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var (
		b                                         domain.Batch
		prevStateRoot, prevOrdersRoot             []byte
		newStateRoot, newOrdersRoot               []byte
		proof                                     []byte
	)
	if err := row.Scan(&b.BatchID, &b.PrevBatchID, &prevStateRoot, &prevOrdersRoot, &newStateRoot, &newOrdersRoot,
		&proof, &b.Status, &b.OrderIDs, &b.CreatedAt, &b.SealedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, gerror.ErrNotFound
		}
		return nil, err
	}
	copy(b.PrevStateRoot[:], prevStateRoot)
	copy(b.PrevOrdersRoot[:], prevOrdersRoot)
	copy(b.NewStateRoot[:], newStateRoot)
	copy(b.NewOrdersRoot[:], newOrdersRoot)
	b.Proof = proof
	return &b, nil
}

// Get implements batch.Store.
func (s *Batch) Get(ctx context.Context, batchID uint32) (*domain.Batch, error) {
	return scanBatch(s.db.QueryRow(ctx, selectBatchSQL+" WHERE batch_id=$1", batchID))
}

// GetBuilding implements batch.Store.
func (s *Batch) GetBuilding(ctx context.Context) (*domain.Batch, error) {
	return scanBatch(s.db.QueryRow(ctx, selectBatchSQL+" WHERE status=$1", domain.Building))
}

// LatestSealed implements batch.Store.
func (s *Batch) LatestSealed(ctx context.Context) (*domain.Batch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, selectBatchSQL+
		" WHERE status IN ($1, $2) OR (status = $3 AND sealed_at IS NOT NULL) ORDER BY batch_id DESC LIMIT 1",
		domain.Submitting, domain.Submitted, domain.BatchFailed))
	if err == gerror.ErrNotFound {
		return &domain.Batch{
			BatchID:       0,
			NewStateRoot:  domain.GenesisStateRoot,
			NewOrdersRoot: domain.GenesisOrdersRoot,
			Status:        domain.Submitted,
		}, nil
	}
	return b, err
}

// HighestBatchID implements batch.Store.
func (s *Batch) HighestBatchID(ctx context.Context) (uint32, error) {
	var max *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(batch_id) FROM settlement.batches`).Scan(&max); err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return uint32(*max), nil
}

// Update implements batch.Store.
func (s *Batch) Update(ctx context.Context, b *domain.Batch) error {
	tag, err := s.db.Exec(ctx, `
UPDATE settlement.batches SET prev_batch_id=$2, prev_state_root=$3, prev_orders_root=$4,
       new_state_root=$5, new_orders_root=$6, proof=$7, status=$8, order_ids=$9, sealed_at=$11
WHERE batch_id=$1`, batchArgs(b)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return gerror.ErrNotFound
	}
	return nil
}

// ListByStatus implements batch.Store.
func (s *Batch) ListByStatus(ctx context.Context, status domain.BatchStatus) ([]*domain.Batch, error) {
	rows, err := s.db.Query(ctx, selectBatchSQL+" WHERE status=$1 ORDER BY batch_id ASC", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveSealedOrders implements batch.Store: inserted in one transaction so
// a reader never observes a partially-written leaf set for a sealed batch.
func (s *Batch) SaveSealedOrders(ctx context.Context, batchID uint32, sealed []batch.SealedOrder) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, o := range sealed {
		if _, err := tx.Exec(ctx, `
INSERT INTO settlement.sealed_orders
	(batch_id, leaf_index, order_id, on_chain_order_id, kind, from_address, to_address, token_id, amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			batchID, o.LeafIndex, o.OrderID, int64(o.OnChainOrderID), o.Kind, o.From[:], o.To[:], o.TokenID, o.Amount); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func scanSealedOrder(row pgx.Row) (batch.SealedOrder, error) {
	var (
		o                 batch.SealedOrder
		onChainOrderID    int64
		fromB, toB        []byte
	)
	if err := row.Scan(&o.OrderID, &onChainOrderID, &o.Kind, &fromB, &toB, &o.TokenID, &o.Amount, &o.LeafIndex); err != nil {
		if err == pgx.ErrNoRows {
			return batch.SealedOrder{}, gerror.ErrNotFound
		}
		return batch.SealedOrder{}, err
	}
	o.OnChainOrderID = uint64(onChainOrderID)
	copy(o.From[:], fromB)
	copy(o.To[:], toB)
	return o, nil
}

// SealedOrders implements batch.Store.
func (s *Batch) SealedOrders(ctx context.Context, batchID uint32) ([]batch.SealedOrder, error) {
	rows, err := s.db.Query(ctx, `
SELECT order_id, on_chain_order_id, kind, from_address, to_address, token_id, amount, leaf_index
FROM settlement.sealed_orders WHERE batch_id=$1 ORDER BY leaf_index ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batch.SealedOrder
	for rows.Next() {
		o, err := scanSealedOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, gerror.ErrNotFound
	}
	return out, nil
}

// NextOnChainOrderID returns the next free on_chain_order_id: one past
// the highest id ever sealed, or 1 if none has been. The batch builder
// seeds its in-process allocator from this at startup so the id space
// survives restarts.
func (s *Batch) NextOnChainOrderID(ctx context.Context) (uint64, error) {
	var max *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(on_chain_order_id) FROM settlement.sealed_orders`).Scan(&max); err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return uint64(*max) + 1, nil
}

// SealedOrderByOnChainID implements batch.Store.
func (s *Batch) SealedOrderByOnChainID(ctx context.Context, batchID uint32, onChainOrderID uint64, kind domain.Kind) (batch.SealedOrder, error) {
	return scanSealedOrder(s.db.QueryRow(ctx, `
SELECT order_id, on_chain_order_id, kind, from_address, to_address, token_id, amount, leaf_index
FROM settlement.sealed_orders WHERE batch_id=$1 AND on_chain_order_id=$2 AND kind=$3`,
		batchID, int64(onChainOrderID), kind))
}
