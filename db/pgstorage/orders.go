package pgstorage

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/orders"
)

// Orders is the Postgres-backed orders.Store.
type Orders struct {
	db *pgxpool.Pool
}

// NewOrders wraps db as an orders.Store.
func NewOrders(db *pgxpool.Pool) *Orders {
	return &Orders{db: db}
}

func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

const insertOrderSQL = `
INSERT INTO settlement.orders
	(id, kind, status, from_address, to_address, token_id, amount, banking_hash,
	 filler_id, locked_amount, batch_id, on_chain_order_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

// Create implements orders.Store. Only BridgeIn orders enter the
// lifecycle at Pending.
func (o *Orders) Create(ctx context.Context, order *domain.Order) error {
	if err := order.Validate(); err != nil {
		return gerror.ErrInvalid
	}
	if order.Kind != domain.BridgeIn {
		return gerror.ErrInvalid
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	order.Status = domain.Pending

	_, err := o.db.Exec(ctx, insertOrderSQL,
		order.ID, order.Kind, order.Status, order.FromAddress.Bytes(), order.ToAddress.Bytes(),
		numericString(order.TokenID), numericString(order.Amount), order.BankingHash[:],
		nullableFillerID(order.FillerID), nullableAmount(order.LockedAmount), nullableBatchID(order.BatchID),
		nullableUint64(order.OnChainOrderID), order.CreatedAt, order.UpdatedAt)
	if isUniqueViolation(err) {
		return gerror.ErrConflict
	}
	return err
}

// CreateSettled implements orders.Store.
func (o *Orders) CreateSettled(ctx context.Context, order *domain.Order) error {
	if err := order.Validate(); err != nil {
		return gerror.ErrInvalid
	}
	if order.Kind == domain.BridgeIn {
		return gerror.ErrInvalid
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	order.Status = domain.Settled

	_, err := o.db.Exec(ctx, insertOrderSQL,
		order.ID, order.Kind, order.Status, order.FromAddress.Bytes(), order.ToAddress.Bytes(),
		numericString(order.TokenID), numericString(order.Amount), order.BankingHash[:],
		nullableFillerID(order.FillerID), nullableAmount(order.LockedAmount), nullableBatchID(order.BatchID),
		nullableUint64(order.OnChainOrderID), order.CreatedAt, order.UpdatedAt)
	if isUniqueViolation(err) {
		return gerror.ErrConflict
	}
	return err
}

const selectOrderSQL = `
SELECT id, kind, status, from_address, to_address, token_id, amount, banking_hash,
       filler_id, locked_amount, batch_id, on_chain_order_id, created_at, updated_at
FROM settlement.orders WHERE id = $1`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                                    domain.Order
		fromB, toB, hashB                    []byte
		tokenStr, amountStr                  string
		fillerID                             *string
		lockedStr                            *string
		batchID                              *int64
		onChainID                            *int64
	)
	if err := row.Scan(&o.ID, &o.Kind, &o.Status, &fromB, &toB, &tokenStr, &amountStr, &hashB,
		&fillerID, &lockedStr, &batchID, &onChainID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, gerror.ErrNotFound
		}
		return nil, err
	}
	o.FromAddress = common.BytesToAddress(fromB)
	o.ToAddress = common.BytesToAddress(toB)
	o.TokenID = parseNumeric(tokenStr)
	o.Amount = parseNumeric(amountStr)
	copy(o.BankingHash[:], hashB)
	o.FillerID = fillerID
	if lockedStr != nil {
		o.LockedAmount = parseNumeric(*lockedStr)
	}
	if batchID != nil {
		v := uint32(*batchID)
		o.BatchID = &v
	}
	if onChainID != nil {
		v := uint64(*onChainID)
		o.OnChainOrderID = &v
	}
	return &o, nil
}

// Get implements orders.Store.
func (o *Orders) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return scanOrder(o.db.QueryRow(ctx, selectOrderSQL, id))
}

// ListByKindStatus implements orders.Store.
func (o *Orders) ListByKindStatus(ctx context.Context, kind domain.Kind, status domain.Status, limit int) ([]*domain.Order, error) {
	query := `
SELECT id, kind, status, from_address, to_address, token_id, amount, banking_hash,
       filler_id, locked_amount, batch_id, on_chain_order_id, created_at, updated_at
FROM settlement.orders WHERE kind = $1 AND status = $2 ORDER BY created_at ASC`
	args := []interface{}{kind, status}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := o.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByFiller implements orders.Store.
func (o *Orders) ListByFiller(ctx context.Context, fillerID string, status domain.Status) ([]*domain.Order, error) {
	rows, err := o.db.Query(ctx, `
SELECT id, kind, status, from_address, to_address, token_id, amount, banking_hash,
       filler_id, locked_amount, batch_id, on_chain_order_id, created_at, updated_at
FROM settlement.orders WHERE filler_id = $1 AND status = $2 ORDER BY created_at ASC`, fillerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CompareAndTransition implements orders.Store: the CAS is enforced by
// comparing updated_at against the row read under FOR UPDATE in the same
// transaction, the state-machine legality by orders.CanTransition.
func (o *Orders) CompareAndTransition(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, to domain.Status, mutate func(*domain.Order)) (*domain.Order, error) {
	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanOrder(tx.QueryRow(ctx, selectOrderSQL+" FOR UPDATE", id))
	if err != nil {
		return nil, err
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, gerror.ErrConflict
	}
	if !orders.CanTransition(current.Kind, current.Status, to) {
		return nil, gerror.ErrIllegalTransition
	}

	next := *current
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
UPDATE settlement.orders SET status=$1, from_address=$2, to_address=$3, token_id=$4, amount=$5,
       banking_hash=$6, filler_id=$7, locked_amount=$8, batch_id=$9, on_chain_order_id=$10, updated_at=$11
WHERE id=$12`,
		next.Status, next.FromAddress.Bytes(), next.ToAddress.Bytes(), numericString(next.TokenID), numericString(next.Amount),
		next.BankingHash[:], nullableFillerID(next.FillerID), nullableAmount(next.LockedAmount),
		nullableBatchID(next.BatchID), nullableUint64(next.OnChainOrderID), next.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

func nullableFillerID(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableAmount(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func nullableBatchID(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
