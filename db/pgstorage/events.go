package pgstorage

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/offramp-labs/settlement-core/chainadapter"
	"github.com/offramp-labs/settlement-core/gerror"
)

// Events is the Postgres-backed chainadapter.EventStore: one row per
// (tx_hash, log_index) the watcher has already turned into a BridgeIn
// order, relying on the primary key to reject a duplicate insert.
type Events struct {
	db *pgxpool.Pool
}

// NewEvents wraps db as a chainadapter.EventStore.
func NewEvents(db *pgxpool.Pool) *Events {
	return &Events{db: db}
}

// MarkProcessed implements chainadapter.EventStore.
func (e *Events) MarkProcessed(ctx context.Context, key chainadapter.EventKey) error {
	_, err := e.db.Exec(ctx, `INSERT INTO settlement.processed_chain_events (tx_hash, log_index) VALUES ($1, $2)`,
		key.TxHash.Bytes(), int64(key.LogIndex))
	if isUniqueViolation(err) {
		return gerror.ErrConflict
	}
	return err
}
