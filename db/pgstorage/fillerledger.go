package pgstorage

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/gerror"
)

// FillerLedger is the Postgres-backed fillerledger.Store. Each method
// runs in its own transaction with the touched filler_balances row
// locked via SELECT ... FOR UPDATE, giving the same per-filler-row
// atomicity the in-memory Memory implementation gets from its per-key
// mutex.
type FillerLedger struct {
	db *pgxpool.Pool
}

// NewFillerLedger wraps db as a fillerledger.Store.
func NewFillerLedger(db *pgxpool.Pool) *FillerLedger {
	return &FillerLedger{db: db}
}

// EnsureFiller implements fillerledger.Store.
func (f *FillerLedger) EnsureFiller(ctx context.Context, fillerID string) error {
	_, err := f.db.Exec(ctx, `
INSERT INTO settlement.filler_ledger (filler_id) VALUES ($1)
ON CONFLICT (filler_id) DO NOTHING`, fillerID)
	return err
}

// balanceForUpdate reads (and locks) the total/locked row for
// (fillerID, tokenID), inserting a zero row first if none exists yet.
func (f *FillerLedger) balanceForUpdate(ctx context.Context, tx pgx.Tx, fillerID string, tokenID *big.Int) (*big.Int, *big.Int, error) {
	var totalStr, lockedStr string
	err := tx.QueryRow(ctx, `SELECT total, locked FROM settlement.filler_balances WHERE filler_id=$1 AND token_id=$2 FOR UPDATE`,
		fillerID, numericString(tokenID)).Scan(&totalStr, &lockedStr)
	if err == pgx.ErrNoRows {
		if _, err := tx.Exec(ctx, `
INSERT INTO settlement.filler_balances (filler_id, token_id, total, locked) VALUES ($1,$2,0,0)`,
			fillerID, numericString(tokenID)); err != nil {
			return nil, nil, err
		}
		return big.NewInt(0), big.NewInt(0), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return parseNumeric(totalStr), parseNumeric(lockedStr), nil
}

func (f *FillerLedger) withBalanceTx(ctx context.Context, fillerID string, tokenID *big.Int, mutate func(total, locked *big.Int) (*big.Int, *big.Int, error)) error {
	tx, err := f.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	total, locked, err := f.balanceForUpdate(ctx, tx, fillerID, tokenID)
	if err != nil {
		return err
	}
	nextTotal, nextLocked, err := mutate(total, locked)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE settlement.filler_balances SET total=$1, locked=$2 WHERE filler_id=$3 AND token_id=$4`,
		nextTotal.String(), nextLocked.String(), fillerID, numericString(tokenID)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Lock implements fillerledger.Store.
func (f *FillerLedger) Lock(ctx context.Context, fillerID string, tokenID, amount *big.Int) error {
	return f.withBalanceTx(ctx, fillerID, tokenID, func(total, locked *big.Int) (*big.Int, *big.Int, error) {
		available := new(big.Int).Sub(total, locked)
		if available.Cmp(amount) < 0 {
			return nil, nil, gerror.ErrInsufficientCapacity
		}
		return total, new(big.Int).Add(locked, amount), nil
	})
}

// Unlock implements fillerledger.Store.
func (f *FillerLedger) Unlock(ctx context.Context, fillerID string, tokenID, amount *big.Int) error {
	return f.withBalanceTx(ctx, fillerID, tokenID, func(total, locked *big.Int) (*big.Int, *big.Int, error) {
		next := new(big.Int).Sub(locked, amount)
		if next.Sign() < 0 {
			next = big.NewInt(0)
		}
		return total, next, nil
	})
}

// Credit implements fillerledger.Store.
func (f *FillerLedger) Credit(ctx context.Context, fillerID string, tokenID, amount *big.Int) error {
	return f.withBalanceTx(ctx, fillerID, tokenID, func(total, locked *big.Int) (*big.Int, *big.Int, error) {
		return new(big.Int).Add(total, amount), locked, nil
	})
}

// Debit implements fillerledger.Store.
func (f *FillerLedger) Debit(ctx context.Context, fillerID string, tokenID, amount *big.Int) error {
	return f.withBalanceTx(ctx, fillerID, tokenID, func(total, locked *big.Int) (*big.Int, *big.Int, error) {
		available := new(big.Int).Sub(total, locked)
		if available.Cmp(amount) < 0 {
			return nil, nil, gerror.ErrInsufficientCapacity
		}
		return new(big.Int).Sub(total, amount), locked, nil
	})
}

// IncrementCompletedJobs implements fillerledger.Store.
func (f *FillerLedger) IncrementCompletedJobs(ctx context.Context, fillerID string) error {
	tag, err := f.db.Exec(ctx, `UPDATE settlement.filler_ledger SET completed_jobs = completed_jobs + 1 WHERE filler_id=$1`, fillerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return gerror.ErrNotFound
	}
	return nil
}

// SetAddresses implements fillerledger.Store.
func (f *FillerLedger) SetAddresses(ctx context.Context, fillerID string, operational, payout common.Address) error {
	tag, err := f.db.Exec(ctx, `
UPDATE settlement.filler_ledger SET operational_address=$1, payout_address=$2 WHERE filler_id=$3`,
		operational.Bytes(), payout.Bytes(), fillerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return gerror.ErrNotFound
	}
	return nil
}

// ReplaceWallets implements fillerledger.Store: the wallet set is replaced
// transactionally (delete-then-insert) so a reader never observes a
// partial wallet list, validated against domain.ValidateWallets first.
func (f *FillerLedger) ReplaceWallets(ctx context.Context, fillerID string, wallets []domain.PayoutWallet) error {
	if !domain.ValidateWallets(wallets) {
		return gerror.ErrInvalid
	}
	tx, err := f.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM settlement.filler_wallets WHERE filler_id=$1`, fillerID); err != nil {
		return err
	}
	for i, w := range wallets {
		if _, err := tx.Exec(ctx, `
INSERT INTO settlement.filler_wallets (filler_id, position, address, percentage) VALUES ($1,$2,$3,$4)`,
			fillerID, i, w.Address.Bytes(), int16(w.Percentage)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Read implements fillerledger.Store.
func (f *FillerLedger) Read(ctx context.Context, fillerID string) (fillerledger.Snapshot, error) {
	var completedJobs int64
	var opAddr, payAddr []byte
	err := f.db.QueryRow(ctx, `SELECT completed_jobs, operational_address, payout_address FROM settlement.filler_ledger WHERE filler_id=$1`,
		fillerID).Scan(&completedJobs, &opAddr, &payAddr)
	if err == pgx.ErrNoRows {
		return fillerledger.Snapshot{}, gerror.ErrNotFound
	}
	if err != nil {
		return fillerledger.Snapshot{}, err
	}

	snap := fillerledger.Snapshot{
		FillerID:      fillerID,
		Total:         make(map[string]*big.Int),
		Available:     make(map[string]*big.Int),
		Locked:        make(map[string]*big.Int),
		CompletedJobs: uint64(completedJobs),
	}
	if opAddr != nil {
		snap.OperationalAddress = common.BytesToAddress(opAddr)
	}
	if payAddr != nil {
		snap.PayoutAddress = common.BytesToAddress(payAddr)
	}

	rows, err := f.db.Query(ctx, `SELECT token_id, total, locked FROM settlement.filler_balances WHERE filler_id=$1`, fillerID)
	if err != nil {
		return fillerledger.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tokenStr, totalStr, lockedStr string
		if err := rows.Scan(&tokenStr, &totalStr, &lockedStr); err != nil {
			return fillerledger.Snapshot{}, err
		}
		tokenID := parseNumeric(tokenStr)
		total, locked := parseNumeric(totalStr), parseNumeric(lockedStr)
		snap.Total[tokenID.String()] = total
		snap.Locked[tokenID.String()] = locked
		snap.Available[tokenID.String()] = new(big.Int).Sub(total, locked)
	}
	if err := rows.Err(); err != nil {
		return fillerledger.Snapshot{}, err
	}

	walletRows, err := f.db.Query(ctx, `SELECT address, percentage FROM settlement.filler_wallets WHERE filler_id=$1 ORDER BY position ASC`, fillerID)
	if err != nil {
		return fillerledger.Snapshot{}, err
	}
	defer walletRows.Close()
	for walletRows.Next() {
		var addrB []byte
		var pct int16
		if err := walletRows.Scan(&addrB, &pct); err != nil {
			return fillerledger.Snapshot{}, err
		}
		snap.Wallets = append(snap.Wallets, domain.PayoutWallet{Address: common.BytesToAddress(addrB), Percentage: uint8(pct)})
	}
	if err := walletRows.Err(); err != nil {
		return fillerledger.Snapshot{}, err
	}

	return snap, nil
}
