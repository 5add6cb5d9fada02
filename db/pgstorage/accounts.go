package pgstorage

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/merkle"
)

// Accounts is the Postgres-backed accounts.Store: a
// single-row-per-(address,token_id) table, applied through one
// transaction per Apply call so a negative balance never partially
// lands.
type Accounts struct {
	db *pgxpool.Pool
}

// NewAccounts wraps db as an accounts.Store.
func NewAccounts(db *pgxpool.Pool) *Accounts {
	return &Accounts{db: db}
}

// Get implements accounts.Store.
func (a *Accounts) Get(ctx context.Context, address common.Address, tokenID *big.Int) (*big.Int, error) {
	var balanceStr string
	err := a.db.QueryRow(ctx, `SELECT balance FROM settlement.accounts WHERE address = $1 AND token_id = $2`,
		address.Bytes(), numericString(tokenID)).Scan(&balanceStr)
	if err == pgx.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(balanceStr), nil
}

// Apply implements accounts.Store: every delta in the batch is applied
// inside one transaction, with a row lock per touched key taken via
// SELECT ... FOR UPDATE before any UPDATE/INSERT, so a concurrent Apply
// cannot observe a half-applied set of deltas.
func (a *Accounts) Apply(ctx context.Context, deltas []domain.Delta) (merkle.Hash, error) {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return merkle.Hash{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	type key struct {
		address common.Address
		tokenID string
	}
	running := make(map[key]*big.Int)

	for _, d := range deltas {
		k := key{address: d.Address, tokenID: d.TokenID.String()}
		cur, ok := running[k]
		if !ok {
			cur, err = a.getForUpdate(ctx, tx, d.Address, d.TokenID)
			if err != nil {
				return merkle.Hash{}, err
			}
		}
		next := new(big.Int).Add(cur, d.Amount)
		if next.Sign() < 0 {
			return merkle.Hash{}, gerror.ErrNegativeBalance
		}
		running[k] = next
	}

	for k, balance := range running {
		tokenID, _ := new(big.Int).SetString(k.tokenID, 10)
		if _, err := tx.Exec(ctx, `
INSERT INTO settlement.accounts (address, token_id, balance) VALUES ($1, $2, $3)
ON CONFLICT (address, token_id) DO UPDATE SET balance = EXCLUDED.balance`,
			k.address.Bytes(), numericString(tokenID), balance.String()); err != nil {
			return merkle.Hash{}, err
		}
	}

	root, _, err := a.snapshotTx(ctx, tx)
	if err != nil {
		return merkle.Hash{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return merkle.Hash{}, err
	}
	return root, nil
}

func (a *Accounts) getForUpdate(ctx context.Context, tx pgx.Tx, address common.Address, tokenID *big.Int) (*big.Int, error) {
	var balanceStr string
	err := tx.QueryRow(ctx, `SELECT balance FROM settlement.accounts WHERE address = $1 AND token_id = $2 FOR UPDATE`,
		address.Bytes(), numericString(tokenID)).Scan(&balanceStr)
	if err == pgx.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(balanceStr), nil
}

// Snapshot implements accounts.Store.
func (a *Accounts) Snapshot(ctx context.Context) (merkle.Hash, []domain.Account, error) {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return merkle.Hash{}, nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	return a.snapshotTx(ctx, tx)
}

// snapshotTx returns accounts sorted ascending by (address, token_id)
// lexicographic byte order, the canonical leaf ordering of the state
// tree.
func (a *Accounts) snapshotTx(ctx context.Context, tx pgx.Tx) (merkle.Hash, []domain.Account, error) {
	rows, err := tx.Query(ctx, `SELECT address, token_id, balance FROM settlement.accounts ORDER BY address ASC, token_id ASC`)
	if err != nil {
		return merkle.Hash{}, nil, err
	}
	defer rows.Close()

	var accs []domain.Account
	for rows.Next() {
		var addrB []byte
		var tokenStr, balanceStr string
		if err := rows.Scan(&addrB, &tokenStr, &balanceStr); err != nil {
			return merkle.Hash{}, nil, err
		}
		accs = append(accs, domain.Account{
			Key:     domain.AccountKey{Address: common.BytesToAddress(addrB), TokenID: parseNumeric(tokenStr)},
			Balance: parseNumeric(balanceStr),
		})
	}
	if err := rows.Err(); err != nil {
		return merkle.Hash{}, nil, err
	}

	// ORDER BY on the NUMERIC token_id column already sorts numerically;
	// the re-sort in Go over the decoded big.Ints fixes the canonical
	// (address bytes, token_id) leaf order independently of the query.
	sort.SliceStable(accs, func(i, j int) bool {
		ai, aj := accs[i].Key, accs[j].Key
		if c := compareAddressBytes(ai.Address, aj.Address); c != 0 {
			return c < 0
		}
		return ai.TokenID.Cmp(aj.TokenID) < 0
	})

	hashes := make([]merkle.Hash, len(accs))
	for i, acc := range accs {
		hashes[i] = merkle.AccountLeaf(acc.Key.Address, acc.Key.TokenID, acc.Balance)
	}
	return merkle.Build(hashes).Root(), accs, nil
}

func compareAddressBytes(a, b common.Address) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
