package pgstorage

import (
	"errors"

	"github.com/jackc/pgconn"
)

// uniqueViolationCode is Postgres error code 23505 (unique_violation).
const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, translated by callers into gerror.ErrConflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
