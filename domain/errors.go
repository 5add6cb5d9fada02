package domain

import "errors"

var (
	errInvalidAmount      = errors.New("domain: amount must be positive")
	errInvalidTokenID     = errors.New("domain: token_id must be non-zero")
	errMissingBankingHash = errors.New("domain: bridge-in order requires a non-zero banking hash")
)
