// Package auth answers one question: does this caller control that account.
// The proof is a single yes/no lookup, not retryable within an operation, so
// every admin-eligible entry point picks exactly one account to check up
// front instead of trying one proof and falling back to another.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DeniedError indicates the caller could not prove control of an account.
type DeniedError struct {
	Account string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("control of account %s required", e.Account)
}

// Service resolves capability proofs against the accounts table.
type Service struct{}

// ProveControl succeeds only when actorID owns the account. An unknown
// account is indistinguishable from a denied proof on purpose: the caller
// learns nothing about accounts it does not control.
func (s Service) ProveControl(ctx context.Context, tx *sql.Tx, actorID, account string) error {
	if actorID == "" || account == "" {
		return DeniedError{Account: account}
	}
	row := tx.QueryRowContext(ctx,
		`SELECT 1 FROM accounts WHERE address=? AND owner_actor=? LIMIT 1`, account, actorID)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return DeniedError{Account: account}
	}
	return err
}
