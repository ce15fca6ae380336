// Package ledger moves value between accounts. Balances are a cached view;
// the transfers table is the append-only journal of every movement.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientFunds is returned when the source account cannot cover the
// requested amount. Callers must treat it as an abort of their whole
// operation: the service never applies a partial movement.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Service implements asset movement inside the caller's transaction, so a
// rolled-back operation leaves both balances and the journal untouched.
type Service struct {
	Now func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Move transfers amount of asset from one account to another. The debit is
// applied first and guarded by the balance check, so the credit and journal
// row only exist when the debit succeeded.
func (s Service) Move(ctx context.Context, tx *sql.Tx, asset, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return fmt.Errorf("transfer from an account to itself")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount - ? WHERE account=? AND asset=? AND amount >= ?`,
		amount, from, asset, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("debit %s for %d %s: %w", from, amount, asset, ErrInsufficientFunds)
	}

	if err := s.credit(ctx, tx, asset, to, amount); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return s.journal(ctx, tx, asset, from, to, amount, "transfer")
}

// Mint credits freshly issued units to an account. Admin bootstrapping only;
// there is no corresponding debit.
func (s Service) Mint(ctx context.Context, tx *sql.Tx, asset, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive, got %d", amount)
	}
	if err := s.credit(ctx, tx, asset, to, amount); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return s.journal(ctx, tx, asset, "", to, amount, "mint")
}

func (s Service) credit(ctx context.Context, tx *sql.Tx, asset, account string, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances(account, asset, amount) VALUES (?,?,?)
		 ON CONFLICT(account, asset) DO UPDATE SET amount = amount + excluded.amount`,
		account, asset, amount)
	return err
}

func (s Service) journal(ctx context.Context, tx *sql.Tx, asset, from, to string, amount int64, kind string) error {
	ts := s.now().UTC().Format(time.RFC3339)
	var fromVal any
	if from != "" {
		fromVal = from
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transfers(ts, asset, from_account, to_account, amount, kind) VALUES (?,?,?,?,?,?)`,
		ts, asset, fromVal, to, amount, kind)
	return err
}
