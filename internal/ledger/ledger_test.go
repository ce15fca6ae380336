package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"fluxline/internal/db"
	"fluxline/internal/ledger"
	"fluxline/internal/migrate"
	"fluxline/internal/repo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func balance(t *testing.T, conn *sql.DB, account string) int64 {
	t.Helper()
	amount, err := repo.Repo{DB: conn}.GetBalance(context.Background(), nil, account, "FLX")
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return amount
}

func TestMoveDebitsAndCredits(t *testing.T) {
	conn := newTestDB(t)
	svc := ledger.Service{}
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := svc.Mint(ctx, tx, "FLX", "a", 500); err != nil {
			return err
		}
		return svc.Move(ctx, tx, "FLX", "a", "b", 200)
	})
	if err != nil {
		t.Fatalf("mint+move: %v", err)
	}
	if got := balance(t, conn, "a"); got != 300 {
		t.Fatalf("a = %d, want 300", got)
	}
	if got := balance(t, conn, "b"); got != 200 {
		t.Fatalf("b = %d, want 200", got)
	}

	var transfers, mints int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM transfers WHERE kind='transfer'`).Scan(&transfers); err != nil {
		t.Fatal(err)
	}
	if err := conn.QueryRow(`SELECT COUNT(*) FROM transfers WHERE kind='mint'`).Scan(&mints); err != nil {
		t.Fatal(err)
	}
	if transfers != 1 || mints != 1 {
		t.Fatalf("journal rows = %d transfers, %d mints, want 1/1", transfers, mints)
	}
}

func TestMoveInsufficientFundsRollsBack(t *testing.T) {
	conn := newTestDB(t)
	svc := ledger.Service{}
	ctx := context.Background()

	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return svc.Mint(ctx, tx, "FLX", "a", 100)
	}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return svc.Move(ctx, tx, "FLX", "a", "b", 101)
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := balance(t, conn, "a"); got != 100 {
		t.Fatalf("a = %d, want 100 untouched", got)
	}
	if got := balance(t, conn, "b"); got != 0 {
		t.Fatalf("b = %d, want 0", got)
	}
	var journal int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM transfers WHERE kind='transfer'`).Scan(&journal); err != nil {
		t.Fatal(err)
	}
	if journal != 0 {
		t.Fatalf("failed move left %d journal rows", journal)
	}
}

func TestMoveRejectsBadArguments(t *testing.T) {
	conn := newTestDB(t)
	svc := ledger.Service{}
	ctx := context.Background()

	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return svc.Move(ctx, tx, "FLX", "a", "a", 10)
	}); err == nil {
		t.Fatal("self-transfer accepted")
	}
	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return svc.Move(ctx, tx, "FLX", "a", "b", 0)
	}); err == nil {
		t.Fatal("zero-amount transfer accepted")
	}
	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return svc.Mint(ctx, tx, "FLX", "a", -5)
	}); err == nil {
		t.Fatal("negative mint accepted")
	}
}
