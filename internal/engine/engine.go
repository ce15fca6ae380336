// Package engine drives the stream lifecycle: create, pause, resume, cancel,
// withdraw. Every operation runs as one SQLite transaction, so a failure at
// any point (validation, capability proof, fund movement) rolls back to the
// exact pre-call state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fluxline/internal/accrual"
	"fluxline/internal/domain"
	"fluxline/internal/engine/auth"
	"fluxline/internal/events"
	"fluxline/internal/ledger"
	"fluxline/internal/repo"
)

// Mover is the transfer collaborator. A failed move must abort the caller's
// whole operation; implementations signal shortfalls with
// ledger.ErrInsufficientFunds.
type Mover interface {
	Move(ctx context.Context, tx *sql.Tx, asset, from, to string, amount int64) error
	Mint(ctx context.Context, tx *sql.Tx, asset, to string, amount int64) error
}

// Capability is the authorization collaborator: a one-shot proof that the
// caller controls an account.
type Capability interface {
	ProveControl(ctx context.Context, tx *sql.Tx, actorID, account string) error
}

// EventWriter is the notification sink, invoked after a successful transition
// within the same transaction.
type EventWriter interface {
	Append(ctx context.Context, tx *sql.Tx, topic string, streamID uint64, actorID string, payload events.Payload) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Transfers Mover
	Auth      Capability
	Events    EventWriter
	Now       func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Transfers: ledger.Service{},
		Auth:      auth.Service{},
		Events:    events.Writer{},
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StateError reports an operation invalid for the stream's current status.
type StateError struct {
	StreamID uint64
	Status   domain.StreamStatus
	Op       string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s stream %d in status %s", e.Op, e.StreamID, e.Status)
}

// ErrNothingToWithdraw is returned when accrual equals the withdrawn amount.
var ErrNothingToWithdraw = errors.New("nothing to withdraw")

// InitLedger stores the global config exactly once. A second call fails with
// repo.ErrAlreadyInitialized and leaves the first config untouched.
func (e Engine) InitLedger(ctx context.Context, asset, admin string) (domain.LedgerConfig, error) {
	if asset == "" {
		return domain.LedgerConfig{}, domain.ValidationError{Field: "asset_id", Reason: "required"}
	}
	if admin == "" {
		return domain.LedgerConfig{}, domain.ValidationError{Field: "admin_account", Reason: "required"}
	}
	cfg := domain.LedgerConfig{
		AssetID:      asset,
		AdminAccount: admin,
		CreatedAt:    e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerConfig{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.PutLedgerConfig(ctx, tx, cfg); err != nil {
		return domain.LedgerConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerConfig{}, err
	}
	return cfg, nil
}

// StreamCreateOptions are the schedule parameters for a new stream. Times are
// unix seconds.
type StreamCreateOptions struct {
	Sender        string
	Recipient     string
	DepositAmount int64
	RatePerSecond int64
	StartTime     int64
	CliffTime     int64
	EndTime       int64
}

// CreateStream validates the schedule, moves the deposit from the sender to
// the holding account, and only after the transfer succeeded allocates a
// stream id and persists the record. A failed transfer therefore leaves no
// visible state change at all.
func (e Engine) CreateStream(ctx context.Context, callerID string, opts StreamCreateOptions) (domain.Stream, error) {
	s := domain.Stream{
		Sender:        opts.Sender,
		Recipient:     opts.Recipient,
		DepositAmount: opts.DepositAmount,
		RatePerSecond: opts.RatePerSecond,
		StartTime:     opts.StartTime,
		CliffTime:     opts.CliffTime,
		EndTime:       opts.EndTime,
		Status:        domain.StatusActive,
	}
	if err := s.ValidateSchedule(); err != nil {
		return domain.Stream{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	cfg, err := e.Repo.GetLedgerConfig(ctx, tx)
	if err != nil {
		return domain.Stream{}, fmt.Errorf("load ledger config: %w", err)
	}
	if err := e.Auth.ProveControl(ctx, tx, callerID, s.Sender); err != nil {
		return domain.Stream{}, err
	}

	if err := e.Transfers.Move(ctx, tx, cfg.AssetID, s.Sender, domain.HoldingAccount, s.DepositAmount); err != nil {
		return domain.Stream{}, fmt.Errorf("deposit: %w", err)
	}

	id, err := e.Repo.NextStreamID(ctx, tx)
	if err != nil {
		return domain.Stream{}, err
	}
	s.ID = id
	now := e.nowRFC3339()
	s.CreatedAt = now
	s.UpdatedAt = now

	if err := e.Repo.InsertStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "created", s.ID, callerID, events.Payload{
		"deposit_amount": s.DepositAmount,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// authPath picks which single account a lifecycle call proves control of.
// The proof primitive is one-shot, so there is no sender-then-admin fallback:
// the admin path is a separate entry point.
type authPath int

const (
	asSender authPath = iota
	asAdmin
)

func (e Engine) authorize(ctx context.Context, tx *sql.Tx, path authPath, callerID string, s domain.Stream) error {
	switch path {
	case asAdmin:
		cfg, err := e.Repo.GetLedgerConfig(ctx, tx)
		if err != nil {
			return fmt.Errorf("load ledger config: %w", err)
		}
		return e.Auth.ProveControl(ctx, tx, callerID, cfg.AdminAccount)
	default:
		return e.Auth.ProveControl(ctx, tx, callerID, s.Sender)
	}
}

// PauseStream halts withdrawals on an active stream. Sender path.
func (e Engine) PauseStream(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.pause(ctx, asSender, callerID, streamID)
}

// PauseStreamAsAdmin is PauseStream authorized against the admin account.
func (e Engine) PauseStreamAsAdmin(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.pause(ctx, asAdmin, callerID, streamID)
}

func (e Engine) pause(ctx context.Context, path authPath, callerID string, streamID uint64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if err := e.authorize(ctx, tx, path, callerID, s); err != nil {
		return domain.Stream{}, err
	}
	switch s.Status {
	case domain.StatusActive:
	default:
		return domain.Stream{}, StateError{StreamID: s.ID, Status: s.Status, Op: "pause"}
	}
	s.Status = domain.StatusPaused
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "paused", s.ID, callerID, nil); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// ResumeStream reactivates a paused stream. Sender path.
func (e Engine) ResumeStream(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.resume(ctx, asSender, callerID, streamID)
}

// ResumeStreamAsAdmin is ResumeStream authorized against the admin account.
func (e Engine) ResumeStreamAsAdmin(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.resume(ctx, asAdmin, callerID, streamID)
}

func (e Engine) resume(ctx context.Context, path authPath, callerID string, streamID uint64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if err := e.authorize(ctx, tx, path, callerID, s); err != nil {
		return domain.Stream{}, err
	}
	switch s.Status {
	case domain.StatusPaused:
	default:
		return domain.Stream{}, StateError{StreamID: s.ID, Status: s.Status, Op: "resume"}
	}
	s.Status = domain.StatusActive
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "resumed", s.ID, callerID, nil); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// CancelStream stops future accrual and refunds the unstreamed remainder to
// the sender. The accrued-but-unwithdrawn portion stays in the holding
// account for the recipient to claim later: cancellation is never a clawback.
// Sender path.
func (e Engine) CancelStream(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.cancel(ctx, asSender, callerID, streamID)
}

// CancelStreamAsAdmin is CancelStream authorized against the admin account.
// The refund still goes to the stream's sender.
func (e Engine) CancelStreamAsAdmin(ctx context.Context, callerID string, streamID uint64) (domain.Stream, error) {
	return e.cancel(ctx, asAdmin, callerID, streamID)
}

func (e Engine) cancel(ctx context.Context, path authPath, callerID string, streamID uint64) (domain.Stream, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if err := e.authorize(ctx, tx, path, callerID, s); err != nil {
		return domain.Stream{}, err
	}
	switch s.Status {
	case domain.StatusActive, domain.StatusPaused:
	default:
		return domain.Stream{}, StateError{StreamID: s.ID, Status: s.Status, Op: "cancel"}
	}

	cancelledAt := e.now().Unix()
	accrued := accrual.Accrued(s.StartTime, s.CliffTime, s.EndTime, s.RatePerSecond, s.DepositAmount, cancelledAt)
	unstreamed := s.DepositAmount - accrued
	if unstreamed > 0 {
		cfg, err := e.Repo.GetLedgerConfig(ctx, tx)
		if err != nil {
			return domain.Stream{}, fmt.Errorf("load ledger config: %w", err)
		}
		if err := e.Transfers.Move(ctx, tx, cfg.AssetID, domain.HoldingAccount, s.Sender, unstreamed); err != nil {
			return domain.Stream{}, fmt.Errorf("refund: %w", err)
		}
	}

	s.Status = domain.StatusCancelled
	s.CancelledAt = cancelledAt
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "cancelled", s.ID, callerID, events.Payload{
		"refund_amount": unstreamed,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// Withdraw pays the recipient everything accrued and not yet withdrawn.
// Rejected while paused: pausing blocks claiming, not the clock, so the
// amount keeps growing and becomes claimable again on resume. Allowed on a
// cancelled stream so the earned remainder stays collectible. Returns the
// amount paid.
func (e Engine) Withdraw(ctx context.Context, callerID string, streamID uint64) (domain.Stream, int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, 0, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, 0, err
	}
	if err := e.Auth.ProveControl(ctx, tx, callerID, s.Recipient); err != nil {
		return domain.Stream{}, 0, err
	}
	switch s.Status {
	case domain.StatusCompleted, domain.StatusPaused:
		return domain.Stream{}, 0, StateError{StreamID: s.ID, Status: s.Status, Op: "withdraw"}
	}

	accrued := accrual.Accrued(s.StartTime, s.CliffTime, s.EndTime, s.RatePerSecond, s.DepositAmount, s.AccrualClock(e.now().Unix()))
	withdrawable := accrued - s.WithdrawnAmount
	if withdrawable <= 0 {
		return domain.Stream{}, 0, ErrNothingToWithdraw
	}

	cfg, err := e.Repo.GetLedgerConfig(ctx, tx)
	if err != nil {
		return domain.Stream{}, 0, fmt.Errorf("load ledger config: %w", err)
	}
	if err := e.Transfers.Move(ctx, tx, cfg.AssetID, domain.HoldingAccount, s.Recipient, withdrawable); err != nil {
		return domain.Stream{}, 0, fmt.Errorf("payout: %w", err)
	}

	s.WithdrawnAmount += withdrawable
	if s.WithdrawnAmount >= s.DepositAmount {
		s.Status = domain.StatusCompleted
	}
	s.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, 0, err
	}
	if err := e.Events.Append(ctx, tx, "withdrew", s.ID, callerID, events.Payload{
		"amount": withdrawable,
	}); err != nil {
		return domain.Stream{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, 0, err
	}
	return s, withdrawable, nil
}

// Accrued reports how much of the deposit is owed to the recipient right now.
// Read-only; pausing does not stop the clock, but cancellation does.
func (e Engine) Accrued(ctx context.Context, streamID uint64) (int64, error) {
	s, err := e.Repo.GetStream(ctx, nil, streamID)
	if err != nil {
		return 0, err
	}
	return accrual.Accrued(s.StartTime, s.CliffTime, s.EndTime, s.RatePerSecond, s.DepositAmount, s.AccrualClock(e.now().Unix())), nil
}

// CreateAccount registers a ledger account controlled by the calling actor.
func (e Engine) CreateAccount(ctx context.Context, actorID, address string) (domain.Account, error) {
	if address == "" {
		return domain.Account{}, domain.ValidationError{Field: "address", Reason: "required"}
	}
	if actorID == "" {
		return domain.Account{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	now := e.nowRFC3339()
	a := domain.Account{Address: address, OwnerActor: actorID, CreatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Account{}, err
	}
	if err := e.Repo.InsertAccount(ctx, tx, a); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// FundAccount mints the configured asset into an account. Admin capability.
func (e Engine) FundAccount(ctx context.Context, callerID, address string, amount int64) error {
	if amount <= 0 {
		return domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cfg, err := e.Repo.GetLedgerConfig(ctx, tx)
	if err != nil {
		return fmt.Errorf("load ledger config: %w", err)
	}
	if err := e.Auth.ProveControl(ctx, tx, callerID, cfg.AdminAccount); err != nil {
		return err
	}
	if _, err := e.Repo.GetAccount(ctx, tx, address); err != nil {
		return err
	}
	if err := e.Transfers.Mint(ctx, tx, cfg.AssetID, address, amount); err != nil {
		return err
	}
	return tx.Commit()
}

// Balance returns an account's balance in the configured asset.
func (e Engine) Balance(ctx context.Context, address string) (int64, error) {
	cfg, err := e.Repo.GetLedgerConfig(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("load ledger config: %w", err)
	}
	return e.Repo.GetBalance(ctx, nil, address, cfg.AssetID)
}
