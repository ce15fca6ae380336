package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fluxline/internal/domain"
)

// Repo is the persistence collaborator: stream records, the write-once ledger
// config, the stream id counter, accounts and the event log, all in SQLite.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyInitialized = errors.New("ledger already initialised")
)

// querier lets methods run against either the pool or an open transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- ledger config (write-once) ---

// PutLedgerConfig persists the global config exactly once. A second attempt
// fails with ErrAlreadyInitialized and leaves the existing row untouched.
func (r Repo) PutLedgerConfig(ctx context.Context, tx *sql.Tx, cfg domain.LedgerConfig) error {
	res, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO ledger_config(id, asset_id, admin_account, created_at) VALUES (1,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		cfg.AssetID, cfg.AdminAccount, cfg.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyInitialized
	}
	return nil
}

func (r Repo) GetLedgerConfig(ctx context.Context, tx *sql.Tx) (domain.LedgerConfig, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT asset_id, admin_account, created_at FROM ledger_config WHERE id=1`)
	var cfg domain.LedgerConfig
	err := row.Scan(&cfg.AssetID, &cfg.AdminAccount, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	return cfg, err
}

// --- stream id counter ---

// NextStreamID allocates the next stream id. Monotonic, unique, 1-based.
func (r Repo) NextStreamID(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO counters(name, value) VALUES ('stream_id', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`); err != nil {
		return 0, err
	}
	var id uint64
	err := r.q(tx).QueryRowContext(ctx, `SELECT value FROM counters WHERE name='stream_id'`).Scan(&id)
	return id, err
}

// --- streams ---

const streamColumns = `id, sender, recipient, deposit_amount, rate_per_second,
	start_time, cliff_time, end_time, withdrawn_amount, status, cancelled_at, created_at, updated_at`

func scanStream(row *sql.Row) (domain.Stream, error) {
	var s domain.Stream
	err := row.Scan(&s.ID, &s.Sender, &s.Recipient, &s.DepositAmount, &s.RatePerSecond,
		&s.StartTime, &s.CliffTime, &s.EndTime, &s.WithdrawnAmount, &s.Status, &s.CancelledAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStream(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO streams(`+streamColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Sender, s.Recipient, s.DepositAmount, s.RatePerSecond,
		s.StartTime, s.CliffTime, s.EndTime, s.WithdrawnAmount, s.Status, s.CancelledAt, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateStream writes back the mutable fields. Schedule fields are immutable
// after creation and deliberately absent from the statement.
func (r Repo) UpdateStream(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE streams SET withdrawn_amount=?, status=?, cancelled_at=?, updated_at=? WHERE id=?`,
		s.WithdrawnAmount, s.Status, s.CancelledAt, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStream(ctx context.Context, tx *sql.Tx, id uint64) (domain.Stream, error) {
	return scanStream(r.q(tx).QueryRowContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id=?`, id))
}

// StreamFilter narrows ListStreams. Zero values mean "no filter".
type StreamFilter struct {
	Status    domain.StreamStatus
	Sender    string
	Recipient string
	Limit     int
}

func (r Repo) ListStreams(ctx context.Context, f StreamFilter) ([]domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Sender != "" {
		conds = append(conds, "sender=?")
		args = append(args, f.Sender)
	}
	if f.Recipient != "" {
		conds = append(conds, "recipient=?")
		args = append(args, f.Recipient)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var streams []domain.Stream
	for rows.Next() {
		var s domain.Stream
		if err := rows.Scan(&s.ID, &s.Sender, &s.Recipient, &s.DepositAmount, &s.RatePerSecond,
			&s.StartTime, &s.CliffTime, &s.EndTime, &s.WithdrawnAmount, &s.Status, &s.CancelledAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// --- actors and accounts ---

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	if a.Address == "" {
		return errors.New("address required")
	}
	if a.OwnerActor == "" {
		return errors.New("owner_actor required")
	}
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO accounts(address, owner_actor, created_at) VALUES (?,?,?)`,
		a.Address, a.OwnerActor, a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, tx *sql.Tx, address string) (domain.Account, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT address, owner_actor, created_at FROM accounts WHERE address=?`, address)
	var a domain.Account
	err := row.Scan(&a.Address, &a.OwnerActor, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAccounts(ctx context.Context, ownerActor string) ([]domain.Account, error) {
	query := `SELECT address, owner_actor, created_at FROM accounts`
	var args []any
	if ownerActor != "" {
		query += ` WHERE owner_actor=?`
		args = append(args, ownerActor)
	}
	query += ` ORDER BY created_at, address`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.Address, &a.OwnerActor, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetBalance returns an account's balance in the given asset. Accounts with
// no balance row simply hold zero.
func (r Repo) GetBalance(ctx context.Context, tx *sql.Tx, account, asset string) (int64, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE account=? AND asset=?`, account, asset)
	var amount int64
	err := row.Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, topic string, streamID uint64) ([]domain.Event, error) {
	query := `SELECT id, ts, topic, stream_id, actor_id, payload_json FROM events`
	var conds []string
	var args []any
	if topic != "" {
		conds = append(conds, "topic=?")
		args = append(args, topic)
	}
	if streamID != 0 {
		conds = append(conds, "stream_id=?")
		args = append(args, streamID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Topic, &e.StreamID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsAfter returns up to limit events with id greater than after, oldest
// first. Used by the webhook dispatcher cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, topic, stream_id, actor_id, payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Topic, &e.StreamID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}
