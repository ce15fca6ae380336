package domain

import "fmt"

// StreamStatus is the closed set of lifecycle states a stream can occupy.
type StreamStatus string

const (
	StatusActive    StreamStatus = "active"
	StatusPaused    StreamStatus = "paused"
	StatusCancelled StreamStatus = "cancelled"
	StatusCompleted StreamStatus = "completed"
)

// Terminal reports whether the status accepts no further transitions.
func (s StreamStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// HoldingAccount holds every deposit between creation and withdrawal or refund.
const HoldingAccount = "holding:streams"

// Stream is one streaming agreement: an immutable schedule plus mutable progress.
// The schedule fields never change after creation; WithdrawnAmount only grows
// and Status only moves along the lifecycle machine. Streams are never deleted:
// terminal records stay queryable for audit.
//
// CancelledAt is set once when the stream is cancelled; accrual is frozen at
// that instant so the recipient's claimable remainder never grows past what
// the holding account still owes them.
type Stream struct {
	ID              uint64       `json:"id"`
	Sender          string       `json:"sender"`
	Recipient       string       `json:"recipient"`
	DepositAmount   int64        `json:"deposit_amount"`
	RatePerSecond   int64        `json:"rate_per_second"`
	StartTime       int64        `json:"start_time"`
	CliffTime       int64        `json:"cliff_time"`
	EndTime         int64        `json:"end_time"`
	WithdrawnAmount int64        `json:"withdrawn_amount"`
	Status          StreamStatus `json:"status" enum:"active,paused,cancelled,completed"`
	CancelledAt     int64        `json:"cancelled_at,omitempty"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

// AccrualClock clamps now to the cancellation instant for cancelled streams,
// so withdrawals after a cancel settle against the amount earned up to it.
func (s Stream) AccrualClock(now int64) int64 {
	if s.Status == StatusCancelled && s.CancelledAt > 0 && now > s.CancelledAt {
		return s.CancelledAt
	}
	return now
}

// LedgerConfig is the global, write-once configuration: which asset streams
// move and which account holds admin capability.
type LedgerConfig struct {
	AssetID      string `json:"asset_id"`
	AdminAccount string `json:"admin_account"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Account is a ledger account controlled by an actor. Capability proofs
// resolve "caller controls account X" through the OwnerActor link.
type Account struct {
	Address    string `json:"address"`
	OwnerActor string `json:"owner_actor"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Transfer is one append-only journal row. Rows are never updated or deleted.
type Transfer struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts" format:"date-time"`
	Asset  string `json:"asset"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Kind   string `json:"kind" enum:"transfer,mint"`
	Memo   string `json:"memo,omitempty"`
}

// Event is an append-only notification row recorded after a successful
// lifecycle transition.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Topic    string `json:"topic"`
	StreamID uint64 `json:"stream_id"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidationError reports a malformed schedule or amount at creation time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateSchedule enforces the creation invariants: positive amounts,
// distinct parties, ordered times, cliff inside the window, and a deposit
// that covers the full schedule.
func (s Stream) ValidateSchedule() error {
	if s.DepositAmount <= 0 {
		return ValidationError{Field: "deposit_amount", Reason: "must be positive"}
	}
	if s.RatePerSecond <= 0 {
		return ValidationError{Field: "rate_per_second", Reason: "must be positive"}
	}
	if s.Sender == "" {
		return ValidationError{Field: "sender", Reason: "required"}
	}
	if s.Recipient == "" {
		return ValidationError{Field: "recipient", Reason: "required"}
	}
	if s.Sender == s.Recipient {
		return ValidationError{Field: "recipient", Reason: "sender and recipient must differ"}
	}
	if s.StartTime >= s.EndTime {
		return ValidationError{Field: "start_time", Reason: "must be before end_time"}
	}
	if s.CliffTime < s.StartTime || s.CliffTime > s.EndTime {
		return ValidationError{Field: "cliff_time", Reason: "must lie within [start_time, end_time]"}
	}
	total, ok := CheckedMul(s.RatePerSecond, s.EndTime-s.StartTime)
	if !ok {
		return ValidationError{Field: "rate_per_second", Reason: "rate times duration overflows"}
	}
	if s.DepositAmount < total {
		return ValidationError{Field: "deposit_amount", Reason: "must cover rate_per_second times duration"}
	}
	return nil
}

// CheckedMul multiplies two int64 values and reports whether the product is
// exact (no wraparound).
func CheckedMul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}
