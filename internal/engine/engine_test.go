package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fluxline/internal/db"
	"fluxline/internal/domain"
	"fluxline/internal/engine"
	"fluxline/internal/engine/auth"
	"fluxline/internal/ledger"
	"fluxline/internal/migrate"
	"fluxline/internal/repo"
)

// base is the fixed test epoch; tests move the clock relative to it.
const base int64 = 1_700_000_000

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), now: base}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Unix(env.now, 0).UTC() }
	env.Engine = eng

	if _, err := eng.InitLedger(env.Ctx, "FLX", "acct:admin"); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	for actor, addr := range map[string]string{
		"root":  "acct:admin",
		"alice": "acct:alice",
		"bob":   "acct:bob",
	} {
		if _, err := eng.CreateAccount(env.Ctx, actor, addr); err != nil {
			t.Fatalf("create account %s: %v", addr, err)
		}
	}
	if err := eng.FundAccount(env.Ctx, "root", "acct:alice", 1_000_000); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	return env
}

// defaultOptions is a 1000-second stream: rate 1, no cliff, deposit 1000.
func defaultOptions() engine.StreamCreateOptions {
	return engine.StreamCreateOptions{
		Sender:        "acct:alice",
		Recipient:     "acct:bob",
		DepositAmount: 1000,
		RatePerSecond: 1,
		StartTime:     base,
		CliffTime:     base,
		EndTime:       base + 1000,
	}
}

func (env *testEnv) createDefault(t *testing.T) domain.Stream {
	t.Helper()
	s, err := env.Engine.CreateStream(env.Ctx, "alice", defaultOptions())
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return s
}

func (env *testEnv) balance(t *testing.T, address string) int64 {
	t.Helper()
	amount, err := env.Engine.Repo.GetBalance(env.Ctx, nil, address, "FLX")
	if err != nil {
		t.Fatalf("balance %s: %v", address, err)
	}
	return amount
}

func TestCreateStreamMovesDepositToHolding(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)
	if s.ID != 1 {
		t.Fatalf("stream id = %d, want 1", s.ID)
	}
	if s.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", s.Status)
	}
	if got := env.balance(t, "acct:alice"); got != 999_000 {
		t.Fatalf("sender balance = %d, want 999000", got)
	}
	if got := env.balance(t, domain.HoldingAccount); got != 1000 {
		t.Fatalf("holding balance = %d, want 1000", got)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "created", s.ID)
	if err != nil || len(events) != 1 {
		t.Fatalf("created events = %d (%v), want 1", len(events), err)
	}
}

func TestCreateStreamValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*engine.StreamCreateOptions)
	}{
		{"zero deposit", func(o *engine.StreamCreateOptions) { o.DepositAmount = 0 }},
		{"negative rate", func(o *engine.StreamCreateOptions) { o.RatePerSecond = -1 }},
		{"sender equals recipient", func(o *engine.StreamCreateOptions) { o.Recipient = o.Sender }},
		{"start equals end", func(o *engine.StreamCreateOptions) { o.EndTime = o.StartTime }},
		{"end before start", func(o *engine.StreamCreateOptions) { o.EndTime = o.StartTime - 1 }},
		{"cliff before start", func(o *engine.StreamCreateOptions) { o.CliffTime = o.StartTime - 1 }},
		{"cliff after end", func(o *engine.StreamCreateOptions) { o.CliffTime = o.EndTime + 1 }},
		{"underfunded deposit", func(o *engine.StreamCreateOptions) { o.DepositAmount = 999 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := defaultOptions()
			tc.mutate(&opts)
			_, err := env.Engine.CreateStream(env.Ctx, "alice", opts)
			var verr domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	streams, err := env.Engine.Repo.ListStreams(env.Ctx, repo.StreamFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 0 {
		t.Fatalf("rejected creations persisted %d streams", len(streams))
	}
	if got := env.balance(t, "acct:alice"); got != 1_000_000 {
		t.Fatalf("sender balance changed to %d on rejected creations", got)
	}
}

func TestCreateStreamInsufficientFundsLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	opts := defaultOptions()
	opts.Sender = "acct:bob"
	opts.Recipient = "acct:alice"
	_, err := env.Engine.CreateStream(env.Ctx, "bob", opts)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	streams, err := env.Engine.Repo.ListStreams(env.Ctx, repo.StreamFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 0 {
		t.Fatalf("failed creation persisted %d streams", len(streams))
	}
	if got := env.balance(t, domain.HoldingAccount); got != 0 {
		t.Fatalf("holding balance = %d after failed creation", got)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("failed creation emitted %d events", len(events))
	}
}

func TestCreateStreamRequiresSenderControl(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateStream(env.Ctx, "bob", defaultOptions())
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if got := env.balance(t, "acct:alice"); got != 1_000_000 {
		t.Fatalf("denied creation moved funds: sender balance %d", got)
	}
}

func TestWithdrawProRataThenCompletes(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	env.now = base + 300
	s, paid, err := env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid != 300 || s.WithdrawnAmount != 300 || s.Status != domain.StatusActive {
		t.Fatalf("paid=%d withdrawn=%d status=%s, want 300/300/active", paid, s.WithdrawnAmount, s.Status)
	}
	if got := env.balance(t, "acct:bob"); got != 300 {
		t.Fatalf("recipient balance = %d, want 300", got)
	}

	// well past end: the remainder, then completed
	env.now = base + 5000
	s, paid, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if err != nil {
		t.Fatalf("final withdraw: %v", err)
	}
	if paid != 700 || s.Status != domain.StatusCompleted {
		t.Fatalf("paid=%d status=%s, want 700/completed", paid, s.Status)
	}
	if got := env.balance(t, "acct:bob"); got != 1000 {
		t.Fatalf("recipient balance = %d, want 1000", got)
	}
	if got := env.balance(t, domain.HoldingAccount); got != 0 {
		t.Fatalf("holding balance = %d, want 0", got)
	}

	_, _, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	var serr engine.StateError
	if !errors.As(err, &serr) || serr.Status != domain.StatusCompleted {
		t.Fatalf("withdraw on completed: err = %v, want StateError(completed)", err)
	}
}

func TestWithdrawBeforeCliff(t *testing.T) {
	env := newTestEnv(t)
	opts := defaultOptions()
	opts.CliffTime = base + 500
	s, err := env.Engine.CreateStream(env.Ctx, "alice", opts)
	if err != nil {
		t.Fatal(err)
	}

	env.now = base + 300
	_, _, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if !errors.Is(err, engine.ErrNothingToWithdraw) {
		t.Fatalf("withdraw before cliff: err = %v, want ErrNothingToWithdraw", err)
	}

	// at the cliff the full elapsed-since-start amount vests at once
	env.now = base + 500
	_, paid, err := env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if err != nil || paid != 500 {
		t.Fatalf("withdraw at cliff: paid=%d err=%v, want 500/nil", paid, err)
	}
}

func TestImmediateCancelRefundsEverything(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	s, err := env.Engine.CancelStream(env.Ctx, "alice", s.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", s.Status)
	}
	if got := env.balance(t, "acct:alice"); got != 1_000_000 {
		t.Fatalf("sender balance = %d, want full refund", got)
	}
	if got := env.balance(t, domain.HoldingAccount); got != 0 {
		t.Fatalf("holding balance = %d, want 0", got)
	}
	_, _, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if !errors.Is(err, engine.ErrNothingToWithdraw) {
		t.Fatalf("withdraw after immediate cancel: err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestCancelMidStreamSplitsFunds(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	env.now = base + 300
	s, err := env.Engine.CancelStream(env.Ctx, "alice", s.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.balance(t, "acct:alice"); got != 999_700 {
		t.Fatalf("sender balance = %d, want 999700 (700 refunded)", got)
	}

	// accrual froze at the cancel instant: a much later withdraw still pays
	// exactly the earned 300, no more
	env.now = base + 900
	s, paid, err := env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if err != nil || paid != 300 {
		t.Fatalf("withdraw after cancel: paid=%d err=%v, want 300/nil", paid, err)
	}
	if s.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled to remain", s.Status)
	}
	if got := env.balance(t, domain.HoldingAccount); got != 0 {
		t.Fatalf("holding balance = %d, want 0", got)
	}
	_, _, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if !errors.Is(err, engine.ErrNothingToWithdraw) {
		t.Fatalf("second withdraw after cancel: err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestPauseBlocksWithdrawResumeRestores(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	env.now = base + 100
	s, err := env.Engine.PauseStream(env.Ctx, "alice", s.ID)
	if err != nil || s.Status != domain.StatusPaused {
		t.Fatalf("pause: status=%s err=%v", s.Status, err)
	}

	env.now = base + 300
	_, _, err = env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	var serr engine.StateError
	if !errors.As(err, &serr) || serr.Status != domain.StatusPaused {
		t.Fatalf("withdraw while paused: err = %v, want StateError(paused)", err)
	}

	// pausing never stopped the clock; after resume the full 300 is claimable
	s, err = env.Engine.ResumeStream(env.Ctx, "alice", s.ID)
	if err != nil || s.Status != domain.StatusActive {
		t.Fatalf("resume: status=%s err=%v", s.Status, err)
	}
	_, paid, err := env.Engine.Withdraw(env.Ctx, "bob", s.ID)
	if err != nil || paid != 300 {
		t.Fatalf("withdraw after resume: paid=%d err=%v, want 300/nil", paid, err)
	}
}

func TestInvalidLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	var serr engine.StateError
	if _, err := env.Engine.ResumeStream(env.Ctx, "alice", s.ID); !errors.As(err, &serr) {
		t.Fatalf("resume active: err = %v, want StateError", err)
	}
	if _, err := env.Engine.PauseStream(env.Ctx, "alice", s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PauseStream(env.Ctx, "alice", s.ID); !errors.As(err, &serr) {
		t.Fatalf("pause paused: err = %v, want StateError", err)
	}

	// cancel is allowed from paused; afterwards everything is rejected
	if _, err := env.Engine.CancelStream(env.Ctx, "alice", s.ID); err != nil {
		t.Fatalf("cancel paused: %v", err)
	}
	if _, err := env.Engine.PauseStream(env.Ctx, "alice", s.ID); !errors.As(err, &serr) {
		t.Fatalf("pause cancelled: err = %v, want StateError", err)
	}
	if _, err := env.Engine.ResumeStream(env.Ctx, "alice", s.ID); !errors.As(err, &serr) {
		t.Fatalf("resume cancelled: err = %v, want StateError", err)
	}
	if _, err := env.Engine.CancelStream(env.Ctx, "alice", s.ID); !errors.As(err, &serr) {
		t.Fatalf("cancel cancelled: err = %v, want StateError", err)
	}
}

func TestAdminEntryPoints(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	// the sender path proves control of the sender account, nothing else
	var denied auth.DeniedError
	if _, err := env.Engine.PauseStream(env.Ctx, "root", s.ID); !errors.As(err, &denied) {
		t.Fatalf("sender-path pause by admin actor: err = %v, want DeniedError", err)
	}
	// the admin path proves control of the admin account, nothing else
	if _, err := env.Engine.PauseStreamAsAdmin(env.Ctx, "alice", s.ID); !errors.As(err, &denied) {
		t.Fatalf("admin-path pause by sender actor: err = %v, want DeniedError", err)
	}

	s, err := env.Engine.PauseStreamAsAdmin(env.Ctx, "root", s.ID)
	if err != nil || s.Status != domain.StatusPaused {
		t.Fatalf("admin pause: status=%s err=%v", s.Status, err)
	}
	s, err = env.Engine.ResumeStreamAsAdmin(env.Ctx, "root", s.ID)
	if err != nil || s.Status != domain.StatusActive {
		t.Fatalf("admin resume: status=%s err=%v", s.Status, err)
	}

	// admin cancel still refunds the stream's sender
	env.now = base + 400
	s, err = env.Engine.CancelStreamAsAdmin(env.Ctx, "root", s.ID)
	if err != nil || s.Status != domain.StatusCancelled {
		t.Fatalf("admin cancel: status=%s err=%v", s.Status, err)
	}
	if got := env.balance(t, "acct:alice"); got != 999_600 {
		t.Fatalf("sender balance = %d, want 999600 (600 refunded)", got)
	}
}

func TestWithdrawRequiresRecipientControl(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)
	env.now = base + 300
	_, _, err := env.Engine.Withdraw(env.Ctx, "alice", s.ID)
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("withdraw by sender actor: err = %v, want DeniedError", err)
	}
	if got := env.balance(t, "acct:bob"); got != 0 {
		t.Fatalf("denied withdraw moved funds: recipient balance %d", got)
	}
}

func TestInitLedgerWriteOnce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitLedger(env.Ctx, "OTHER", "acct:bob")
	if !errors.Is(err, repo.ErrAlreadyInitialized) {
		t.Fatalf("second init: err = %v, want ErrAlreadyInitialized", err)
	}
	cfg, err := env.Engine.Repo.GetLedgerConfig(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AssetID != "FLX" || cfg.AdminAccount != "acct:admin" {
		t.Fatalf("config overwritten: %+v", cfg)
	}
}

func TestAccruedQuery(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDefault(t)

	for _, tc := range []struct {
		at   int64
		want int64
	}{
		{base, 0},
		{base + 1, 1},
		{base + 500, 500},
		{base + 1000, 1000},
		{base + 99_999, 1000},
	} {
		env.now = tc.at
		got, err := env.Engine.Accrued(env.Ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("accrued at %d = %d, want %d", tc.at-base, got, tc.want)
		}
	}
}

func TestStreamNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.Withdraw(env.Ctx, "bob", 42)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("withdraw unknown stream: err = %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.PauseStream(env.Ctx, "alice", 42); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pause unknown stream: err = %v, want ErrNotFound", err)
	}
}
