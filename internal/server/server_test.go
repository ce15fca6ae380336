package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"fluxline/internal/db"
	"fluxline/internal/engine"
	"fluxline/internal/migrate"
)

const testBase int64 = 1_700_000_000

type testServer struct {
	URL    string
	Now    *int64
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := testBase
	e := engine.New(conn)
	e.Now = func() time.Time { return time.Unix(now, 0).UTC() }

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Now:    &now,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

// seedLedger initialises the ledger and funds a sender account over the API.
func seedLedger(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/init", map[string]any{
		"asset_id":      "FLX",
		"admin_account": "acct:admin",
	}, asActor("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init ledger: %d %s", res.StatusCode, string(data))
	}
	for actor, addr := range map[string]string{
		"root":  "acct:admin",
		"alice": "acct:alice",
		"bob":   "acct:bob",
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{
			"address": addr,
		}, asActor(actor))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create account %s: %d %s", addr, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/acct:alice/fund", map[string]any{
		"amount": 1_000_000,
	}, asActor("root"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund sender: %d %s", res.StatusCode, string(data))
	}
}

func createTestStream(t *testing.T, srv *testServer) StreamResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"sender":          "acct:alice",
		"recipient":       "acct:bob",
		"deposit_amount":  1000,
		"rate_per_second": 1,
		"start_time":      testBase,
		"cliff_time":      testBase,
		"end_time":        testBase + 1000,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stream: %d %s", res.StatusCode, string(data))
	}
	var s StreamResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal stream: %v", err)
	}
	return s
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/streams", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedLedger(t, srv)
	client := srv.Client()
	s := createTestStream(t, srv)
	if s.Status != "active" || s.ID == 0 {
		t.Fatalf("created stream: %+v", s)
	}

	*srv.Now = testBase + 300
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/1/withdraw", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("withdraw: %d %s", res.StatusCode, string(data))
	}
	var wd WithdrawResponse
	if err := json.Unmarshal(data, &wd); err != nil {
		t.Fatalf("unmarshal withdraw: %v", err)
	}
	if wd.Amount != 300 || wd.Stream.WithdrawnAmount != 300 {
		t.Fatalf("withdraw amount = %d (%+v), want 300", wd.Amount, wd.Stream)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/1/cancel", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	var cancelled StreamResponse
	_ = json.Unmarshal(data, &cancelled)
	if cancelled.Status != "cancelled" {
		t.Fatalf("status after cancel = %s", cancelled.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/acct:alice/balance", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance: %d %s", res.StatusCode, string(data))
	}
	var bal BalanceResponse
	_ = json.Unmarshal(data, &bal)
	if bal.Amount != 999_700 {
		t.Fatalf("sender balance = %d, want 999700", bal.Amount)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?stream_id=1", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 3 { // cancelled, withdrew, created (newest first)
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Topic != "cancelled" {
		t.Fatalf("latest topic = %s, want cancelled", events[0].Topic)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedLedger(t, srv)
	client := srv.Client()

	type envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	check := func(data []byte, wantCode string) {
		t.Helper()
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
		}
		if env.Error.Code != wantCode {
			t.Fatalf("error code = %q, want %q (%s)", env.Error.Code, wantCode, string(data))
		}
	}

	// malformed schedule -> 400
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"sender":          "acct:alice",
		"recipient":       "acct:alice",
		"deposit_amount":  1000,
		"rate_per_second": 1,
		"start_time":      testBase,
		"cliff_time":      testBase,
		"end_time":        testBase + 1000,
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid schedule: %d %s", res.StatusCode, string(data))
	}
	check(data, "invalid_schedule")

	s := createTestStream(t, srv)

	// non-sender pause -> 403
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/1/pause", nil, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("forbidden pause: %d %s", res.StatusCode, string(data))
	}
	check(data, "forbidden")

	// unknown stream -> 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/streams/99", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream: %d %s", res.StatusCode, string(data))
	}
	check(data, "not_found")

	// double init -> 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/init", map[string]any{
		"asset_id":      "OTHER",
		"admin_account": "acct:bob",
	}, asActor("root"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double init: %d %s", res.StatusCode, string(data))
	}
	check(data, "already_initialised")

	// nothing accrued yet -> 422
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/"+itoa(s.ID)+"/withdraw", nil, asActor("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty withdraw: %d %s", res.StatusCode, string(data))
	}
	check(data, "nothing_to_withdraw")

	// resume active -> 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/"+itoa(s.ID)+"/resume", nil, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("resume active: %d %s", res.StatusCode, string(data))
	}
	check(data, "invalid_state")
}

func TestAdminRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedLedger(t, srv)
	client := srv.Client()
	s := createTestStream(t, srv)

	// sender actor cannot use admin routes
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/streams/"+itoa(s.ID)+"/pause", nil, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin pause as sender: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/streams/"+itoa(s.ID)+"/pause", nil, asActor("root"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin pause: %d %s", res.StatusCode, string(data))
	}
	var paused StreamResponse
	_ = json.Unmarshal(data, &paused)
	if paused.Status != "paused" {
		t.Fatalf("status after admin pause = %s", paused.Status)
	}
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
