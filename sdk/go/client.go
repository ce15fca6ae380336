// Package fluxlinesdk is a minimal Fluxline HTTP API client.
package fluxlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Stream mirrors the API stream model.
type Stream struct {
	ID              uint64 `json:"id"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	DepositAmount   int64  `json:"deposit_amount"`
	RatePerSecond   int64  `json:"rate_per_second"`
	StartTime       int64  `json:"start_time"`
	CliffTime       int64  `json:"cliff_time"`
	EndTime         int64  `json:"end_time"`
	WithdrawnAmount int64  `json:"withdrawn_amount"`
	Status          string `json:"status"`
	CancelledAt     int64  `json:"cancelled_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// CreateStreamOptions are the schedule parameters for CreateStream.
type CreateStreamOptions struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	DepositAmount int64  `json:"deposit_amount"`
	RatePerSecond int64  `json:"rate_per_second"`
	StartTime     int64  `json:"start_time"`
	CliffTime     int64  `json:"cliff_time"`
	EndTime       int64  `json:"end_time"`
}

type Account struct {
	Address    string `json:"address"`
	OwnerActor string `json:"owner_actor"`
	CreatedAt  string `json:"created_at"`
}

type Balance struct {
	Address string `json:"address"`
	AssetID string `json:"asset_id"`
	Amount  int64  `json:"amount"`
}

type Withdrawal struct {
	Stream Stream `json:"stream"`
	Amount int64  `json:"amount"`
}

type Accrued struct {
	StreamID uint64 `json:"stream_id"`
	Accrued  int64  `json:"accrued"`
	AsOf     int64  `json:"as_of"`
}

type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Topic    string         `json:"topic"`
	StreamID uint64         `json:"stream_id"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateStream creates a stream funded by the caller's sender account.
func (c *Client) CreateStream(ctx context.Context, opts CreateStreamOptions) (Stream, error) {
	var resp Stream
	err := c.do(ctx, http.MethodPost, "v0/streams", opts, &resp)
	return resp, err
}

// GetStream fetches a stream by id.
func (c *Client) GetStream(ctx context.Context, id uint64) (Stream, error) {
	var resp Stream
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/streams/%d", id), nil, &resp)
	return resp, err
}

// GetAccrued reports the amount owed to the recipient so far.
func (c *Client) GetAccrued(ctx context.Context, id uint64) (Accrued, error) {
	var resp Accrued
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/streams/%d/accrued", id), nil, &resp)
	return resp, err
}

// PauseStream pauses an active stream via the sender path. Set admin to use
// the admin entry point instead.
func (c *Client) PauseStream(ctx context.Context, id uint64, admin bool) (Stream, error) {
	return c.transition(ctx, id, "pause", admin)
}

// ResumeStream resumes a paused stream.
func (c *Client) ResumeStream(ctx context.Context, id uint64, admin bool) (Stream, error) {
	return c.transition(ctx, id, "resume", admin)
}

// CancelStream cancels a stream and refunds the unstreamed remainder.
func (c *Client) CancelStream(ctx context.Context, id uint64, admin bool) (Stream, error) {
	return c.transition(ctx, id, "cancel", admin)
}

func (c *Client) transition(ctx context.Context, id uint64, action string, admin bool) (Stream, error) {
	endpoint := fmt.Sprintf("v0/streams/%d/%s", id, action)
	if admin {
		endpoint = fmt.Sprintf("v0/admin/streams/%d/%s", id, action)
	}
	var resp Stream
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Withdraw claims everything accrued and unclaimed for the recipient.
func (c *Client) Withdraw(ctx context.Context, id uint64) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/streams/%d/withdraw", id), nil, &resp)
	return resp, err
}

// CreateAccount registers a ledger account controlled by the caller.
func (c *Client) CreateAccount(ctx context.Context, address string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/accounts", map[string]any{"address": address}, &resp)
	return resp, err
}

// GetBalance returns an account balance in the configured asset.
func (c *Client) GetBalance(ctx context.Context, address string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/accounts/%s/balance", address), nil, &resp)
	return resp, err
}

// ListEvents returns recent lifecycle events, newest first.
func (c *Client) ListEvents(ctx context.Context, topic string, streamID uint64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?limit=%d", limit)
	if topic != "" {
		endpoint += "&topic=" + topic
	}
	if streamID != 0 {
		endpoint += fmt.Sprintf("&stream_id=%d", streamID)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
