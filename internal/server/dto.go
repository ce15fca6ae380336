package server

import (
	"encoding/json"

	"fluxline/internal/domain"
)

// Request payloads

type InitLedgerRequest struct {
	AssetID      string `json:"asset_id"`
	AdminAccount string `json:"admin_account"`
}

type CreateAccountRequest struct {
	Address string `json:"address"`
}

type FundAccountRequest struct {
	Amount int64 `json:"amount"`
}

type CreateStreamRequest struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	DepositAmount int64  `json:"deposit_amount"`
	RatePerSecond int64  `json:"rate_per_second"`
	StartTime     int64  `json:"start_time"`
	CliffTime     int64  `json:"cliff_time"`
	EndTime       int64  `json:"end_time"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ConfigResponse struct {
	AssetID      string `json:"asset_id"`
	AdminAccount string `json:"admin_account"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type AccountResponse struct {
	Address    string `json:"address"`
	OwnerActor string `json:"owner_actor"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	AssetID string `json:"asset_id"`
	Amount  int64  `json:"amount"`
}

type StreamResponse struct {
	ID              uint64 `json:"id"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	DepositAmount   int64  `json:"deposit_amount"`
	RatePerSecond   int64  `json:"rate_per_second"`
	StartTime       int64  `json:"start_time"`
	CliffTime       int64  `json:"cliff_time"`
	EndTime         int64  `json:"end_time"`
	WithdrawnAmount int64  `json:"withdrawn_amount"`
	Status          string `json:"status" enum:"active,paused,cancelled,completed"`
	CancelledAt     int64  `json:"cancelled_at,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type WithdrawResponse struct {
	Stream StreamResponse `json:"stream"`
	Amount int64          `json:"amount"`
}

type AccruedResponse struct {
	StreamID uint64 `json:"stream_id"`
	Accrued  int64  `json:"accrued"`
	AsOf     int64  `json:"as_of"`
}

type EventResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts" format:"date-time"`
	Topic    string          `json:"topic"`
	StreamID uint64          `json:"stream_id"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func configResponse(cfg domain.LedgerConfig) ConfigResponse {
	return ConfigResponse{
		AssetID:      cfg.AssetID,
		AdminAccount: cfg.AdminAccount,
		CreatedAt:    cfg.CreatedAt,
	}
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{Address: a.Address, OwnerActor: a.OwnerActor, CreatedAt: a.CreatedAt}
}

func streamResponse(s domain.Stream) StreamResponse {
	return StreamResponse{
		ID:              s.ID,
		Sender:          s.Sender,
		Recipient:       s.Recipient,
		DepositAmount:   s.DepositAmount,
		RatePerSecond:   s.RatePerSecond,
		StartTime:       s.StartTime,
		CliffTime:       s.CliffTime,
		EndTime:         s.EndTime,
		WithdrawnAmount: s.WithdrawnAmount,
		Status:          string(s.Status),
		CancelledAt:     s.CancelledAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Topic:    e.Topic,
		StreamID: e.StreamID,
		ActorID:  e.ActorID,
		Payload:  payload,
	}
}

func mapStreams(items []domain.Stream) []StreamResponse {
	res := make([]StreamResponse, 0, len(items))
	for _, s := range items {
		res = append(res, streamResponse(s))
	}
	return res
}

func mapAccounts(items []domain.Account) []AccountResponse {
	res := make([]AccountResponse, 0, len(items))
	for _, a := range items {
		res = append(res, accountResponse(a))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
