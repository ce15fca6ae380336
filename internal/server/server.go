// Package server exposes the streaming ledger over HTTP. Handlers translate
// requests into engine calls and engine errors into the API error envelope;
// every authorization decision stays inside the engine.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fluxline/internal/domain"
	"fluxline/internal/engine"
	"fluxline/internal/engine/auth"
	"fluxline/internal/ledger"
	"fluxline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot pause stream 7 in status cancelled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fluxline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fluxline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLedger(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerStreams(group, cfg.Engine)
	registerAdminStreams(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLoginEnabled {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error types onto HTTP statuses: malformed input is
// 400, capability denials are 403, missing records 404, lifecycle conflicts
// 409, and fund-level rejections 422.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "invalid_schedule", err.Error(), map[string]any{"field": verr.Field})
	}
	var denied auth.DeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"account": denied.Account})
	}
	var serr engine.StateError
	if errors.As(err, &serr) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"stream_id": serr.StreamID,
			"status":    string(serr.Status),
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyInitialized):
		return newAPIError(http.StatusConflict, "already_initialised", err.Error(), nil)
	case errors.Is(err, engine.ErrNothingToWithdraw):
		return newAPIError(http.StatusUnprocessableEntity, "nothing_to_withdraw", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fluxline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-ledger",
		Method:        http.MethodPost,
		Path:          "/ledger/init",
		Summary:       "Initialise the ledger (write-once)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body InitLedgerRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.InitLedger(ctx, input.Body.AssetID, input.Body.AdminAccount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger-config",
		Method:      http.MethodGet,
		Path:        "/ledger/config",
		Summary:     "Get the ledger configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetLedgerConfig(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Register an account controlled by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAccount(ctx, actorID, input.Body.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAccounts(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: mapAccounts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{address}",
		Summary:     "Get an account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, nil, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/accounts/{address}/balance",
		Summary:     "Get an account balance in the configured asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetLedgerConfig(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		amount, err := e.Balance(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{Address: input.Address, AssetID: cfg.AssetID, Amount: amount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{address}/fund",
		Summary:     "Mint units into an account (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string             `path:"address"`
		Body    FundAccountRequest `json:"body"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.FundAccount(ctx, actorID, input.Address, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetLedgerConfig(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		amount, err := e.Balance(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{Address: input.Address, AssetID: cfg.AssetID, Amount: amount}}, nil
	})
}

type streamPath struct {
	StreamID uint64 `path:"stream_id"`
}

func registerStreams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stream",
		Method:        http.MethodPost,
		Path:          "/streams",
		Summary:       "Create a stream",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStreamRequest `json:"body"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStream(ctx, actorID, engine.StreamCreateOptions{
			Sender:        input.Body.Sender,
			Recipient:     input.Body.Recipient,
			DepositAmount: input.Body.DepositAmount,
			RatePerSecond: input.Body.RatePerSecond,
			StartTime:     input.Body.StartTime,
			CliffTime:     input.Body.CliffTime,
			EndTime:       input.Body.EndTime,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/streams",
		Summary:     "List streams",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"active,paused,cancelled,completed"`
		Sender    string `query:"sender"`
		Recipient string `query:"recipient"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []StreamResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListStreams(ctx, repo.StreamFilter{
			Status:    domain.StreamStatus(input.Status),
			Sender:    input.Sender,
			Recipient: input.Recipient,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StreamResponse `json:"body"`
		}{Body: mapStreams(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}",
		Summary:     "Get a stream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStream(ctx, nil, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-accrued",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/accrued",
		Summary:     "Amount accrued to the recipient so far",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body AccruedResponse `json:"body"`
	}, error) {
		accrued, err := e.Accrued(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccruedResponse `json:"body"`
		}{Body: AccruedResponse{
			StreamID: input.StreamID,
			Accrued:  accrued,
			AsOf:     e.Now().Unix(),
		}}, nil
	})

	registerTransition(api, "pause-stream", "/streams/{stream_id}/pause",
		"Pause an active stream (sender)", e, engine.Engine.PauseStream)
	registerTransition(api, "resume-stream", "/streams/{stream_id}/resume",
		"Resume a paused stream (sender)", e, engine.Engine.ResumeStream)
	registerTransition(api, "cancel-stream", "/streams/{stream_id}/cancel",
		"Cancel a stream and refund the unstreamed remainder (sender)", e, engine.Engine.CancelStream)

	huma.Register(api, huma.Operation{
		OperationID: "withdraw",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/withdraw",
		Summary:     "Withdraw everything accrued and unclaimed (recipient)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body WithdrawResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, amount, err := e.Withdraw(ctx, actorID, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WithdrawResponse `json:"body"`
		}{Body: WithdrawResponse{Stream: streamResponse(s), Amount: amount}}, nil
	})
}

// registerAdminStreams exposes the admin entry points under /admin. They are
// distinct operations, not a fallback: the engine proves control of the
// admin account and nothing else.
func registerAdminStreams(api huma.API, e engine.Engine) {
	registerTransition(api, "admin-pause-stream", "/admin/streams/{stream_id}/pause",
		"Pause an active stream (admin)", e, engine.Engine.PauseStreamAsAdmin)
	registerTransition(api, "admin-resume-stream", "/admin/streams/{stream_id}/resume",
		"Resume a paused stream (admin)", e, engine.Engine.ResumeStreamAsAdmin)
	registerTransition(api, "admin-cancel-stream", "/admin/streams/{stream_id}/cancel",
		"Cancel a stream, refunding the sender (admin)", e, engine.Engine.CancelStreamAsAdmin)
}

func registerTransition(
	api huma.API,
	operationID, routePath, summary string,
	e engine.Engine,
	call func(engine.Engine, context.Context, string, uint64) (domain.Stream, error),
) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        routePath,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := call(e, ctx, actorID, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent lifecycle events",
	}, func(ctx context.Context, input *struct {
		Topic    string `query:"topic" enum:"created,paused,resumed,cancelled,withdrew"`
		StreamID uint64 `query:"stream_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Topic, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
