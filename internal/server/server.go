// Package server exposes the plan API over HTTP. Routing and schemas are
// huma on chi; every response error uses the {"error":{code,message}}
// envelope, including the ones huma generates itself.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"revclaw/internal/engine"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

// IntentHeader carries the intent authorizing an execution.
const IntentHeader = "X-RevClaw-Intent-Id"

const executeRateProfile = "plan_execute"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"intent_payload_mismatch"`
	Message string         `json:"message" example:"intent payload does not match the plan being executed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) GetHeaders() http.Header { return e.headers }
func (e *apiError) Error() string           { return e.Body.Message }

// New returns an HTTP handler exposing the RevClaw API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("RevClaw API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	limiter := newRateLimiter(cfg.Engine.Config.RateLimits)

	registerHealth(group)
	registerPlans(group, cfg.Engine)
	registerExecute(group, cfg.Engine, limiter)
	startWebhookDispatcher(cfg.Engine)

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

// handleError maps engine errors onto the envelope. Authorization
// problems, intent failures included, are 403 with a machine code;
// state problems are 400. Anything unrecognized is a 500 with the
// message tucked into details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf *engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var owned *engine.ForbiddenError
	if errors.As(err, &owned) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var se *engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, se.Code, se.Message, nil)
	}
	var ie *engine.IntentError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusForbidden, ie.Code, ie.Message, nil)
	}
	var fe *engine.ForbiddenScopeError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden_scope", err.Error(), map[string]any{"scope": fe.Scope})
	}
	var ve *plan.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "plan_invalid", err.Error(), map[string]any{"violations": ve.Violations})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plans, err := e.Repo.ListPlans(ctx, principal.InstallationID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PlanResponse, 0, len(plans))
		for _, p := range plans {
			out = append(out, planResponse(p))
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: out}, nil
	})

	type planPath struct {
		PlanID string `path:"plan_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.InstallationID != principal.InstallationID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "plan "+input.PlanID+" not found", nil)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})
}

func registerExecute(api huma.API, e *engine.Engine, limiter *rateLimiter) {
	type executeInput struct {
		PlanID   string `path:"plan_id"`
		IntentID string `header:"X-RevClaw-Intent-Id"`
	}
	type executeOutput struct {
		Body ExecuteResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "execute-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/execute",
		Summary:     "Execute plan",
		Description: "Runs an approved plan under the authority of a single-use intent. " +
			"Safe to retry: completed steps replay from the execution record.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *executeInput) (*executeOutput, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.IntentID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "missing_intent_header", "the "+IntentHeader+" header is required", nil)
		}
		if retryAfter, ok := limiter.allow(executeRateProfile, principal.InstallationID); !ok {
			apiErr := newAPIError(http.StatusTooManyRequests, "rate_limited", "too many execution requests", map[string]any{
				"retry_after_seconds": retryAfter,
			}).(*apiError)
			apiErr.headers = http.Header{"Retry-After": []string{strconv.Itoa(retryAfter)}}
			return nil, apiErr
		}
		res, err := e.ExecutePlan(ctx, input.PlanID, strings.TrimSpace(input.IntentID), principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &executeOutput{Body: executeResponse(res)}, nil
	})
}
