package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"hearth/internal/app"
	"hearth/internal/engine"
	"hearth/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Hearth API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Hearth API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.App)
	registerRuns(group, cfg.App)
	registerEvents(group, cfg.App)
	registerActions(group, cfg.App)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, engine.ErrSignatureRequired):
		return newAPIError(http.StatusForbidden, "signature_required", err.Error(), nil)
	case errors.Is(err, engine.ErrNotBlocked):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot approve"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,pending_approval,running,success,error,blocked" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*taskListOutput, error) {
		items, err := a.Repo.ListTasks(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &taskListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Create a task",
	}, func(ctx context.Context, input *struct {
		Body taskBody
	}) (*taskOutput, error) {
		t, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			HouseholdID: input.Body.HouseholdID,
			Type:        input.Body.Type,
			Description: input.Body.Description,
			Payload:     input.Body.Payload,
			MaxRetries:  input.Body.MaxRetries,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskOutput, error) {
		t, err := a.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a task awaiting sign-off",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body approveBody
	}) (*taskOutput, error) {
		t, err := a.Engine.Approve(ctx, input.ID, input.Body.ActorID, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-task-retries",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/retry-reset",
		Summary:     "Unblock a blocked task",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body approveBody
	}) (*taskOutput, error) {
		t, err := a.Engine.ResetRetries(ctx, input.ID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*runListOutput, error) {
		items, err := a.Repo.ListRuns(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &runListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*runOutput, error) {
		rn, err := a.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: rn}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,done,error" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*eventListOutput, error) {
		items, err := a.Repo.ListEvents(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &eventListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-events",
		Method:      http.MethodPost,
		Path:        "/events/process",
		Summary:     "Process pending events into tasks",
	}, func(ctx context.Context, input *struct {
		Body processBody
	}) (*processOutput, error) {
		limit := input.Body.Limit
		if limit <= 0 {
			limit = 100
		}
		n, err := a.Processor.ProcessPending(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &processOutput{}
		out.Body.Processed = n
		return out, nil
	})
}

func registerActions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List the action catalog",
	}, func(ctx context.Context, _ *struct{}) (*actionListOutput, error) {
		out := &actionListOutput{}
		for _, s := range a.Registry.Schemas() {
			out.Body.Items = append(out.Body.Items, actionSchema{
				Type:          s.Type,
				Description:   s.Description,
				Tier:          int(s.Tier),
				AllowInWorker: s.AllowInWorker,
			})
		}
		return out, nil
	})
}
