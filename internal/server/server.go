// Package server exposes the state façade over HTTP. Commands and
// queries are serialized through one mutex: the state assumes a single
// writer, and the HTTP layer is where concurrent callers meet it.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"worktally/internal/domain"
	"worktally/internal/state"
)

// Config for the HTTP API handler.
type Config struct {
	State    *state.State
	BasePath string
	Auth     AuthConfig
	// Symbol is the currency symbol used in formatted amounts.
	Symbol string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project 7 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server serializes access to one State.
type Server struct {
	mu     sync.Mutex
	state  *state.State
	symbol string
}

// do sends one message to the state under the lock.
func (s *Server) do(ctx context.Context, msg state.Message) (state.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Do(ctx, msg)
}

// New returns an HTTP handler exposing the Worktally API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = "£"
	}
	srv := &Server{state: cfg.State, symbol: symbol}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Worktally API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, srv)
	registerSlices(group, srv)
	registerChanges(group, srv)

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

// handleError maps the state error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if state.IsInvariant(err) {
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", err.Error(), nil)
	}
	var se *state.SourceError
	if errors.As(err, &se) {
		return newAPIError(http.StatusServiceUnavailable, "source_unavailable", err.Error(),
			map[string]any{"stale_value_available": se.Stale})
	}
	var we *state.WriteError
	if errors.As(err, &we) {
		return newAPIError(http.StatusBadGateway, "write_failed", err.Error(), nil)
	}
	if errors.Is(err, state.ErrClosed) {
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
		map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "invariant_violation"
	case http.StatusServiceUnavailable:
		return "source_unavailable"
	case http.StatusBadGateway:
		return "write_failed"
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

type ProjectPath struct {
	ProjectID int64 `path:"project_id"`
}

type SlicePath struct {
	WorkID int64 `path:"work_id"`
}

type ProjectSlicePath struct {
	ProjectID int64 `path:"project_id"`
	WorkID    int64 `path:"work_id"`
}

func registerProjects(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		resp, err := srv.do(ctx, &state.CreateProjectCmd{Name: input.Body.Name, Description: desc})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(*resp.Project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.ListProjectsQuery{})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(resp.Projects))
		for _, p := range resp.Projects {
			out = append(out, toProjectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.GetProjectQuery{ID: domain.ProjectID(input.ProjectID)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(*resp.Project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Rename or redescribe project",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body UpdateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		id := domain.ProjectID(input.ProjectID)
		if input.Body.Name != nil {
			if _, err := srv.do(ctx, &state.RenameProjectCmd{ID: id, Name: *input.Body.Name}); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Description != nil {
			if _, err := srv.do(ctx, &state.RedescribeProjectCmd{ID: id, Description: *input.Body.Description}); err != nil {
				return nil, handleError(err)
			}
		}
		resp, err := srv.do(ctx, &state.GetProjectQuery{ID: id})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(*resp.Project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ProjectPath) (*struct{}, error) {
		if _, err := srv.do(ctx, &state.DeleteProjectCmd{ID: domain.ProjectID(input.ProjectID)}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-slices",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/slices",
		Summary:     "List a project's work slices",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body []SliceResponse `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.ProjectSlicesQuery{ID: domain.ProjectID(input.ProjectID)})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SliceResponse, 0, len(resp.Slices))
		for _, sl := range resp.Slices {
			out = append(out, toSliceResponse(sl))
		}
		return &struct {
			Body []SliceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-owed",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/owed",
		Summary:     "Total amount owed for a project",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body OwedResponse `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.AmountOwedQuery{ID: domain.ProjectID(input.ProjectID)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OwedResponse `json:"body"`
		}{Body: OwedResponse{
			Amount:    resp.Owed.Pence(),
			Formatted: resp.Owed.Format(srv.symbol),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-work",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work/start",
		Summary:       "Start an ongoing work slice on a project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body StartWorkRequest
	}) (*struct {
		Body SliceResponse `json:"body"`
	}, error) {
		cmd := &state.StartWorkCmd{
			ProjectID: domain.ProjectID(input.ProjectID),
			Payment:   toPayment(input.Body.Payment),
		}
		if input.Body.Start != nil {
			cmd.Start = *input.Body.Start
		}
		resp, err := srv.do(ctx, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SliceResponse `json:"body"`
		}{Body: toSliceResponse(*resp.Slice)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-slice",
		Method:        http.MethodPut,
		Path:          "/projects/{project_id}/slices/{work_id}",
		Summary:       "Link a slice to a project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ProjectSlicePath) (*struct{}, error) {
		if _, err := srv.do(ctx, &state.LinkCmd{
			ProjectID: domain.ProjectID(input.ProjectID),
			SliceID:   domain.WorkSliceID(input.WorkID),
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unlink-slice",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/slices/{work_id}",
		Summary:       "Unlink a slice from a project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ProjectSlicePath) (*struct{}, error) {
		if _, err := srv.do(ctx, &state.UnlinkCmd{
			ProjectID: domain.ProjectID(input.ProjectID),
			SliceID:   domain.WorkSliceID(input.WorkID),
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSlices(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-slice",
		Method:        http.MethodPost,
		Path:          "/slices",
		Summary:       "Create a work slice",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSliceRequest
	}) (*struct {
		Body SliceResponse `json:"body"`
	}, error) {
		pids := make([]domain.ProjectID, 0, len(input.Body.ProjectIDs))
		for _, pid := range input.Body.ProjectIDs {
			pids = append(pids, domain.ProjectID(pid))
		}
		resp, err := srv.do(ctx, &state.CreateSliceCmd{
			Start:      input.Body.Start,
			End:        input.Body.End,
			Payment:    toPayment(input.Body.Payment),
			ProjectIDs: pids,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SliceResponse `json:"body"`
		}{Body: toSliceResponse(*resp.Slice)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-slice",
		Method:      http.MethodGet,
		Path:        "/slices/{work_id}",
		Summary:     "Get a work slice",
	}, func(ctx context.Context, input *SlicePath) (*struct {
		Body SliceResponse `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.GetSliceQuery{ID: domain.WorkSliceID(input.WorkID)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SliceResponse `json:"body"`
		}{Body: toSliceResponse(*resp.Slice)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work",
		Method:      http.MethodPost,
		Path:        "/slices/{work_id}/complete",
		Summary:     "Complete an ongoing work slice",
	}, func(ctx context.Context, input *struct {
		SlicePath
		Body CompleteWorkRequest
	}) (*struct {
		Body SliceResponse `json:"body"`
	}, error) {
		id := domain.WorkSliceID(input.WorkID)
		cmd := &state.CompleteWorkCmd{ID: id}
		if input.Body.End != nil {
			cmd.End = *input.Body.End
		}
		if _, err := srv.do(ctx, cmd); err != nil {
			return nil, handleError(err)
		}
		resp, err := srv.do(ctx, &state.GetSliceQuery{ID: id})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SliceResponse `json:"body"`
		}{Body: toSliceResponse(*resp.Slice)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-payment",
		Method:      http.MethodPut,
		Path:        "/slices/{work_id}/payment",
		Summary:     "Replace a slice's payment terms",
	}, func(ctx context.Context, input *struct {
		SlicePath
		Body PaymentRequest
	}) (*struct {
		Body SliceResponse `json:"body"`
	}, error) {
		id := domain.WorkSliceID(input.WorkID)
		if _, err := srv.do(ctx, &state.SetPaymentCmd{ID: id, Payment: toPayment(input.Body)}); err != nil {
			return nil, handleError(err)
		}
		resp, err := srv.do(ctx, &state.GetSliceQuery{ID: id})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SliceResponse `json:"body"`
		}{Body: toSliceResponse(*resp.Slice)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "slice-projects",
		Method:      http.MethodGet,
		Path:        "/slices/{work_id}/projects",
		Summary:     "List the projects containing a slice",
	}, func(ctx context.Context, input *SlicePath) (*struct {
		Body []int64 `json:"body"`
	}, error) {
		resp, err := srv.do(ctx, &state.SliceProjectsQuery{ID: domain.WorkSliceID(input.WorkID)})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]int64, 0, len(resp.ProjectIDs))
		for _, pid := range resp.ProjectIDs {
			out = append(out, int64(pid))
		}
		return &struct {
			Body []int64 `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-slice",
		Method:        http.MethodDelete,
		Path:          "/slices/{work_id}",
		Summary:       "Delete a work slice everywhere",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *SlicePath) (*struct{}, error) {
		if _, err := srv.do(ctx, &state.DeleteSliceCmd{ID: domain.WorkSliceID(input.WorkID)}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerChanges(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "drain-changes",
		Method:      http.MethodPost,
		Path:        "/changes/drain",
		Summary:     "Drain the change log",
		Description: "Returns every change recorded since the previous drain and starts a new epoch.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChangesResponse `json:"body"`
	}, error) {
		srv.mu.Lock()
		changes := srv.state.Drain()
		srv.mu.Unlock()
		if changes == nil {
			changes = []state.Change{}
		}
		return &struct {
			Body ChangesResponse `json:"body"`
		}{Body: ChangesResponse{Changes: changes}}, nil
	})
}
