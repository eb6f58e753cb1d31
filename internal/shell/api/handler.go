// Package api exposes project operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/shell/api/middleware"
	"github.com/artpar/flotilla/internal/shell/docker"
	"github.com/artpar/flotilla/internal/shell/project"
	"github.com/artpar/flotilla/internal/shell/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Handler
// =============================================================================

// ProjectLoader returns the project a request operates on. It is called once
// per request so edits to the compose files take effect without a restart.
type ProjectLoader func(ctx context.Context) (*project.Project, error)

// Handler provides HTTP handlers for the API.
type Handler struct {
	load    ProjectLoader
	docker  docker.Client
	journal store.Store // nil when the journal is disabled
	token   string
	logger  *slog.Logger
}

// Config holds the dependencies of a Handler.
type Config struct {
	Projects ProjectLoader
	Docker   docker.Client
	Journal  store.Store
	// Token, when set, is required as a bearer token on /api routes.
	Token  string
	Logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		load:    cfg.Projects,
		docker:  cfg.Docker,
		journal: cfg.Journal,
		token:   cfg.Token,
		logger:  cfg.Logger,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(h.token, h.logger))

		r.Get("/project", h.handleProject)
		r.Get("/containers", h.handleContainers)
		r.Get("/orphans", h.handleOrphans)

		r.Post("/up", h.handleUp)
		r.Post("/create", h.handleCreate)
		r.Post("/start", h.lifecycle("start"))
		r.Post("/stop", h.lifecycle("stop"))
		r.Post("/pause", h.lifecycle("pause"))
		r.Post("/unpause", h.lifecycle("unpause"))
		r.Post("/kill", h.lifecycle("kill"))
		r.Post("/rm", h.lifecycle("rm"))
		r.Post("/down", h.handleDown)
		r.Post("/services/{service}/scale", h.handleScale)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.handleListOperations)
			r.Get("/{id}", h.handleGetOperation)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"journal": "disabled"}
	if h.journal != nil {
		checks["journal"] = "ok"
	}

	if err := h.docker.Ping(r.Context()); err != nil {
		checks["docker"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	checks["docker"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Project Handlers
// =============================================================================

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ProjectResponse{Name: p.Name(), Services: p.ServiceNames()})
}

func (h *Handler) handleContainers(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	containers, err := p.Containers(r.Context(), r.URL.Query()["service"], all)
	if err != nil {
		h.writeOperationError(w, "containers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ContainerListResponse{Containers: containerResponses(containers)})
}

func (h *Handler) handleOrphans(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	orphans, err := p.Orphans(r.Context())
	if err != nil {
		h.writeOperationError(w, "orphans", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ContainerListResponse{Containers: containerResponses(orphans)})
}

func (h *Handler) handleUp(w http.ResponseWriter, r *http.Request) {
	h.converge(w, r, "up")
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	h.converge(w, r, "create")
}

func (h *Handler) converge(w http.ResponseWriter, r *http.Request, op string) {
	var req UpRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	strategy, err := convergence.ParseStrategy(req.Strategy)
	if err != nil {
		h.writeOperationError(w, op, err)
		return
	}
	p, ok := h.project(w, r)
	if !ok {
		return
	}

	var containers []project.Container
	if op == "create" {
		containers, err = p.Create(r.Context(), project.CreateOptions{
			Services: req.Services,
			Strategy: strategy,
			NoDeps:   req.NoDeps,
		})
	} else {
		containers, err = p.Up(r.Context(), project.UpOptions{
			Services:      req.Services,
			Strategy:      strategy,
			NoDeps:        req.NoDeps,
			RemoveOrphans: req.RemoveOrphans,
			Timeout:       seconds(req.Timeout),
			Detached:      req.Detached,
		})
	}
	if err != nil {
		h.writeOperationError(w, op, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{
		Operation:  op,
		Status:     "succeeded",
		Containers: containerResponses(containers),
	})
}

func (h *Handler) lifecycle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LifecycleRequest
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
		p, ok := h.project(w, r)
		if !ok {
			return
		}

		ctx := r.Context()
		var err error
		switch op {
		case "start":
			err = p.Start(ctx, req.Services)
		case "stop":
			err = p.Stop(ctx, req.Services, seconds(req.Timeout))
		case "pause":
			err = p.Pause(ctx, req.Services)
		case "unpause":
			err = p.Unpause(ctx, req.Services)
		case "kill":
			err = p.Kill(ctx, req.Services, req.Signal)
		case "rm":
			err = p.RemoveStopped(ctx, req.Services, req.RemoveVolumes)
		}
		if err != nil {
			h.writeOperationError(w, op, err)
			return
		}
		h.writeJSON(w, http.StatusOK, OperationResponse{Operation: op, Status: "succeeded"})
	}
}

func (h *Handler) handleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Scale == nil {
		h.writeError(w, http.StatusBadRequest, "scale is required", "validation_error")
		return
	}
	p, ok := h.project(w, r)
	if !ok {
		return
	}

	service := chi.URLParam(r, "service")
	if err := p.Scale(r.Context(), service, *req.Scale, seconds(req.Timeout)); err != nil {
		h.writeOperationError(w, "scale", err)
		return
	}
	containers, err := p.Containers(r.Context(), []string{service}, false)
	if err != nil {
		h.writeOperationError(w, "scale", err)
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{
		Operation:  "scale",
		Status:     "succeeded",
		Containers: containerResponses(containers),
	})
}

func (h *Handler) handleDown(w http.ResponseWriter, r *http.Request) {
	var req DownRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	err := p.Down(r.Context(), project.DownOptions{
		RemoveOrphans: req.RemoveOrphans,
		RemoveVolumes: req.RemoveVolumes,
		Timeout:       seconds(req.Timeout),
	})
	if err != nil {
		h.writeOperationError(w, "down", err)
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{Operation: "down", Status: "succeeded"})
}

// =============================================================================
// Journal Handlers
// =============================================================================

func (h *Handler) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusNotFound, "operation journal is disabled", "journal_disabled")
		return
	}
	p, ok := h.project(w, r)
	if !ok {
		return
	}

	opts := store.DefaultListOptions()
	opts.Project = p.Name()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	ops, err := h.journal.ListOperations(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list operations", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list operations", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, OperationListResponse{Operations: ops})
}

func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusNotFound, "operation journal is disabled", "journal_disabled")
		return
	}
	id := chi.URLParam(r, "id")
	op, err := h.journal.GetOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "operation not found", "not_found")
			return
		}
		h.logger.Error("failed to get operation", "operation_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get operation", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) project(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, err := h.load(r.Context())
	if err != nil {
		h.writeOperationError(w, "load", err)
		return nil, false
	}
	return p, true
}

// decodeBody decodes an optional JSON body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeOperationError maps engine errors to status codes: configuration
// errors are the caller's fault, project errors are runtime rejections of a
// valid request, and collected container failures are listed one by one.
func (h *Handler) writeOperationError(w http.ResponseWriter, op string, err error) {
	var (
		cfgErr  *compose.ConfigurationError
		projErr *compose.ProjectError
		opErr   *project.OperationError
	)
	switch {
	case errors.Is(err, compose.ErrUnknownService):
		h.writeError(w, http.StatusNotFound, err.Error(), "unknown_service")
	case errors.As(err, &cfgErr):
		h.writeError(w, http.StatusBadRequest, err.Error(), "configuration_error")
	case errors.As(err, &projErr):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "project_error")
	case errors.As(err, &opErr):
		resp := ErrorResponse{Error: err.Error(), Code: "operation_failed"}
		for _, f := range opErr.Failures {
			resp.Failures = append(resp.Failures, FailureResponse{
				Service:   f.Service,
				Container: f.Container,
				Error:     f.Err.Error(),
			})
		}
		h.writeJSON(w, http.StatusInternalServerError, resp)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "cancelled")
	default:
		h.logger.Error("operation failed", "operation", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
