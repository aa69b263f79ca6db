package leave

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/governance/internal/platform/httpx"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/shared"
)

const dateLayout = "2006-01-02"

// ApprovalLister reads the workflow history of a request.
type ApprovalLister interface {
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Handler exposes the leave workflow over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	history   ApprovalLister
	location  *time.Location
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance. Dates in requests are read in loc.
func NewHandler(logger *slog.Logger, service *Service, history ApprovalLister, loc *time.Location, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{logger: logger, service: service, history: history, location: loc, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers leave routes. Decisions are gated by the approval
// authorizer rather than a module permission.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleLeave, rbac.ActionRead))
		r.Get("/requests", h.list)
		r.Get("/requests/{id}", h.show)
		r.Post("/requests/{id}/approve", h.decide(DecisionApprove))
		r.Post("/requests/{id}/reject", h.decide(DecisionReject))
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleLeave, rbac.ActionWrite))
		r.Post("/requests", h.submit)
		r.Post("/requests/evaluate", h.evaluate)
		r.Post("/requests/{id}/cancel", h.cancel)
	})
}

type submitRequest struct {
	StartDate     string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate       string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	IsUrgent      bool   `json:"is_urgent"`
	UrgencyReason string `json:"urgency_reason" validate:"max=500"`
}

func (h *Handler) parseInput(w http.ResponseWriter, r *http.Request) (Input, bool) {
	var req submitRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return Input{}, false
	}
	in := Input{IsUrgent: req.IsUrgent, UrgencyReason: req.UrgencyReason}
	for _, field := range []struct {
		raw string
		dst **time.Time
	}{{req.StartDate, &in.StartDate}, {req.EndDate, &in.EndDate}} {
		if strings.TrimSpace(field.raw) == "" {
			continue
		}
		parsed, err := time.ParseInLocation(dateLayout, field.raw, h.location)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "dates must use YYYY-MM-DD")
			return Input{}, false
		}
		*field.dst = &parsed
	}
	return in, true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parseInput(w, r)
	if !ok {
		return
	}
	created, err := h.service.Submit(r.Context(), h.actor(r), SubmitInput{
		Input:          in,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(shared.IdempotencyKeyHeader)),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parseInput(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.Evaluate(r.Context(), h.actor(r), in))
}

type listResponse struct {
	Requests   []Request         `json:"requests"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	var status Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := ParseStatus(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		status = parsed
	}
	scope := Scope(strings.ToLower(r.URL.Query().Get("scope")))
	requests, pagination, err := h.service.List(r.Context(), h.actor(r), scope, status, page, perPage)
	if err != nil {
		h.fail(w, err)
		return
	}
	if requests == nil {
		requests = []Request{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Requests: requests, Pagination: pagination})
}

type requestView struct {
	Request
	History []shared.ApprovalLog `json:"history"`
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), h.actor(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	view := requestView{Request: req, History: []shared.ApprovalLog{}}
	if h.history != nil {
		logs, err := h.history.List(r.Context(), approvalModule, id)
		if err != nil {
			h.logger.Warn("list leave history", slog.Any("error", err))
		} else if logs != nil {
			view.History = logs
		}
	}
	httpx.JSON(w, http.StatusOK, view)
}

type decisionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) decide(decision Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requestID(w, r)
		if !ok {
			return
		}
		var req decisionRequest
		if r.ContentLength != 0 && !httpx.DecodeAndValidate(w, r, h.validator, &req) {
			return
		}
		updated, err := h.service.Decide(r.Context(), h.actor(r), id, decision, req.Reason)
		if err != nil {
			h.fail(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, updated)
	}
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Cancel(r.Context(), h.actor(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) actor(r *http.Request) rbac.User {
	return rbac.SessionFromContext(r.Context()).User()
}

func requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		violation    *RuleViolation
		unauthorized *UnauthorizedApproverError
	)
	switch {
	case errors.As(err, &violation):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Type:   "leave-rule-violation",
			Title:  "Unprocessable Entity",
			Status: http.StatusUnprocessableEntity,
			Detail: "the request does not satisfy the leave rules",
			Errors: violation.Errors,
		})
		return
	case errors.As(err, &unauthorized):
		err = httpx.Classify(httpx.ErrForbidden, err)
	case errors.Is(err, rbac.ErrForbidden), errors.Is(err, ErrNotRequester):
		err = httpx.Classify(httpx.ErrForbidden, err)
	case errors.Is(err, ErrNotVisible), errors.Is(err, shared.ErrNotFound):
		err = httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidState):
		err = httpx.Classify(httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrIdempotencyConflict):
		err = httpx.Classify(httpx.ErrDuplicate, err)
	case errors.Is(err, shared.ErrInvalidInput):
		err = httpx.Classify(httpx.ErrValidation, err)
	case errors.Is(err, shared.ErrCollaboratorUnavailable):
		err = httpx.Classify(httpx.ErrUnavailable, err)
	default:
		h.logger.Error("leave request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
