// Package handler exposes the exception case lifecycle over HTTP.
// Administrative routes (decisions, close) sit behind the admin JWT
// middleware; the authenticated subject becomes the recorded actor.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	auditservice "freightgate/internal/audit/service"
	"freightgate/internal/exception"
	"freightgate/internal/exception/service"
	"freightgate/internal/exception/store"
	"freightgate/internal/platform/middleware"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/httputil"
)

// Handler handles exception case endpoints.
type Handler struct {
	service   *service.Service
	jwtSecret string
	logger    *slog.Logger
}

func New(svc *service.Service, jwtSecret string, logger *slog.Logger) *Handler {
	return &Handler{service: svc, jwtSecret: jwtSecret, logger: logger}
}

// Register mounts the exception routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/exceptions", func(r chi.Router) {
		r.Post("/", h.handleOpen)
		r.Get("/", h.handleList)
		r.Get("/{caseID}", h.handleGet)
		r.Get("/{caseID}/replay", h.handleReplay)
		r.Post("/{caseID}/events", h.handleAppendEvent)
		r.Post("/{caseID}/evidence", h.handleAppendEvidence)
		r.Post("/{caseID}/resolve", h.handleResolve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(h.jwtSecret, h.logger))
			r.Post("/{caseID}/decisions", h.handleDecision)
			r.Post("/{caseID}/close", h.handleClose)
		})
	})
}

type openRequest struct {
	Outcome auditservice.Outcome `json:"outcome"`
	Actor   string               `json:"actor"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}

	result, err := h.service.OpenFromOutcome(r.Context(), req.Outcome, req.Actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if result.Opened && result.Fresh {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, result)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cases, err := h.service.ListCases(r.Context(), store.CaseFilter{
		Status:   exception.CaseStatus(q.Get("status")),
		TenantID: q.Get("tenantId"),
		OrderID:  q.Get("orderId"),
		Limit:    limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetCaseDetail(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.service.ExportCaseReplay(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, bundle)
}

func (h *Handler) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req service.EventInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	updated, err := h.service.AppendCaseEvent(r.Context(), chi.URLParam(r, "caseID"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleAppendEvidence(w http.ResponseWriter, r *http.Request) {
	var req service.EvidenceInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	evidence, err := h.service.AppendCaseEvidence(r.Context(), chi.URLParam(r, "caseID"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, evidence)
}

type resolveRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes,omitempty"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	updated, err := h.service.ResolveCase(r.Context(), chi.URLParam(r, "caseID"), req.Actor, req.Notes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	req.Actor = middleware.GetActor(r.Context())

	updated, err := h.service.RecordAdminDecision(r.Context(), chi.URLParam(r, "caseID"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

type closeRequest struct {
	ApprovalID           string `json:"approvalId,omitempty"`
	Rationale            string `json:"rationale,omitempty"`
	EvidenceManifestHash string `json:"evidenceManifestHash,omitempty"`
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	actor := middleware.GetActor(r.Context())

	updated, err := h.service.CloseCase(r.Context(), chi.URLParam(r, "caseID"),
		actor, req.ApprovalID, req.Rationale, req.EvidenceManifestHash)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}
