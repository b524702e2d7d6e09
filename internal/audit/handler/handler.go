// Package handler exposes the audit run surface over HTTP. Handlers stay
// thin: decode, delegate, encode.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"freightgate/internal/audit"
	"freightgate/internal/audit/service"
	"freightgate/internal/audit/store"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/httputil"
	"freightgate/pkg/platform/sentinel"
)

// Handler handles audit run endpoints.
type Handler struct {
	service *service.Service
	runs    store.RunStore
	logger  *slog.Logger
}

func New(svc *service.Service, runs store.RunStore, logger *slog.Logger) *Handler {
	return &Handler{service: svc, runs: runs, logger: logger}
}

// Register mounts the audit routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/audit/runs", func(r chi.Router) {
		r.Post("/", h.handleRunAudit)
		r.Get("/", h.handleListRuns)
		r.Get("/{runID}", h.handleGetRun)
	})
}

type runRequest struct {
	Trigger  string                  `json:"trigger"`
	Context  map[string]any          `json:"context"`
	Linkage  audit.Linkage           `json:"linkage"`
	Evidence []service.EvidenceInput `json:"evidence,omitempty"`
	Actor    string                  `json:"actor"`
}

// handleRunAudit executes one orchestration. The outcome is always 200; a
// FAILED outcome is an expected result, not a transport error.
func (h *Handler) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	if req.Trigger == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "trigger is required"))
		return
	}

	outcome := h.service.RunForEvent(r.Context(), service.RunInput{
		Trigger:  audit.TriggerEvent(req.Trigger),
		Context:  req.Context,
		Linkage:  req.Linkage,
		Evidence: req.Evidence,
		Actor:    req.Actor,
	})
	httputil.WriteJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, err := h.runs.ListRuns(r.Context(), store.RunFilter{
		Status:     audit.RunStatus(q.Get("status")),
		Trigger:    audit.TriggerEvent(q.Get("trigger")),
		OrderID:    q.Get("orderId"),
		ShipmentID: q.Get("shipmentId"),
		Limit:      limit,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit runs failed", "error", err.Error())
		httputil.WriteError(w, domainerrors.Wrap(domainerrors.CodeInternal, "list runs", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, sentinel.ErrNotFound) {
		httputil.WriteError(w, domainerrors.Wrap(domainerrors.CodeNotFound, "run "+runID+" not found", err))
		return
	}
	if err != nil {
		httputil.WriteError(w, domainerrors.Wrap(domainerrors.CodeInternal, "get run", err))
		return
	}
	results, err := h.runs.ListResults(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, domainerrors.Wrap(domainerrors.CodeInternal, "list run results", err))
		return
	}
	evidence, err := h.runs.ListEvidence(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, domainerrors.Wrap(domainerrors.CodeInternal, "list run evidence", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":      run,
		"results":  results,
		"evidence": evidence,
	})
}
