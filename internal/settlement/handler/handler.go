// Package handler exposes the settlement gate over HTTP. The override route
// sits behind the admin JWT middleware.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"freightgate/internal/platform/middleware"
	"freightgate/internal/settlement"
	"freightgate/internal/settlement/service"
	"freightgate/internal/settlement/store"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/httputil"
)

// Handler handles settlement hold endpoints.
type Handler struct {
	service   *service.Service
	jwtSecret string
	logger    *slog.Logger
}

func New(svc *service.Service, jwtSecret string, logger *slog.Logger) *Handler {
	return &Handler{service: svc, jwtSecret: jwtSecret, logger: logger}
}

// Register mounts the settlement routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/settlement", func(r chi.Router) {
		r.Post("/payouts/evaluate", h.handleEvaluate)
		r.Get("/holds", h.handleListHolds)
		r.Get("/holds/{holdID}", h.handleGetHold)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(h.jwtSecret, h.logger))
			r.Post("/holds/{holdID}/override", h.handleOverride)
			r.Post("/holds/{holdID}/release", h.handleRelease)
		})
	})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req service.PayoutInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	if req.TenantID == "" || req.OrderID == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "tenantId and orderId are required"))
		return
	}

	result := h.service.EvaluatePayoutSoftEnforcement(r.Context(), req)
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListHolds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	holds, err := h.service.ListHolds(r.Context(), store.HoldFilter{
		Status:   settlement.HoldStatus(q.Get("status")),
		TenantID: q.Get("tenantId"),
		OrderID:  q.Get("orderId"),
		Limit:    limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"holds": holds})
}

func (h *Handler) handleGetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.service.GetHold(r.Context(), chi.URLParam(r, "holdID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, hold)
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req service.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	req.Actor = middleware.GetActor(r.Context())

	cleared, err := h.service.OverridePayoutSettlementHold(r.Context(), chi.URLParam(r, "holdID"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cleared)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	released, err := h.service.ReleasePayoutSettlementHold(r.Context(),
		chi.URLParam(r, "holdID"), middleware.GetActor(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, released)
}
