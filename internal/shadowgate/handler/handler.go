// Package handler exposes the shadow gate over HTTP: callers post an audit
// outcome and get back the would-allow/would-block decision. Every decision
// is also published to the observability topic.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"freightgate/internal/audit"
	auditservice "freightgate/internal/audit/service"
	"freightgate/internal/shadowgate"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/httputil"
)

// Handler handles shadow decision endpoints.
type Handler struct {
	publisher *shadowgate.Publisher
	logger    *slog.Logger
}

func New(publisher *shadowgate.Publisher, logger *slog.Logger) *Handler {
	return &Handler{publisher: publisher, logger: logger}
}

// Register mounts the shadow gate routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/shadow/decide", h.handleDecide)
}

type decideRequest struct {
	Trigger string               `json:"trigger"`
	Outcome auditservice.Outcome `json:"outcome"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "invalid request body"))
		return
	}
	if req.Trigger == "" {
		httputil.WriteError(w, domainerrors.New(domainerrors.CodeValidation, "trigger is required"))
		return
	}

	decision := shadowgate.Decide(audit.TriggerEvent(req.Trigger), req.Outcome)
	h.publisher.Emit(r.Context(), decision)
	httputil.WriteJSON(w, http.StatusOK, decision)
}
