package widget

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	widgetservice "github.com/zhouzirui/sitechat/backend/internal/service/widget"
	"github.com/zhouzirui/sitechat/backend/pkg/utils"
)

// Initializer mints visitor sessions.
type Initializer interface {
	Init(ctx context.Context, apiKey string) (chat.VisitorSession, error)
}

// Handler serves widget initialisation.
type Handler struct {
	svc Initializer
}

// New creates a widget handler.
func New(svc Initializer) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the widget endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/widget/init", h.handleInit)
	r.Options("/widget/init", h.handlePreflight)
}

// InitResponse is the success body of POST /widget/init.
type InitResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// handlePreflight answers CORS preflight for any origin.
func (h *Handler) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}

// handleInit exchanges a site API key for a visitor session.
func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		APIKey string `json:"apiKey"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	visitor, err := h.svc.Init(r.Context(), payload.APIKey)
	switch {
	case errors.Is(err, widgetservice.ErrAPIKeyRequired):
		utils.RespondError(w, http.StatusBadRequest, "API key is required")
		return
	case errors.Is(err, widgetservice.ErrInvalidAPIKey):
		utils.RespondError(w, http.StatusUnauthorized, "Invalid API key")
		return
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Msg("error initializing widget session")
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, InitResponse{
		Message:   "Session initialized successfully",
		SessionID: visitor.SessionID,
	})
}
