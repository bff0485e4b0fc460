package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
	"github.com/mZeeshan-IQBAL/shopme/pkg/middleware"
)

// SessionHandler creates and ends storefront sessions.
type SessionHandler struct {
	registry *session.Registry
	logger   *slog.Logger
}

// NewSessionHandler creates a new session HTTP handler.
func NewSessionHandler(registry *session.Registry, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{registry: registry, logger: logger}
}

// SessionResponse is the body returned when a session is created.
type SessionResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess := h.registry.Create(r.Context())
	w.Header().Set(middleware.SessionHeader, sess.ID)
	httputil.WriteData(w, http.StatusCreated, SessionResponse{ID: sess.ID, ExpiresAt: sess.ExpiresAt()})
}

// End handles DELETE /api/v1/sessions/current. Ending an unknown session
// succeeds.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	h.registry.End(r.Context(), sessionID(r))
	w.WriteHeader(http.StatusNoContent)
}
