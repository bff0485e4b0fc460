package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/internal/service"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
	"github.com/mZeeshan-IQBAL/shopme/pkg/validator"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 15 * time.Second

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	service   *service.CartService
	logger    *slog.Logger
	heartbeat time.Duration
	closing   <-chan struct{}
}

// NewCartHandler creates a new cart HTTP handler. Open event streams end
// when closing is closed; a nil channel keeps them open.
func NewCartHandler(svc *service.CartService, closing <-chan struct{}, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		service:   svc,
		logger:    logger,
		heartbeat: heartbeatInterval,
		closing:   closing,
	}
}

// --- Request DTOs ---

// SetQuantityRequest is the JSON request body for setting an item's quantity.
// Zero or a negative value removes the item.
type SetQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required"`
}

// CountResponse is the body of GET /api/v1/cart/count.
type CountResponse struct {
	Count int `json:"count"`
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetCart(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, snap)
}

// Count handles GET /api/v1/cart/count
func (h *CartHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, CountResponse{Count: n})
}

// AddItem handles POST /api/v1/cart/items. The body is a flat product record.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var p cart.Product
	if !httputil.DecodeJSON(w, r, &p) {
		return
	}

	snap, err := h.service.AddItem(r.Context(), sessionID(r), p)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, snap)
}

// SetQuantity handles PUT /api/v1/cart/items/{id}
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	var req SetQuantityRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	snap, err := h.service.SetQuantity(r.Context(), sessionID(r), chi.URLParam(r, "id"), *req.Quantity)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, snap)
}

// RemoveItem handles DELETE /api/v1/cart/items/{id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.RemoveItem(r.Context(), sessionID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, snap)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ClearCart(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, snap)
}

// Events handles GET /api/v1/cart/events. It streams the current snapshot
// followed by one "cart" event per change as server-sent events. A slow
// reader only ever receives the latest snapshot. The stream ends with the
// session, the request or the server.
func (h *CartHandler) Events(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Session(sessionID(r))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.WarnContext(r.Context(), "clear write deadline", slog.String("error", err.Error()))
	}

	updates := make(chan cart.Snapshot, 1)
	current, cancel := sess.Cart.Subscribe(func(s cart.Snapshot) {
		// Observers run serially, so this is the only sender.
		select {
		case updates <- s:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- s
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, current); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.ErrorContext(r.Context(), "event stream not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case <-h.closing:
			return
		case snap := <-updates:
			if err := writeEvent(w, snap); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, snap cart.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: cart\ndata: %s\n\n", snap.Revision, data)
	return err
}

// writeError maps validation failures to 400 with field details and every
// other error through the shared app error mapping.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		httputil.WriteValidationError(w, r, err)
		return
	}
	httputil.WriteError(w, r, err, logger)
}
