package http

import (
	"log/slog"
	"net/http"

	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/service"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
)

// CheckoutHandler submits the session's cart as an order.
type CheckoutHandler struct {
	carts    *service.CartService
	checkout *checkout.Service
	logger   *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(carts *service.CartService, svc *checkout.Service, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{carts: carts, checkout: svc, logger: logger}
}

// Submit handles POST /api/v1/checkout
func (h *CheckoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var customer checkout.Customer
	if !httputil.DecodeJSON(w, r, &customer) {
		return
	}

	sess, err := h.carts.Session(sessionID(r))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	order, err := h.checkout.Submit(r.Context(), sess.Cart, customer)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusCreated, order)
}
