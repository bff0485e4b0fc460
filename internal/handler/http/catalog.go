package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
	"github.com/mZeeshan-IQBAL/shopme/pkg/pagination"
)

// ProductLister is the catalog read side used by CatalogHandler.
type ProductLister interface {
	ListProducts(ctx context.Context) ([]cart.Product, error)
	ListTopProducts(ctx context.Context) ([]cart.Product, error)
}

// CatalogHandler serves product lists fetched from the backend.
type CatalogHandler struct {
	catalog ProductLister
	logger  *slog.Logger
}

// NewCatalogHandler creates a new catalog HTTP handler.
func NewCatalogHandler(catalog ProductLister, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

// ListProducts handles GET /api/v1/products
func (h *CatalogHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.catalog.ListProducts)
}

// ListTopProducts handles GET /api/v1/top-products
func (h *CatalogHandler) ListTopProducts(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.catalog.ListTopProducts)
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]cart.Product, error)) {
	products, err := fetch(r.Context())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	params := pagination.FromRequest(r)
	httputil.WriteJSON(w, http.StatusOK, pagination.Paginate(products, params))
}
