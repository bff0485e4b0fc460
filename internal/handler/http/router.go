package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/service"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	"github.com/mZeeshan-IQBAL/shopme/pkg/health"
	"github.com/mZeeshan-IQBAL/shopme/pkg/middleware"
)

// catalogMaxAge is the Cache-Control max-age for product lists, in seconds.
const catalogMaxAge = 60

// Dependencies are the services the router exposes.
type Dependencies struct {
	Sessions   *session.Registry
	Carts      *service.CartService
	Checkout   *checkout.Service
	Catalog    ProductLister
	Health     *health.Handler
	Logger     *slog.Logger
	CORS       middleware.CORSConfig
	PprofCIDRs []string
	// Closing ends open cart event streams when closed, typically from
	// http.Server.RegisterOnShutdown.
	Closing <-chan struct{}
}

// NewRouter creates a chi router with all storefront routes registered.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("storefront"))
	r.Use(middleware.Tracing("storefront"))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(deps.CORS))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, deps.PprofCIDRs, logger)

	sessionHandler := NewSessionHandler(deps.Sessions, logger)
	cartHandler := NewCartHandler(deps.Carts, deps.Closing, logger)
	checkoutHandler := NewCheckoutHandler(deps.Carts, deps.Checkout, logger)
	catalogHandler := NewCatalogHandler(deps.Catalog, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Compress(5))
			r.Use(chimw.Timeout(30 * time.Second))
			r.Use(ContentTypeJSON)

			r.Group(func(r chi.Router) {
				r.Use(middleware.CacheControl(catalogMaxAge))
				r.Get("/products", catalogHandler.ListProducts)
				r.Get("/top-products", catalogHandler.ListTopProducts)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.NoStore)
				r.Post("/sessions", sessionHandler.Create)

				r.Group(func(r chi.Router) {
					r.Use(SessionFromHeader)

					r.Delete("/sessions/current", sessionHandler.End)

					r.Get("/cart", cartHandler.GetCart)
					r.Delete("/cart", cartHandler.ClearCart)
					r.Get("/cart/count", cartHandler.Count)
					r.Post("/cart/items", cartHandler.AddItem)
					r.Put("/cart/items/{id}", cartHandler.SetQuantity)
					r.Delete("/cart/items/{id}", cartHandler.RemoveItem)

					r.Post("/checkout", checkoutHandler.Submit)
				})
			})
		})

		// Event streams are long-lived: no timeout and no compression.
		r.With(middleware.NoStore, SessionFromHeader).Get("/cart/events", cartHandler.Events)
	})

	return r
}
