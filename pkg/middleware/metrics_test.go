package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics("metrics-route"))
	r.Delete("/cart/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"1", "2", "sku-3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/cart/items/"+id, nil))
	}

	counter := httpRequestsTotal.WithLabelValues("metrics-route", http.MethodDelete, "/cart/items/{id}", "200")
	assert.Equal(t, float64(3), testutil.ToFloat64(counter))
}

func TestPrometheusMetrics_RecordsStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics("metrics-status"))
	r.Post("/checkout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/checkout", nil))

	counter := httpRequestsTotal.WithLabelValues("metrics-status", http.MethodPost, "/checkout", "409")
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))
}

func TestPrometheusMetrics_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics("metrics-unmatched"))
	r.Get("/cart", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	counter := httpRequestsTotal.WithLabelValues("metrics-unmatched", http.MethodGet, "unmatched", "404")
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))
}

func TestPrometheusMetrics_InFlightDuringRequest(t *testing.T) {
	gauge := httpRequestsInFlight.WithLabelValues("metrics-inflight")
	var during float64
	handler := PrometheusMetrics("metrics-inflight")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(gauge)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cart/events", nil))

	assert.Equal(t, float64(1), during)
	assert.Equal(t, float64(0), testutil.ToFloat64(gauge))
}
