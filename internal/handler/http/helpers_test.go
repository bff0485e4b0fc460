package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/service"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	"github.com/mZeeshan-IQBAL/shopme/pkg/health"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httpclient"
	"github.com/mZeeshan-IQBAL/shopme/pkg/middleware"
)

// ============================================================================
// Mock catalog
// ============================================================================

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) ListProducts(ctx context.Context) ([]cart.Product, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]cart.Product), args.Error(1)
}

func (m *mockCatalog) ListTopProducts(ctx context.Context) ([]cart.Product, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]cart.Product), args.Error(1)
}

// ============================================================================
// Test fixture
// ============================================================================

type fixture struct {
	router   http.Handler
	sessions *session.Registry
	catalog  *mockCatalog
	closing  chan struct{}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds the production router. backendURL is where checkout
// sends orders; pass "" when the test does not check out.
func newFixture(t *testing.T, backendURL string) *fixture {
	t.Helper()
	logger := testLogger()

	sessions := session.NewRegistry(time.Hour, logger)
	carts := service.NewCartService(sessions, logger)

	cfg := httpclient.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	if backendURL == "" {
		backendURL = "http://127.0.0.1:1"
	}
	orders := checkout.NewService(backendURL, httpclient.New(cfg), nil, logger)

	catalog := &mockCatalog{}
	closing := make(chan struct{})

	router := NewRouter(Dependencies{
		Sessions:   sessions,
		Carts:      carts,
		Checkout:   orders,
		Catalog:    catalog,
		Health:     health.NewHandler(),
		Logger:     logger,
		CORS:       middleware.DefaultCORSConfig(),
		PprofCIDRs: []string{"127.0.0.1/32"},
		Closing:    closing,
	})

	return &fixture{router: router, sessions: sessions, catalog: catalog, closing: closing}
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Data SessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.ID)
	return body.Data.ID
}

func newRequest(method, path, sessionID, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(middleware.SessionHeader, sessionID)
	}
	return req
}

func serve(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, method, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(f, newRequest(method, path, sessionID, body))
}

type snapshotBody struct {
	Data struct {
		Revision uint64           `json:"revision"`
		Items    []map[string]any `json:"items"`
		Count    int              `json:"count"`
		Total    string           `json:"total"`
	} `json:"data"`
}

type errorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
