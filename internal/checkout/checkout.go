// Package checkout turns a cart into an order on the backend.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httpclient"
	"github.com/mZeeshan-IQBAL/shopme/pkg/logger"
	"github.com/mZeeshan-IQBAL/shopme/pkg/tracing"
	"github.com/mZeeshan-IQBAL/shopme/pkg/validator"
)

// Submission results recorded in storefront_checkout_submissions_total.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultConflict = "conflict"
	ResultFailed   = "failed"
)

var (
	submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_submissions_total",
			Help: "Checkout submissions by result.",
		},
		[]string{"result"},
	)

	tracer = tracing.Tracer("storefront/checkout")
)

// Customer holds the details collected by the order form.
type Customer struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email"`
	Address string `json:"address" validate:"required,max=1000"`
}

// Order is the result of a successful submission.
type Order struct {
	ID         string          `json:"id,omitempty"`
	Message    string          `json:"message,omitempty"`
	Customer   Customer        `json:"customer"`
	Items      []cart.LineItem `json:"items"`
	ItemCount  int             `json:"item_count"`
	TotalPrice decimal.Decimal `json:"total_price"`
	PlacedAt   time.Time       `json:"placed_at"`
}

// EventPublisher is notified after an order has been accepted.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, order *Order) error
}

// Service submits carts to the backend order endpoint.
type Service struct {
	baseURL   string
	http      httpclient.Doer
	publisher EventPublisher
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[*cart.Store]struct{}
}

// NewService creates a checkout service. doer must not retry on its own: a
// repeated order submission is always user-initiated. publisher may be nil.
func NewService(baseURL string, doer httpclient.Doer, publisher EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      doer,
		publisher: publisher,
		logger:    logger,
		inFlight:  make(map[*cart.Store]struct{}),
	}
}

// Submit places an order for the current contents of store. The cart is
// read once at submission time and cleared only after the backend accepted
// the order; on any failure it is left as it was.
func (s *Service) Submit(ctx context.Context, store *cart.Store, customer Customer) (*Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.Submit")
	defer span.End()

	order, err := s.submit(ctx, store, customer)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int("order.item_count", order.ItemCount),
	)
	return order, nil
}

func (s *Service) submit(ctx context.Context, store *cart.Store, customer Customer) (*Order, error) {
	customer = normalize(customer)
	if err := validator.Validate(customer); err != nil {
		submissions.WithLabelValues(ResultRejected).Inc()
		return nil, err
	}

	if !s.acquire(store) {
		submissions.WithLabelValues(ResultConflict).Inc()
		return nil, apperrors.Conflict("an order for this cart is already being submitted")
	}
	defer s.release(store)

	snap := store.Snapshot()
	if snap.Empty() {
		submissions.WithLabelValues(ResultRejected).Inc()
		return nil, apperrors.InvalidInput("cart is empty")
	}

	placed, err := s.createOrder(ctx, snap, customer)
	if err != nil {
		submissions.WithLabelValues(ResultFailed).Inc()
		logger.FromContext(ctx).ErrorContext(ctx, "order submission failed",
			slog.Int("item_count", snap.Count),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	store.Clear()
	submissions.WithLabelValues(ResultSuccess).Inc()

	order := &Order{
		ID:         placed.id(),
		Message:    placed.Message,
		Customer:   customer,
		Items:      snap.Items,
		ItemCount:  snap.Count,
		TotalPrice: snap.Total,
		PlacedAt:   time.Now().UTC(),
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("session_id", logger.SessionIDFromContext(ctx)),
		slog.Int("item_count", order.ItemCount),
		slog.String("total_price", order.TotalPrice.String()),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishOrderPlaced(ctx, order); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order.placed event",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return order, nil
}

type orderItem struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
	Img      string      `json:"img,omitempty"`
}

type createOrderRequest struct {
	Items      []orderItem `json:"items"`
	Name       string      `json:"name"`
	Email      string      `json:"email"`
	Address    string      `json:"address"`
	TotalPrice json.Number `json:"totalPrice"`
}

// createOrderResponse accepts both {"_id":...} and {"order":{"_id":...}}
// bodies. The backend may also answer with only a message or nothing.
type createOrderResponse struct {
	Message string `json:"message"`
	ID      string `json:"_id"`
	Order   *struct {
		ID string `json:"_id"`
	} `json:"order"`
}

func (r createOrderResponse) id() string {
	if r.Order != nil && r.Order.ID != "" {
		return r.Order.ID
	}
	return r.ID
}

func (s *Service) createOrder(ctx context.Context, snap cart.Snapshot, customer Customer) (createOrderResponse, error) {
	req := createOrderRequest{
		Items:      make([]orderItem, len(snap.Items)),
		Name:       customer.Name,
		Email:      customer.Email,
		Address:    customer.Address,
		TotalPrice: json.Number(snap.Total.String()),
	}
	for i, item := range snap.Items {
		req.Items[i] = orderItem{
			ID:       item.ID,
			Title:    item.Title,
			Price:    json.Number(item.Price.String()),
			Quantity: item.Quantity,
			Img:      item.Attr("img"),
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return createOrderResponse{}, fmt.Errorf("marshal create order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return createOrderResponse{}, fmt.Errorf("create order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		httpReq.Header.Set("X-Correlation-ID", id)
	}

	resp, err := s.http.Do(ctx, httpReq)
	if err != nil {
		return createOrderResponse{}, httpclient.AsAppError(fmt.Errorf("call order endpoint: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return createOrderResponse{}, httpclient.AsAppError(httpclient.ParseResponseError(resp, "backend"))
	}
	defer func() { _ = resp.Body.Close() }()

	var out createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return createOrderResponse{}, fmt.Errorf("decode order response: %w", err)
	}
	return out, nil
}

func (s *Service) acquire(store *cart.Store) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[store]; busy {
		return false
	}
	s.inFlight[store] = struct{}{}
	return true
}

func (s *Service) release(store *cart.Store) {
	s.mu.Lock()
	delete(s.inFlight, store)
	s.mu.Unlock()
}

func normalize(c Customer) Customer {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Address = strings.TrimSpace(c.Address)
	return c
}
