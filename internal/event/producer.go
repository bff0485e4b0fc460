package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	pkgkafka "github.com/mZeeshan-IQBAL/shopme/pkg/kafka"
	"github.com/mZeeshan-IQBAL/shopme/pkg/logger"
)

// Kafka topics for storefront events.
var (
	TopicCartUpdated = pkgkafka.Topic("storefront", "cart.updated")
	TopicCartCleared = pkgkafka.Topic("storefront", "cart.cleared")
	TopicOrderPlaced = pkgkafka.Topic("storefront", "order.placed")
)

// Aggregate types.
const (
	AggregateTypeCart  = "cart"
	AggregateTypeOrder = "order"
)

// SourceStorefront identifies events produced by this service.
const SourceStorefront = "storefront"

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("event publisher closed")

var eventsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storefront_cart_events_dropped_total",
		Help: "Cart events dropped because the publish queue was full or closed.",
	},
	[]string{"topic"},
)

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	SessionID   string          `json:"session_id"`
	Revision    uint64          `json:"revision"`
	Items       []CartItemData  `json:"items"`
	ItemCount   int             `json:"item_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CartItemData is the item payload within cart and order events.
type CartItemData struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	SessionID string `json:"session_id"`
	Revision  uint64 `json:"revision"`
}

// OrderPlacedData is the payload for an order.placed event.
type OrderPlacedData struct {
	OrderID    string          `json:"order_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Email      string          `json:"email"`
	Items      []CartItemData  `json:"items"`
	ItemCount  int             `json:"item_count"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// Producer is the subset of the Kafka producer the publisher needs.
type Producer interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

var _ checkout.EventPublisher = (*Publisher)(nil)

type job struct {
	topic string
	event *pkgkafka.Event
}

// Publisher turns cart snapshots into Kafka events. Snapshots are queued by
// the cart observer and published from a single worker goroutine so a slow
// broker never stalls a cart mutation.
type Publisher struct {
	producer Producer
	logger   *slog.Logger
	queue    chan job
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a publisher with a queue of queueSize pending events.
// Call Start to begin publishing.
func NewPublisher(producer Producer, logger *slog.Logger, queueSize int) *Publisher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Publisher{
		producer: producer,
		logger:   logger,
		queue:    make(chan job, queueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. It runs until Close drains the queue.
func (p *Publisher) Start() {
	go p.run()
}

func (p *Publisher) run() {
	defer close(p.done)
	for j := range p.queue {
		// Events outlive the request that caused them.
		if err := p.producer.Publish(context.Background(), j.topic, j.event); err != nil {
			p.logger.Error("failed to publish cart event",
				slog.String("topic", j.topic),
				slog.String("session_id", j.event.AggregateID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be published or
// ctx to expire.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain event queue: %w", ctx.Err())
	}
}

// Attach subscribes the publisher to a new session's cart. It is meant to be
// installed with session.WithHook.
func (p *Publisher) Attach(sess *session.Session) {
	// The subscription lives as long as the store.
	_, _ = sess.Cart.Subscribe(p.Observer(sess.ID))
}

// Observer returns a cart observer that publishes under sessionID.
func (p *Publisher) Observer(sessionID string) cart.Observer {
	return func(snap cart.Snapshot) {
		topic, ev, err := cartEvent(sessionID, snap)
		if err != nil {
			p.logger.Error("failed to build cart event",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := p.Enqueue(topic, ev); err != nil {
			eventsDropped.WithLabelValues(topic).Inc()
			p.logger.Warn("cart event dropped",
				slog.String("topic", topic),
				slog.String("session_id", sessionID),
				slog.Uint64("revision", snap.Revision),
				slog.String("reason", err.Error()),
			)
		}
	}
}

// Enqueue schedules ev for publishing without blocking.
func (p *Publisher) Enqueue(topic string, ev *pkgkafka.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job{topic: topic, event: ev}:
		return nil
	default:
		return errors.New("event queue full")
	}
}

// PublishOrderPlaced publishes an order.placed event synchronously.
func (p *Publisher) PublishOrderPlaced(ctx context.Context, order *checkout.Order) error {
	data := OrderPlacedData{
		OrderID:    order.ID,
		SessionID:  logger.SessionIDFromContext(ctx),
		Email:      order.Customer.Email,
		Items:      itemData(order.Items),
		ItemCount:  order.ItemCount,
		TotalPrice: order.TotalPrice,
	}

	aggregateID := order.ID
	if aggregateID == "" {
		aggregateID = data.SessionID
	}

	ev, err := pkgkafka.NewEvent(TopicOrderPlaced, aggregateID, AggregateTypeOrder, SourceStorefront, data)
	if err != nil {
		return fmt.Errorf("create order.placed event: %w", err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		ev.WithCorrelationID(id)
	}

	if err := p.producer.Publish(ctx, TopicOrderPlaced, ev); err != nil {
		return fmt.Errorf("publish order.placed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.placed event",
		slog.String("order_id", order.ID),
	)
	return nil
}

func cartEvent(sessionID string, snap cart.Snapshot) (string, *pkgkafka.Event, error) {
	if snap.Empty() {
		ev, err := pkgkafka.NewEvent(TopicCartCleared, sessionID, AggregateTypeCart, SourceStorefront,
			CartClearedData{SessionID: sessionID, Revision: snap.Revision})
		if err != nil {
			return "", nil, fmt.Errorf("create cart.cleared event: %w", err)
		}
		return TopicCartCleared, ev, nil
	}

	data := CartUpdatedData{
		SessionID:   sessionID,
		Revision:    snap.Revision,
		Items:       itemData(snap.Items),
		ItemCount:   snap.Count,
		TotalAmount: snap.Total,
	}
	ev, err := pkgkafka.NewEvent(TopicCartUpdated, sessionID, AggregateTypeCart, SourceStorefront, data)
	if err != nil {
		return "", nil, fmt.Errorf("create cart.updated event: %w", err)
	}
	return TopicCartUpdated, ev, nil
}

func itemData(items []cart.LineItem) []CartItemData {
	out := make([]CartItemData, len(items))
	for i, item := range items {
		out[i] = CartItemData{
			ProductID: item.ID,
			Title:     item.Title,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}
	return out
}
