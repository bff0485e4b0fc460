package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	pkgkafka "github.com/mZeeshan-IQBAL/shopme/pkg/kafka"
	"github.com/mZeeshan-IQBAL/shopme/pkg/logger"
)

type published struct {
	topic string
	event *pkgkafka.Event
}

type fakeProducer struct {
	mu     sync.Mutex
	events []published
	err    error
	block  chan struct{}
}

func (f *fakeProducer) Publish(_ context.Context, topic string, ev *pkgkafka.Event) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{topic: topic, event: ev})
	return nil
}

func (f *fakeProducer) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestObserver_PublishesUpdatedAndCleared(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, discardLogger(), 16)
	p.Start()

	store := cart.NewStore()
	_, cancel := store.Subscribe(p.Observer("sess-1"))
	defer cancel()

	store.AddItem(cart.Product{ID: "1", Title: "Sneaker", Price: decimal.NewFromInt(100)})
	store.AddItem(cart.Product{ID: "1", Title: "Sneaker", Price: decimal.NewFromInt(100)})
	store.RemoveItem("missing")
	store.Clear()

	closePublisher(t, p)

	events := prod.snapshot()
	require.Len(t, events, 3, "no event for the no-op removal")
	assert.Equal(t, TopicCartUpdated, events[0].topic)
	assert.Equal(t, TopicCartUpdated, events[1].topic)
	assert.Equal(t, TopicCartCleared, events[2].topic)

	var data CartUpdatedData
	require.NoError(t, events[1].event.UnmarshalData(&data))
	assert.Equal(t, "sess-1", data.SessionID)
	assert.Equal(t, uint64(2), data.Revision)
	assert.Equal(t, 2, data.ItemCount)
	assert.Equal(t, "200", data.TotalAmount.String())
	require.Len(t, data.Items, 1)
	assert.Equal(t, 2, data.Items[0].Quantity)

	assert.Equal(t, "sess-1", events[2].event.AggregateID)
	assert.Equal(t, AggregateTypeCart, events[2].event.AggregateType)
	assert.Equal(t, SourceStorefront, events[2].event.Source)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "ecommerce.storefront.cart.updated", TopicCartUpdated)
	assert.Equal(t, "ecommerce.storefront.cart.cleared", TopicCartCleared)
	assert.Equal(t, "ecommerce.storefront.order.placed", TopicOrderPlaced)
}

func TestObserver_FullQueueDropsEvent(t *testing.T) {
	prod := &fakeProducer{block: make(chan struct{})}
	p := NewPublisher(prod, discardLogger(), 1)
	p.Start()

	observe := p.Observer("sess-full")
	before := testutil.ToFloat64(eventsDropped.WithLabelValues(TopicCartUpdated))

	snap := cart.Snapshot{Revision: 1, Items: []cart.LineItem{{Product: cart.Product{ID: "1"}, Quantity: 1}}, Count: 1}
	// The worker holds at most one event and the queue one more; the rest drop.
	for i := 0; i < 5; i++ {
		observe(snap)
	}

	dropped := testutil.ToFloat64(eventsDropped.WithLabelValues(TopicCartUpdated)) - before
	assert.GreaterOrEqual(t, dropped, float64(3))

	close(prod.block)
	closePublisher(t, p)
	assert.Equal(t, 5, len(prod.snapshot())+int(dropped))
}

func TestEnqueue_AfterClose(t *testing.T) {
	p := NewPublisher(&fakeProducer{}, discardLogger(), 4)
	p.Start()
	closePublisher(t, p)

	ev, err := pkgkafka.NewEvent(TopicCartCleared, "s", AggregateTypeCart, SourceStorefront, CartClearedData{})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Enqueue(TopicCartCleared, ev), ErrClosed)

	// Close is idempotent.
	assert.NoError(t, p.Close(context.Background()))
}

func TestClose_TimesOutWhenProducerStalls(t *testing.T) {
	prod := &fakeProducer{block: make(chan struct{})}
	defer close(prod.block)
	p := NewPublisher(prod, discardLogger(), 4)
	p.Start()
	p.Observer("s")(cart.Snapshot{Revision: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

func TestWorker_ContinuesAfterPublishError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisher(prod, discardLogger(), 4)
	p.Start()

	observe := p.Observer("s")
	observe(cart.Snapshot{Revision: 1})
	observe(cart.Snapshot{Revision: 2})

	closePublisher(t, p)
	assert.Empty(t, prod.snapshot())
}

func TestAttach_SubscribesSessionCart(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, discardLogger(), 8)
	p.Start()

	registry := session.NewRegistry(time.Hour, discardLogger(), session.WithHook(p.Attach))
	sess := registry.Create(context.Background())
	sess.Cart.AddItem(cart.Product{ID: "7", Price: decimal.NewFromInt(3)})

	closePublisher(t, p)

	events := prod.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, sess.ID, events[0].event.AggregateID)
}

func TestPublishOrderPlaced(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, discardLogger(), 1)

	ctx := logger.WithSessionID(context.Background(), "sess-9")
	ctx = logger.WithCorrelationID(ctx, "corr-9")
	order := &checkout.Order{
		ID:         "ord-1",
		Customer:   checkout.Customer{Name: "Ada", Email: "ada@example.com", Address: "x"},
		Items:      []cart.LineItem{{Product: cart.Product{ID: "1", Title: "Cap", Price: decimal.NewFromInt(12)}, Quantity: 2}},
		ItemCount:  2,
		TotalPrice: decimal.NewFromInt(24),
	}

	require.NoError(t, p.PublishOrderPlaced(ctx, order))

	events := prod.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, TopicOrderPlaced, events[0].topic)
	assert.Equal(t, "ord-1", events[0].event.AggregateID)
	assert.Equal(t, "corr-9", events[0].event.CorrelationID)

	var data OrderPlacedData
	require.NoError(t, events[0].event.UnmarshalData(&data))
	assert.Equal(t, "sess-9", data.SessionID)
	assert.Equal(t, "ada@example.com", data.Email)
	assert.Equal(t, "24", data.TotalPrice.String())
	require.Len(t, data.Items, 1)
	assert.Equal(t, "1", data.Items[0].ProductID)
}

func TestPublishOrderPlaced_ProducerError(t *testing.T) {
	p := NewPublisher(&fakeProducer{err: errors.New("down")}, discardLogger(), 1)

	err := p.PublishOrderPlaced(context.Background(), &checkout.Order{ID: "ord-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish order.placed event")
}
