package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
	"github.com/mZeeshan-IQBAL/shopme/pkg/validator"
)

// Request limits enforced at the service boundary. The cart store itself
// accepts any input.
const (
	// MaxQuantityPerItem is the largest quantity of one item, reached either
	// by SetQuantity or by repeated adds.
	MaxQuantityPerItem = 100
	// MaxItemsPerCart is the maximum number of distinct items in one cart.
	MaxItemsPerCart = 50
)

var cartMutations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storefront_cart_mutations_total",
		Help: "Cart mutation requests by operation.",
	},
	[]string{"op"},
)

// CartService resolves sessions and applies cart operations to their stores.
type CartService struct {
	sessions *session.Registry
	logger   *slog.Logger
}

// NewCartService creates a new cart service.
func NewCartService(sessions *session.Registry, logger *slog.Logger) *CartService {
	return &CartService{
		sessions: sessions,
		logger:   logger,
	}
}

// Session returns the live session with the given id.
func (s *CartService) Session(sessionID string) (*session.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return sess, nil
}

// GetCart returns the current snapshot of the session's cart.
func (s *CartService) GetCart(_ context.Context, sessionID string) (cart.Snapshot, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return cart.Snapshot{}, err
	}
	return sess.Cart.Snapshot(), nil
}

// Count returns the total quantity in the session's cart.
func (s *CartService) Count(_ context.Context, sessionID string) (int, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.Cart.Count(), nil
}

// AddItem validates p and adds it to the session's cart, merging with an
// existing line of the same id.
func (s *CartService) AddItem(ctx context.Context, sessionID string, p cart.Product) (cart.Snapshot, error) {
	if err := validator.Validate(p); err != nil {
		return cart.Snapshot{}, err
	}

	sess, err := s.Session(sessionID)
	if err != nil {
		return cart.Snapshot{}, err
	}

	err = sess.Cart.AddItemWithin(p, cart.Limits{MaxQuantity: MaxQuantityPerItem, MaxItems: MaxItemsPerCart})
	switch {
	case errors.Is(err, cart.ErrItemLimit):
		return cart.Snapshot{}, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d items", MaxItemsPerCart))
	case errors.Is(err, cart.ErrQuantityLimit):
		return cart.Snapshot{}, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}
	cartMutations.WithLabelValues("add").Inc()

	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("session_id", sessionID),
		slog.String("product_id", p.ID),
	)

	return sess.Cart.Snapshot(), nil
}

// SetQuantity sets the quantity of an item. Zero or below removes it; an
// unknown id leaves the cart unchanged.
func (s *CartService) SetQuantity(ctx context.Context, sessionID, productID string, quantity int) (cart.Snapshot, error) {
	if productID == "" {
		return cart.Snapshot{}, apperrors.InvalidInput("product id is required")
	}
	if quantity > MaxQuantityPerItem {
		return cart.Snapshot{}, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}

	sess, err := s.Session(sessionID)
	if err != nil {
		return cart.Snapshot{}, err
	}

	sess.Cart.SetQuantity(productID, quantity)
	cartMutations.WithLabelValues("set_quantity").Inc()

	s.logger.InfoContext(ctx, "cart item quantity updated",
		slog.String("session_id", sessionID),
		slog.String("product_id", productID),
		slog.Int("quantity", quantity),
	)

	return sess.Cart.Snapshot(), nil
}

// RemoveItem deletes an item from the cart. Removing an absent id succeeds.
func (s *CartService) RemoveItem(ctx context.Context, sessionID, productID string) (cart.Snapshot, error) {
	if productID == "" {
		return cart.Snapshot{}, apperrors.InvalidInput("product id is required")
	}

	sess, err := s.Session(sessionID)
	if err != nil {
		return cart.Snapshot{}, err
	}

	sess.Cart.RemoveItem(productID)
	cartMutations.WithLabelValues("remove").Inc()

	s.logger.InfoContext(ctx, "item removed from cart",
		slog.String("session_id", sessionID),
		slog.String("product_id", productID),
	)

	return sess.Cart.Snapshot(), nil
}

// ClearCart removes every item from the session's cart.
func (s *CartService) ClearCart(ctx context.Context, sessionID string) (cart.Snapshot, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return cart.Snapshot{}, err
	}

	sess.Cart.Clear()
	cartMutations.WithLabelValues("clear").Inc()

	s.logger.InfoContext(ctx, "cart cleared",
		slog.String("session_id", sessionID),
	)

	return sess.Cart.Snapshot(), nil
}
