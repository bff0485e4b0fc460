package cart

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one product in the cart together with the requested quantity.
// Quantity is always at least 1 while the item is in a cart.
type LineItem struct {
	Product
	Quantity int `json:"quantity"`
}

// Subtotal is price × quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// MarshalJSON flattens the product fields next to quantity.
func (li LineItem) MarshalJSON() ([]byte, error) {
	out := li.fields()
	out["quantity"] = li.Quantity
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flat form written by MarshalJSON.
func (li *LineItem) UnmarshalJSON(data []byte) error {
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var q struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return err
	}
	li.Product = p
	li.Quantity = q.Quantity
	return nil
}

// Snapshot is an immutable copy of a cart at one revision. Nothing a caller
// does to a Snapshot reaches the store, and later mutations of the store
// never change a Snapshot already taken.
type Snapshot struct {
	Revision   uint64          `json:"revision"`
	Items      []LineItem      `json:"items"`
	Count      int             `json:"count"`
	Total      decimal.Decimal `json:"total"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Empty reports whether the snapshot holds no items.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// Observer receives the post-mutation snapshot of a store. Observers run
// synchronously in mutation order and must not mutate the store they
// observe. Slow work belongs on the observer's own goroutine.
type Observer func(Snapshot)

// Store owns the line items of one cart. All mutations go through AddItem,
// RemoveItem, SetQuantity and Clear; Count and Total are derived from the
// current items on every read. A Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	items     []LineItem
	revision  uint64
	observers map[uint64]Observer
	nextObsID uint64

	// emitMu orders delivery: revision n is delivered to observers only
	// after revision n-1 has been delivered.
	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitted  uint64

	now func() time.Time
}

// NewStore returns an empty cart.
func NewStore() *Store {
	s := &Store{
		observers: make(map[uint64]Observer),
		now:       time.Now,
	}
	s.emitCond = sync.NewCond(&s.emitMu)
	return s
}

// Errors returned by AddItemWithin. The cart is unchanged when either is
// returned.
var (
	ErrQuantityLimit = errors.New("item quantity limit reached")
	ErrItemLimit     = errors.New("distinct item limit reached")
)

// Limits bounds AddItemWithin. A zero field means no limit.
type Limits struct {
	MaxQuantity int
	MaxItems    int
}

// AddItem appends p with quantity 1, or, when an item with the same ID is
// already present, increments that item's quantity by one. A merged item
// keeps its position and the fields captured when it was first added.
func (s *Store) AddItem(p Product) {
	_ = s.AddItemWithin(p, Limits{})
}

// AddItemWithin is AddItem checked against l under the same lock as the
// mutation itself.
func (s *Store) AddItemWithin(p Product, l Limits) error {
	var err error
	s.mutate(func() bool {
		if i := s.indexLocked(p.ID); i >= 0 {
			if l.MaxQuantity > 0 && s.items[i].Quantity >= l.MaxQuantity {
				err = ErrQuantityLimit
				return false
			}
			s.items[i].Quantity++
			return true
		}
		if l.MaxItems > 0 && len(s.items) >= l.MaxItems {
			err = ErrItemLimit
			return false
		}
		s.items = append(s.items, LineItem{Product: p.Clone(), Quantity: 1})
		return true
	})
	return err
}

// RemoveItem deletes the item with the given ID. Removing an absent ID is a
// no-op.
func (s *Store) RemoveItem(id string) {
	s.mutate(func() bool {
		i := s.indexLocked(id)
		if i < 0 {
			return false
		}
		s.removeAtLocked(i)
		return true
	})
}

// SetQuantity sets the quantity of the item with the given ID to exactly n.
// A quantity of zero or below removes the item. Unknown IDs are ignored.
func (s *Store) SetQuantity(id string, n int) {
	s.mutate(func() bool {
		i := s.indexLocked(id)
		if i < 0 {
			return false
		}
		if n <= 0 {
			s.removeAtLocked(i)
			return true
		}
		if s.items[i].Quantity == n {
			return false
		}
		s.items[i].Quantity = n
		return true
	})
}

// Clear removes every item.
func (s *Store) Clear() {
	s.mutate(func() bool {
		if len(s.items) == 0 {
			return false
		}
		s.items = nil
		return true
	})
}

// Count is the sum of all quantities.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countOf(s.items)
}

// Total is the sum of price × quantity over all items.
func (s *Store) Total() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return totalOf(s.items)
}

// Items returns a copy of the current items in insertion order.
func (s *Store) Items() []LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

// Snapshot returns an immutable copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers o for every state-changing mutation after the returned
// snapshot. The returned cancel func is idempotent.
func (s *Store) Subscribe(o Observer) (current Snapshot, cancel func()) {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	current = s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return current, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// mutate applies fn under the state lock. When fn reports a change the
// revision is bumped and observers are notified, in revision order, after
// the state lock is released.
func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.revision++
	snap := s.snapshotLocked()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for s.emitted+1 != snap.Revision {
		s.emitCond.Wait()
	}
	for _, o := range observers {
		o(snap)
	}
	s.emitted = snap.Revision
	s.emitCond.Broadcast()
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeAtLocked(i int) {
	s.items = append(s.items[:i:i], s.items[i+1:]...)
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Revision:   s.revision,
		Items:      cloneItems(s.items),
		Count:      countOf(s.items),
		Total:      totalOf(s.items),
		CapturedAt: s.now().UTC(),
	}
}

func countOf(items []LineItem) int {
	var n int
	for _, it := range items {
		n += it.Quantity
	}
	return n
}

func totalOf(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

func cloneItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, it := range items {
		out[i] = LineItem{Product: it.Product.Clone(), Quantity: it.Quantity}
	}
	return out
}
